package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"

	"github.com/yarkm13/remoteorigin/internal/failure"
)

const (
	ftpAnonymousUser = "anonymous"
	ftpNotLoggedIn   = 530
	ftpFileMissing   = 550
)

type FTPConnectorFactory struct{}

func (f *FTPConnectorFactory) Accept(u *url.URL) bool {
	return u.Scheme == "ftp"
}

func (f *FTPConnectorFactory) Create(ctx context.Context, target Target, auth *Auth, trust TrustPolicy) (Connector, error) {
	return NewFTPConnector(ctx, target, auth)
}

func (f *FTPConnectorFactory) Name() string {
	return "ftp"
}

type FTPConnector struct {
	client *ftp.ServerConn
	info   ConnectionInfo
}

func NewFTPConnector(ctx context.Context, target Target, auth *Auth) (*FTPConnector, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if target.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(target.Timeout))
	}

	c, err := ftp.Dial(target.HostPort(), opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.New(failure.KindTransientConnection, failure.StageConnect, fmt.Errorf("failed to dial: %w", err))
	}

	user, password := ftpAnonymousUser, ftpAnonymousUser
	if auth != nil && auth.Username != "" {
		user = auth.Username
		password = string(auth.Password)
	}

	if err := c.Login(user, password); err != nil {
		_ = c.Quit() // Close connection on login failure
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code == ftpNotLoggedIn {
			return nil, failure.New(failure.KindAuthentication, failure.StageConnect, fmt.Errorf("login rejected for %s: %w", user, err))
		}
		return nil, failure.New(failure.KindTransientConnection, failure.StageConnect, fmt.Errorf("login failed: %w", err))
	}

	home, err := c.CurrentDir()
	if err != nil {
		_ = c.Quit()
		return nil, failure.New(failure.KindTransientConnection, failure.StageConnect, fmt.Errorf("failed to read working directory: %w", err))
	}

	return &FTPConnector{
		client: c,
		info: ConnectionInfo{
			SessionID: uuid.NewString(),
			User:      user,
			Home:      home,
		},
	}, nil
}

func (f *FTPConnector) Info() ConnectionInfo {
	return f.info
}

func (f *FTPConnector) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.client.NoOp()
}

func (f *FTPConnector) ReadDir(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := f.client.List(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(list))
	for _, e := range list {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		full := path.Join(dir, e.Name)
		switch e.Type {
		case ftp.EntryTypeFile:
			entries = append(entries, Entry{Path: full, Size: e.Size, ModTime: e.Time})
		case ftp.EntryTypeFolder:
			entries = append(entries, Entry{Path: full, IsDir: true, ModTime: e.Time})
		}
	}
	return entries, nil
}

func (f *FTPConnector) Open(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := f.client.Retr(remotePath)
	if err != nil {
		return nil, err
	}
	return closeOnCancel(ctx, r, func() {
		// unblock a read stuck on the data connection
		_ = r.SetDeadline(time.Now())
	}), nil
}

func (f *FTPConnector) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := f.client.FileSize(remotePath); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code == ftpFileMissing {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *FTPConnector) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.client.Delete(remotePath)
}

func (f *FTPConnector) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.client.Rename(from, to)
}

// MkdirAll creates dir and any missing parents. FTP has no way to tell
// "already exists" apart from other MKD failures, so each failure is checked
// by changing into the directory.
func (f *FTPConnector) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cwd, err := f.client.CurrentDir()
	if err != nil {
		return err
	}

	dir = path.Clean(dir)
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if err := f.client.MakeDir(current); err != nil {
			if cdErr := f.client.ChangeDir(current); cdErr != nil {
				return fmt.Errorf("failed to create directory %s: %w", current, err)
			}
			if err := f.client.ChangeDir(cwd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *FTPConnector) Close() error {
	return f.client.Quit()
}
