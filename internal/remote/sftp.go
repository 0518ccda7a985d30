package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/yarkm13/remoteorigin/internal/failure"
)

type SFTPConnectorFactory struct{}

func (f *SFTPConnectorFactory) Accept(u *url.URL) bool { return u.Scheme == "sftp" }

func (f *SFTPConnectorFactory) Create(ctx context.Context, target Target, auth *Auth, trust TrustPolicy) (Connector, error) {
	return NewSFTPConnector(ctx, target, auth, trust)
}

func (f *SFTPConnectorFactory) Name() string { return "sftp" }

type SFTPConnector struct {
	sshConn *ssh.Client
	client  *sftp.Client
	info    ConnectionInfo
}

// HostKey records what the host key callback saw during a handshake.
type HostKey struct {
	mu          sync.Mutex
	Fingerprint string
	Err         error
}

func (h *HostKey) observe(fingerprint string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Fingerprint = fingerprint
	h.Err = err
}

func (h *HostKey) result() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Fingerprint, h.Err
}

// HostKeyCallback builds the verification callback for trust. Under strict
// checking, hosts missing from the known hosts file or presenting a
// different key are rejected. Otherwise every key is accepted. Either way the
// fingerprint and any rejection are recorded in seen.
func HostKeyCallback(trust TrustPolicy, seen *HostKey) (ssh.HostKeyCallback, error) {
	verify := func(string, net.Addr, ssh.PublicKey) error { return nil }
	if trust.StrictHostChecking {
		if trust.KnownHostsPath == "" {
			return nil, failure.Configuration("strict host checking requires a known hosts file")
		}
		cb, err := knownhosts.New(trust.KnownHostsPath)
		if err != nil {
			return nil, failure.Configuration("failed to load known hosts %s: %w", trust.KnownHostsPath, err)
		}
		verify = cb
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		err := verify(hostname, remote, key)
		if err != nil {
			err = describeHostKeyError(hostname, key, err)
		}
		seen.observe(fingerprint, err)
		return err
	}, nil
}

func describeHostKeyError(hostname string, key ssh.PublicKey, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return fmt.Errorf("host %s is not in known hosts (%s key %s): %w", hostname, key.Type(), ssh.FingerprintSHA256(key), err)
		}
		return fmt.Errorf("host key for %s does not match known hosts (got %s key %s): %w", hostname, key.Type(), ssh.FingerprintSHA256(key), err)
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return fmt.Errorf("host key for %s is revoked: %w", hostname, err)
	}
	return err
}

func authMethods(auth *Auth) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if auth == nil {
		return methods, nil
	}

	if len(auth.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if len(auth.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(auth.PrivateKey, auth.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(auth.PrivateKey)
		}
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, failure.Configuration("private key is encrypted but no passphrase is configured")
			}
			return nil, failure.New(failure.KindAuthentication, failure.StageConnect, fmt.Errorf("failed to parse private key: %w", err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(auth.Password) > 0 {
		password := string(auth.Password)
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

func NewSFTPConnector(ctx context.Context, target Target, auth *Auth, trust TrustPolicy) (*SFTPConnector, error) {
	if auth == nil || auth.Username == "" {
		return nil, failure.Configuration("sftp requires a username")
	}

	seen := &HostKey{}
	callback, err := HostKeyCallback(trust, seen)
	if err != nil {
		return nil, err
	}
	methods, err := authMethods(auth)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            auth.Username,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         target.Timeout,
	}

	addr := target.HostPort()
	dialer := net.Dialer{Timeout: target.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.New(failure.KindTransientConnection, failure.StageConnect, fmt.Errorf("failed to dial: %w", err))
	}

	// the handshake has no context of its own
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if target.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(target.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(ctx, seen, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, failure.New(failure.KindTransientConnection, failure.StageConnect, fmt.Errorf("failed to initialize sftp subsystem: %w", err))
	}

	home, err := sftpClient.Getwd()
	if err != nil {
		_ = sftpClient.Close()
		_ = client.Close()
		return nil, failure.New(failure.KindTransientConnection, failure.StageConnect, fmt.Errorf("failed to read home directory: %w", err))
	}

	fingerprint, _ := seen.result()
	return &SFTPConnector{
		sshConn: client,
		client:  sftpClient,
		info: ConnectionInfo{
			SessionID:       uuid.NewString(),
			User:            auth.Username,
			HostFingerprint: fingerprint,
			Home:            home,
		},
	}, nil
}

func classifyHandshake(ctx context.Context, seen *HostKey, err error) error {
	if _, hostErr := seen.result(); hostErr != nil {
		return failure.New(failure.KindHostTrust, failure.StageConnect, hostErr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return failure.New(failure.KindAuthentication, failure.StageConnect, err)
	}
	return failure.New(failure.KindTransientConnection, failure.StageConnect, fmt.Errorf("ssh handshake failed: %w", err))
}

func (s *SFTPConnector) Info() ConnectionInfo {
	return s.info
}

func (s *SFTPConnector) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.Getwd()
	return err
}

func (s *SFTPConnector) ReadDir(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		full := s.client.Join(dir, fi.Name())
		switch {
		case fi.IsDir():
			entries = append(entries, Entry{Path: full, IsDir: true, ModTime: fi.ModTime()})
		case fi.Mode().IsRegular():
			entries = append(entries, Entry{Path: full, Size: uint64(fi.Size()), ModTime: fi.ModTime()})
		}
	}
	return entries, nil
}

func (s *SFTPConnector) Open(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.client.Open(remotePath)
	if err != nil {
		return nil, err
	}
	return closeOnCancel(ctx, f, func() {
		// a pending sftp read only returns once the session goes away
		_ = f.Close()
		_ = s.sshConn.Close()
	}), nil
}

func (s *SFTPConnector) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := s.client.Stat(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SFTPConnector) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Remove(remotePath)
}

func (s *SFTPConnector) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Rename(from, to)
}

func (s *SFTPConnector) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.MkdirAll(dir)
}

func (s *SFTPConnector) Close() error {
	var result *multierror.Error
	if err := s.client.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sftp client: %w", err))
	}
	if err := s.sshConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close ssh connection: %w", err))
	}
	return result.ErrorOrNil()
}
