package remote

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"
)

// Entry is a single remote directory entry.
type Entry struct {
	Path    string // absolute remote path
	Rel     string // path relative to the listing root, filled in by List
	IsDir   bool
	Size    uint64
	ModTime time.Time
}

// ConnectionInfo describes an authenticated session.
type ConnectionInfo struct {
	SessionID       string
	User            string
	HostFingerprint string
	Home            string
}

// Connector interface for remote file operations
type Connector interface {
	Info() ConnectionInfo
	Ping(ctx context.Context) error
	// ReadDir returns regular files and directories directly below dir.
	// Links and special files are not reported.
	ReadDir(ctx context.Context, dir string) ([]Entry, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	MkdirAll(ctx context.Context, dir string) error
	Close() error
}

// ConnectorFactory interface for creating connectors
type ConnectorFactory interface {
	Accept(u *url.URL) bool
	Create(ctx context.Context, target Target, auth *Auth, trust TrustPolicy) (Connector, error)
	Name() string
}

// Target is the endpoint a Manager connects to.
type Target struct {
	URL     *url.URL
	Timeout time.Duration
}

var defaultPorts = map[string]string{
	"ftp":  "21",
	"sftp": "22",
}

// HostPort returns host:port, falling back to the scheme's default port.
func (t Target) HostPort() string {
	if t.URL.Port() != "" {
		return t.URL.Host
	}
	return net.JoinHostPort(t.URL.Hostname(), defaultPorts[t.URL.Scheme])
}

// Endpoint identifies the target in logs and error messages. It never
// includes credentials.
func (t Target) Endpoint() string {
	return t.URL.Scheme + "://" + t.HostPort()
}

// cancelReader runs abort if its context ends before Close.
type cancelReader struct {
	io.ReadCloser
	stop func() bool
}

func closeOnCancel(ctx context.Context, rc io.ReadCloser, abort func()) io.ReadCloser {
	return &cancelReader{ReadCloser: rc, stop: context.AfterFunc(ctx, abort)}
}

func (r *cancelReader) Close() error {
	r.stop()
	return r.ReadCloser.Close()
}
