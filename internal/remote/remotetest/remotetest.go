// Package remotetest provides an in-memory remote filesystem for tests.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yarkm13/remoteorigin/internal/remote"
)

// ErrInjected is returned by injected read failures.
var ErrInjected = errors.New("injected transport failure")

type file struct {
	data    []byte
	modTime time.Time
}

// FS is a remote filesystem shared by every connection a Factory creates.
type FS struct {
	mu    sync.Mutex
	files map[string]*file
	dirs  map[string]bool
	links map[string]string

	Home string

	// ConnectErr is returned by every Factory.Create while set.
	ConnectErr error
	// failReads maps a path to the byte offset at which the next reads fail.
	failReads map[string][]int
	// FailRemove and FailRename make mutations fail.
	FailRemove error
	FailRename error
	FailExists error
	FailMkdir  error

	Connects int
	Opens    []string
	Listed   []string
}

func New() *FS {
	return &FS{
		files:     make(map[string]*file),
		dirs:      map[string]bool{"/": true},
		links:     make(map[string]string),
		failReads: make(map[string][]int),
		Home:      "/home/ingest",
	}
}

// Put creates or replaces a file, creating parent directories.
func (fs *FS) Put(p string, data string, modTime time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	fs.files[p] = &file{data: []byte(data), modTime: modTime}
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		fs.dirs[dir] = true
		if dir == "/" || dir == "." {
			break
		}
	}
}

// Mkdir creates an empty directory and its parents.
func (fs *FS) Mkdir(dir string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mkdirLocked(dir)
}

func (fs *FS) mkdirLocked(dir string) {
	for d := path.Clean(dir); ; d = path.Dir(d) {
		fs.dirs[d] = true
		if d == "/" || d == "." {
			break
		}
	}
}

// Link makes dir list the children of target, with paths under dir. A link
// pointing at an ancestor produces an endless tree.
func (fs *FS) Link(dir, target string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.links[path.Clean(dir)] = path.Clean(target)
	fs.dirs[path.Dir(path.Clean(dir))] = true
}

// FailReadAfter makes the next open of p fail after n bytes. Calls stack: each
// open consumes one injected failure.
func (fs *FS) FailReadAfter(p string, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failReads[path.Clean(p)] = append(fs.failReads[path.Clean(p)], n)
}

func (fs *FS) Has(p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[path.Clean(p)]
	return ok
}

func (fs *FS) Data(p string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path.Clean(p)]
	if !ok {
		return "", false
	}
	return string(f.data), true
}

// Factory is a remote.ConnectorFactory backed by fs.
type Factory struct {
	FS *FS
}

func (f *Factory) Accept(u *url.URL) bool { return true }

func (f *Factory) Name() string { return "memory" }

func (f *Factory) Create(ctx context.Context, target remote.Target, auth *remote.Auth, trust remote.TrustPolicy) (remote.Connector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.FS.mu.Lock()
	defer f.FS.mu.Unlock()
	f.FS.Connects++
	if f.FS.ConnectErr != nil {
		return nil, f.FS.ConnectErr
	}
	user := ""
	if auth != nil {
		user = auth.Username
	}
	return &Conn{fs: f.FS, info: remote.ConnectionInfo{
		SessionID:       fmt.Sprintf("mem-%d", f.FS.Connects),
		User:            user,
		HostFingerprint: "SHA256:memory",
		Home:            f.FS.Home,
	}}, nil
}

// Conn is a single connection to an FS.
type Conn struct {
	fs     *FS
	info   remote.ConnectionInfo
	mu     sync.Mutex
	closed bool
	// Broken makes Ping fail, as if the transport dropped.
	Broken bool
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	return nil
}

func (c *Conn) Info() remote.ConnectionInfo { return c.info }

func (c *Conn) Ping(ctx context.Context) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Broken {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (c *Conn) ReadDir(ctx context.Context, dir string) ([]remote.Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	dir = path.Clean(dir)
	c.fs.Listed = append(c.fs.Listed, dir)

	source := c.fs.resolveLocked(dir)
	if !c.fs.dirs[source] {
		return nil, fmt.Errorf("%s: %w", dir, os.ErrNotExist)
	}

	var entries []remote.Entry
	for p, f := range c.fs.files {
		if path.Dir(p) == source {
			entries = append(entries, remote.Entry{
				Path:    path.Join(dir, path.Base(p)),
				Size:    uint64(len(f.data)),
				ModTime: f.modTime,
			})
		}
	}
	for d := range c.fs.dirs {
		if d != source && path.Dir(d) == source {
			entries = append(entries, remote.Entry{Path: path.Join(dir, path.Base(d)), IsDir: true})
		}
	}
	for l := range c.fs.links {
		if path.Dir(l) == source {
			entries = append(entries, remote.Entry{Path: path.Join(dir, path.Base(l)), IsDir: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// resolveLocked follows links until dir names a real directory.
func (fs *FS) resolveLocked(dir string) string {
	for changed := true; changed; {
		changed = false
		for prefix, target := range fs.links {
			if dir == prefix || strings.HasPrefix(dir, prefix+"/") {
				dir = target + strings.TrimPrefix(dir, prefix)
				changed = true
				break
			}
		}
	}
	return dir
}

func (c *Conn) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	p = path.Clean(p)
	c.fs.Opens = append(c.fs.Opens, p)
	f, ok := c.fs.files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, os.ErrNotExist)
	}
	data := append([]byte(nil), f.data...)

	if fails := c.fs.failReads[p]; len(fails) > 0 {
		n := fails[0]
		c.fs.failReads[p] = fails[1:]
		if n > len(data) {
			n = len(data)
		}
		return io.NopCloser(io.MultiReader(bytes.NewReader(data[:n]), failingReader{})), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, ErrInjected }

func (c *Conn) Exists(ctx context.Context, p string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if c.fs.FailExists != nil {
		return false, c.fs.FailExists
	}
	_, ok := c.fs.files[path.Clean(p)]
	return ok, nil
}

func (c *Conn) Remove(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if c.fs.FailRemove != nil {
		return c.fs.FailRemove
	}
	p = path.Clean(p)
	if _, ok := c.fs.files[p]; !ok {
		return fmt.Errorf("remove %s: %w", p, os.ErrNotExist)
	}
	delete(c.fs.files, p)
	return nil
}

func (c *Conn) Rename(ctx context.Context, from, to string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if c.fs.FailRename != nil {
		return c.fs.FailRename
	}
	from, to = path.Clean(from), path.Clean(to)
	f, ok := c.fs.files[from]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, os.ErrNotExist)
	}
	if !c.fs.dirs[path.Dir(to)] {
		return fmt.Errorf("rename %s: parent of %s: %w", from, to, os.ErrNotExist)
	}
	delete(c.fs.files, from)
	c.fs.files[to] = f
	return nil
}

func (c *Conn) MkdirAll(ctx context.Context, dir string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	if c.fs.FailMkdir != nil {
		return c.fs.FailMkdir
	}
	c.fs.mkdirLocked(dir)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection was already closed")
	}
	c.closed = true
	return nil
}
