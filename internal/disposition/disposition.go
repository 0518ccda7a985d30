// Package disposition decides what happens to a remote file once it has been
// delivered, or once delivering it failed.
package disposition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/yarkm13/remoteorigin/internal/failure"
	"github.com/yarkm13/remoteorigin/internal/logger"
	"github.com/yarkm13/remoteorigin/internal/remote"
)

type SuccessAction string

const (
	SuccessNone    SuccessAction = "NONE"
	SuccessDelete  SuccessAction = "DELETE"
	SuccessArchive SuccessAction = "ARCHIVE"
)

type ErrorAction string

const (
	ErrorNone    ErrorAction = "NONE"
	ErrorArchive ErrorAction = "ARCHIVE"
)

type Policy struct {
	OnSuccess SuccessAction
	// ArchiveDir is a remote directory. With ArchiveRootRelative it is
	// resolved below the authenticated user's home.
	ArchiveDir          string
	ArchiveRootRelative bool

	OnError ErrorAction
	// ErrorArchiveDir is a local directory.
	ErrorArchiveDir string
}

// Result describes how a file ended up.
type Result struct {
	State State
	Bytes int64
	// Cause is the failure that sent the file down the error path.
	Cause error
	// ArchivedTo is the remote archive path after a successful ARCHIVE.
	ArchivedTo string
	// QuarantinedTo is the local copy made by the error archive.
	QuarantinedTo string
}

// Completed reports whether the progress marker may advance past the file.
func (r Result) Completed() bool {
	return r.State == StateDone
}

// FetchFunc delivers the file downstream and returns the bytes read.
type FetchFunc func(ctx context.Context) (int64, error)

type Engine struct {
	policy Policy
	log    *logger.Logger
	now    func() time.Time
}

func NewEngine(policy Policy, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{policy: policy, log: log, now: time.Now}
}

// Process runs fetch and then the success or error disposition for entry.
// A file-scoped failure is reported in Result, not as an error. The returned
// error is non-nil only when the caller must stop: the context ended, or a
// failed file that could not be quarantined is no longer known to be on the
// remote.
func (e *Engine) Process(ctx context.Context, conn remote.Connector, entry remote.Entry, fetch FetchFunc) (Result, error) {
	m := newMachine(entry, e.log)

	n, err := fetch(ctx)
	if ctx.Err() != nil {
		return Result{State: m.state, Bytes: n}, ctx.Err()
	}
	if err != nil {
		res, ferr := e.fail(ctx, conn, m, err)
		res.Bytes = n
		return res, errors.Join(ferr, m.err)
	}

	m.to(StateParsedOK)
	m.to(StatePostProcessing)
	archivedTo, err := e.postProcess(ctx, conn, entry)
	if err != nil {
		if ctx.Err() != nil {
			return Result{State: m.state, Bytes: n}, ctx.Err()
		}
		res, ferr := e.fail(ctx, conn, m, failure.New(failure.KindDisposition, failure.StagePostProcess, err))
		res.Bytes = n
		return res, errors.Join(ferr, m.err)
	}

	m.to(StateDone)
	return Result{State: m.state, Bytes: n, ArchivedTo: archivedTo}, m.err
}

func (e *Engine) postProcess(ctx context.Context, conn remote.Connector, entry remote.Entry) (string, error) {
	switch e.policy.OnSuccess {
	case SuccessDelete:
		if err := conn.Remove(ctx, entry.Path); err != nil {
			return "", fmt.Errorf("failed to delete %s: %w", entry.Path, err)
		}
		e.log.Info("deleted processed file", map[string]any{"path": entry.Path})
		return "", nil
	case SuccessArchive:
		target := e.archiveTarget(conn, entry)
		if err := conn.MkdirAll(ctx, path.Dir(target)); err != nil {
			return "", fmt.Errorf("failed to create archive directory %s: %w", path.Dir(target), err)
		}
		if err := conn.Rename(ctx, entry.Path, target); err != nil {
			return "", fmt.Errorf("failed to archive %s to %s: %w", entry.Path, target, err)
		}
		e.log.Info("archived processed file", map[string]any{"path": entry.Path, "archive": target})
		return target, nil
	default:
		return "", nil
	}
}

func (e *Engine) archiveTarget(conn remote.Connector, entry remote.Entry) string {
	dir, _ := e.ArchiveDir(conn)
	return path.Join(dir, relName(entry))
}

// ArchiveDir returns the remote directory processed files are moved to, and
// false when the success action is not ARCHIVE.
func (e *Engine) ArchiveDir(conn remote.Connector) (string, bool) {
	if e.policy.OnSuccess != SuccessArchive {
		return "", false
	}
	dir := e.policy.ArchiveDir
	if e.policy.ArchiveRootRelative {
		dir = path.Join(conn.Info().Home, dir)
	}
	return path.Clean(dir), true
}

func relName(entry remote.Entry) string {
	if entry.Rel != "" {
		return entry.Rel
	}
	return path.Base(entry.Path)
}

func (e *Engine) fail(ctx context.Context, conn remote.Connector, m *machine, cause error) (Result, error) {
	m.to(StateFailed)
	fields := map[string]any{"path": m.entry.Path}
	if kind, ok := failure.KindOf(cause); ok {
		fields["kind"] = string(kind)
	}
	e.log.Error("file failed", cause, fields)

	if e.policy.OnError != ErrorArchive {
		m.to(StateRetained)
		return Result{State: m.state, Cause: cause}, nil
	}

	m.to(StateErrorArchiving)
	quarantinedTo, err := e.quarantine(ctx, conn, m.entry)
	if err == nil {
		m.to(StateQuarantined)
		e.log.Info("file quarantined", map[string]any{"path": m.entry.Path, "quarantine": quarantinedTo})
		return Result{State: m.state, Cause: cause, QuarantinedTo: quarantinedTo}, nil
	}
	if ctx.Err() != nil {
		return Result{State: m.state, Cause: cause}, ctx.Err()
	}

	e.log.Error("error archive failed, leaving file in place", err, map[string]any{"path": m.entry.Path})
	combined := multierror.Append(cause, failure.New(failure.KindDisposition, failure.StageErrorArchive, err))

	exists, existsErr := conn.Exists(ctx, m.entry.Path)
	if existsErr != nil {
		if ctx.Err() != nil {
			return Result{State: m.state, Cause: combined}, ctx.Err()
		}
		return Result{State: m.state, Cause: combined}, failure.New(failure.KindDisposition, failure.StageErrorArchive,
			fmt.Errorf("could not confirm %s is still on the remote after error archive failed: %w", m.entry.Path, existsErr))
	}
	if !exists {
		return Result{State: m.state, Cause: combined}, failure.New(failure.KindDisposition, failure.StageErrorArchive,
			fmt.Errorf("%s vanished from the remote after failing and was neither delivered nor archived", m.entry.Path))
	}

	m.to(StateRetained)
	return Result{State: m.state, Cause: combined}, nil
}

// quarantine copies the remote file into the local error archive, preserving
// its path below the root. The copy is written to a temp file and renamed, so
// a partial copy never appears under the final name. An existing copy is
// never overwritten.
func (e *Engine) quarantine(ctx context.Context, conn remote.Connector, entry remote.Entry) (string, error) {
	root := filepath.Clean(e.policy.ErrorArchiveDir)
	dest := filepath.Join(root, filepath.FromSlash(path.Clean("/"+relName(entry))))
	if !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing to quarantine %s outside %s", entry.Path, root)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create error archive directory: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s.%s", dest, e.now().UTC().Format("20060102T150405.000000000Z"))
	}

	rc, err := conn.Open(ctx, entry.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open remote file: %w", err)
	}
	defer func() {
		_ = rc.Close()
	}()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.partial")
	if err != nil {
		return "", fmt.Errorf("failed to create quarantine file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	n, err := copyWithContext(ctx, tmp, rc)
	if err == nil && uint64(n) < entry.Size {
		err = fmt.Errorf("copied %d of %d bytes", n, entry.Size)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to copy to quarantine: %w", err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to commit quarantine file: %w", err)
	}
	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(dest, entry.ModTime, entry.ModTime)
	}
	return dest, nil
}

type readerFunc func(p []byte) (n int, err error)

func (rf readerFunc) Read(p []byte) (n int, err error) { return rf(p) }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, readerFunc(func(p []byte) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return src.Read(p)
		}
	}))
}
