package origin_test

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarkm13/remoteorigin/internal/disposition"
	"github.com/yarkm13/remoteorigin/internal/failure"
	"github.com/yarkm13/remoteorigin/internal/logger"
	"github.com/yarkm13/remoteorigin/internal/origin"
	"github.com/yarkm13/remoteorigin/internal/progress"
	"github.com/yarkm13/remoteorigin/internal/remote"
	"github.com/yarkm13/remoteorigin/internal/remote/remotetest"
	"github.com/yarkm13/remoteorigin/internal/retry"
	"github.com/yarkm13/remoteorigin/internal/selector"
)

var (
	jan1 = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// trackingFactory keeps every connection it hands out.
type trackingFactory struct {
	remotetest.Factory
	mu    sync.Mutex
	conns []*remotetest.Conn
}

func (f *trackingFactory) Create(ctx context.Context, target remote.Target, auth *remote.Auth, trust remote.TrustPolicy) (remote.Connector, error) {
	conn, err := f.Factory.Create(ctx, target, auth, trust)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, conn.(*remotetest.Conn))
	return conn, nil
}

func (f *trackingFactory) last() *remotetest.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

// recorder is a parser that keeps what it was given.
type recorder struct {
	mu        sync.Mutex
	delivered []string
	contents  map[string]string
	hook      func(entry remote.Entry) error
}

func (r *recorder) Parse(ctx context.Context, entry remote.Entry, rd io.Reader) error {
	if r.hook != nil {
		if err := r.hook(entry); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contents == nil {
		r.contents = make(map[string]string)
	}
	r.delivered = append(r.delivered, entry.Rel)
	r.contents[entry.Rel] = string(data)
	return nil
}

type fixture struct {
	fs      *remotetest.FS
	factory *trackingFactory
	tracker *progress.FileTracker
	parser  *recorder
	origin  *origin.Origin
	mgr     *remote.Manager
	opts    origin.Options
}

func newFixture(t *testing.T, opts origin.Options) *fixture {
	t.Helper()
	fs := remotetest.New()
	factory := &trackingFactory{Factory: remotetest.Factory{FS: fs}}

	u, err := url.Parse("sftp://ingest@files.example.com/in")
	require.NoError(t, err)
	target := remote.Target{URL: u}
	quiet := logger.New(discard{})

	mgr, err := remote.NewManager(target, remote.Credentials{Method: remote.AuthNone}, remote.TrustPolicy{}, nil,
		remote.WithFactory(factory), remote.WithLogger(quiet))
	require.NoError(t, err)

	tracker, err := progress.Open(t.TempDir(), target.Endpoint())
	require.NoError(t, err)

	if opts.Root == "" {
		opts.Root = u.Path
		opts.UserDirIsRoot = true
	}
	if opts.Selection.Mode == "" {
		opts.Selection.Mode = selector.Glob
		opts.Selection.Pattern = "*"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.Backoff == (retry.Config{}) {
		opts.Backoff = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
	}

	parser := &recorder{}
	return &fixture{
		fs:      fs,
		factory: factory,
		tracker: tracker,
		parser:  parser,
		origin:  origin.New(mgr, tracker, parser, opts, quiet),
		mgr:     mgr,
		opts:    opts,
	}
}

// stuckTracker reads the real marker but cannot persist a new one.
type stuckTracker struct {
	progress.Tracker
}

func (stuckTracker) Record(remote.Entry) error {
	return errors.New("no space left on device")
}

func TestDeleteAfterDeliveryEndToEnd(t *testing.T) {
	f := newFixture(t, origin.Options{
		Disposition: disposition.Policy{OnSuccess: disposition.SuccessDelete},
	})
	f.fs.Put("/home/ingest/in/b.txt", "bravo", jan2)
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)

	stats, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, origin.Stats{Listed: 2, Selected: 2, Completed: 2}, stats)

	assert.Equal(t, []string{"a.txt", "b.txt"}, f.parser.delivered)
	assert.Equal(t, "alpha", f.parser.contents["a.txt"])
	assert.False(t, f.fs.Has("/home/ingest/in/a.txt"))
	assert.False(t, f.fs.Has("/home/ingest/in/b.txt"))

	state := f.tracker.Current()
	assert.Equal(t, "/home/ingest/in/b.txt", state.LastCompletedPath)
	assert.True(t, state.LastCompletedModifiedAt.Equal(jan2))

	stats, err = f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Selected)
	assert.Len(t, f.parser.delivered, 2)
	f.origin.Close()
}

func TestArchiveOnErrorEndToEnd(t *testing.T) {
	quarantine := t.TempDir()
	f := newFixture(t, origin.Options{
		Disposition: disposition.Policy{
			OnSuccess:       disposition.SuccessDelete,
			OnError:         disposition.ErrorArchive,
			ErrorArchiveDir: quarantine,
		},
	})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)
	f.fs.Put("/home/ingest/in/b.txt", "bravo-payload", jan2)
	f.fs.FailReadAfter("/home/ingest/in/b.txt", 3)

	stats, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)

	assert.False(t, f.fs.Has("/home/ingest/in/a.txt"))
	assert.True(t, f.fs.Has("/home/ingest/in/b.txt"), "failed file stays on the remote")

	copied, err := os.ReadFile(filepath.Join(quarantine, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo-payload", string(copied))

	assert.Equal(t, "/home/ingest/in/a.txt", f.tracker.Current().LastCompletedPath)

	// the quarantined file is not retried in this process
	opens := len(f.fs.Opens)
	stats, err = f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Len(t, f.fs.Opens, opens)
}

func TestPartialTransferNeitherAdvancesNorDeletes(t *testing.T) {
	f := newFixture(t, origin.Options{
		Disposition: disposition.Policy{OnSuccess: disposition.SuccessDelete},
	})
	f.fs.Put("/home/ingest/in/a.txt", "0123456789", jan1)
	f.fs.FailReadAfter("/home/ingest/in/a.txt", 4)

	stats, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.True(t, f.fs.Has("/home/ingest/in/a.txt"))
	assert.True(t, f.tracker.Current().Empty())
}

func TestHostKeyMismatchAbortsBeforeListing(t *testing.T) {
	f := newFixture(t, origin.Options{})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)
	f.fs.ConnectErr = failure.New(failure.KindHostTrust, failure.StageConnect, errors.New("host key does not match known hosts"))

	err := f.origin.Run(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	assert.Equal(t, 1, f.fs.Connects, "host trust failures are never retried")
	assert.Empty(t, f.fs.Listed)
	assert.Empty(t, f.parser.delivered)

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "sftp://files.example.com:22", fe.Endpoint)
}

func TestTransientFailuresEscalate(t *testing.T) {
	f := newFixture(t, origin.Options{})
	f.fs.ConnectErr = failure.New(failure.KindTransientConnection, failure.StageConnect, errors.New("connection refused"))

	err := f.origin.Run(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
	assert.ErrorContains(t, err, "giving up after 3 consecutive failures")
	assert.Equal(t, 3, f.fs.Connects)
}

func TestRecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t, origin.Options{})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)
	f.fs.ConnectErr = failure.New(failure.KindTransientConnection, failure.StageConnect, errors.New("connection refused"))

	_, err := f.origin.Poll(context.Background())
	require.Error(t, err)

	f.fs.ConnectErr = nil
	stats, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestCancellationRecordsNothing(t *testing.T) {
	f := newFixture(t, origin.Options{
		Disposition: disposition.Policy{OnSuccess: disposition.SuccessDelete, OnError: disposition.ErrorArchive, ErrorArchiveDir: t.TempDir()},
	})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)

	ctx, cancel := context.WithCancel(context.Background())
	f.parser.hook = func(remote.Entry) error {
		cancel()
		return nil
	}

	require.NoError(t, f.origin.Run(ctx))
	assert.True(t, f.fs.Has("/home/ingest/in/a.txt"))
	assert.True(t, f.tracker.Current().Empty())
	assert.True(t, f.factory.last().Closed())
}

func TestReconnectsWhenConnectionBreaks(t *testing.T) {
	f := newFixture(t, origin.Options{})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)

	_, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	first := f.factory.last()
	first.Broken = true

	f.fs.Put("/home/ingest/in/b.txt", "bravo", jan2)
	stats, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, f.fs.Connects)
	assert.True(t, first.Closed())
}

func TestConnectionDropIsNotBlamedOnFile(t *testing.T) {
	f := newFixture(t, origin.Options{})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)

	dropped := false
	f.parser.hook = func(remote.Entry) error {
		if dropped {
			return nil
		}
		dropped = true
		f.factory.last().Broken = true
		return errors.New("unexpected EOF")
	}

	_, err := f.origin.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
	assert.True(t, f.tracker.Current().Empty())

	stats, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, []string{"a.txt"}, f.parser.delivered)
}

func TestFloorAndResume(t *testing.T) {
	f := newFixture(t, origin.Options{
		Selection: selector.Policy{Mode: selector.Glob, Pattern: "*.txt", FirstFile: "a.txt"},
	})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)
	f.fs.Put("/home/ingest/in/b.txt", "bravo", jan2)
	f.fs.Put("/home/ingest/in/c.csv", "skip", jan2)

	_, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, f.parser.delivered)

	// a marker wins over the floor, so an older file is never reconsidered
	f.fs.Put("/home/ingest/in/0.txt", "late", jan1.Add(-time.Hour))
	_, err = f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, f.parser.delivered)
}

func TestMissingFloorIsConfigurationError(t *testing.T) {
	f := newFixture(t, origin.Options{
		Selection: selector.Policy{Mode: selector.Glob, Pattern: "*", FirstFile: "missing.txt"},
	})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)

	err := f.origin.Run(context.Background())
	require.Error(t, err)
	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.KindConfiguration, kind)
	assert.ErrorIs(t, err, selector.ErrFloorNotFound)
	assert.Empty(t, f.parser.delivered)
}

func TestRecursiveArchive(t *testing.T) {
	f := newFixture(t, origin.Options{
		Selection:   selector.Policy{Mode: selector.Regex, Pattern: `data-\d+\.csv`, Recurse: true},
		Disposition: disposition.Policy{OnSuccess: disposition.SuccessArchive, ArchiveDir: "done", ArchiveRootRelative: true},
	})
	f.fs.Put("/home/ingest/in/2021/data-1.csv", "one", jan1)
	f.fs.Put("/home/ingest/in/data-2.csv", "two", jan2)

	_, err := f.origin.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2021/data-1.csv", "data-2.csv"}, f.parser.delivered)
	assert.True(t, f.fs.Has("/home/ingest/done/2021/data-1.csv"))
	assert.True(t, f.fs.Has("/home/ingest/done/data-2.csv"))
}

func TestArchiveInsideRootIsNotRedelivered(t *testing.T) {
	f := newFixture(t, origin.Options{
		Selection:   selector.Policy{Mode: selector.Glob, Pattern: "*", Recurse: true},
		Disposition: disposition.Policy{OnSuccess: disposition.SuccessArchive, ArchiveDir: "in/archive", ArchiveRootRelative: true},
	})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)

	for i := 0; i < 3; i++ {
		_, err := f.origin.Poll(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a.txt"}, f.parser.delivered)
	assert.True(t, f.fs.Has("/home/ingest/in/archive/a.txt"))
	assert.False(t, f.fs.Has("/home/ingest/in/archive/archive/a.txt"))
	assert.Equal(t, "/home/ingest/in/a.txt", f.tracker.Current().LastCompletedPath)
}

func TestProgressWriteFailureHalts(t *testing.T) {
	f := newFixture(t, origin.Options{})
	f.fs.Put("/home/ingest/in/a.txt", "alpha", jan1)
	o := origin.New(f.mgr, stuckTracker{f.tracker}, f.parser, f.opts, logger.New(discard{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, failure.KindState, fe.Kind)
	assert.Equal(t, failure.StageProgress, fe.Stage)
	assert.Equal(t, "/home/ingest/in/a.txt", fe.Path)

	assert.Equal(t, []string{"a.txt"}, f.parser.delivered)
	assert.True(t, f.tracker.Current().Empty())
}
