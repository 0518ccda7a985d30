// Package origin runs the poll loop that ties the connection, selection,
// download and disposition steps together.
package origin

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/yarkm13/remoteorigin/internal/disposition"
	"github.com/yarkm13/remoteorigin/internal/download"
	"github.com/yarkm13/remoteorigin/internal/failure"
	"github.com/yarkm13/remoteorigin/internal/logger"
	"github.com/yarkm13/remoteorigin/internal/metrics"
	"github.com/yarkm13/remoteorigin/internal/progress"
	"github.com/yarkm13/remoteorigin/internal/remote"
	"github.com/yarkm13/remoteorigin/internal/retry"
	"github.com/yarkm13/remoteorigin/internal/selector"
)

// Connecter opens authenticated connections to the endpoint. *remote.Manager
// implements it.
type Connecter interface {
	Connect(ctx context.Context) (remote.Connector, error)
	Target() remote.Target
}

type Options struct {
	// Root is the remote directory to poll. With UserDirIsRoot it is
	// resolved below the authenticated user's home.
	Root          string
	UserDirIsRoot bool

	Selection    selector.Policy
	Disposition  disposition.Policy
	PollInterval time.Duration
	Backoff      retry.Config
}

// Stats summarises one poll cycle.
type Stats struct {
	Listed    int
	Selected  int
	Completed int
	Failed    int
	Skipped   int
}

// setAside identifies a file version that failed earlier in this process.
type setAside struct {
	path    string
	modTime int64
}

// Origin delivers files from one endpoint, one at a time. It is not safe for
// concurrent use.
type Origin struct {
	connecter  Connecter
	tracker    progress.Tracker
	parser     download.Parser
	engine     *disposition.Engine
	downloader *download.Downloader
	opts       Options
	log        *logger.Logger

	conn     remote.Connector
	failed   map[setAside]disposition.State
	failures int
}

func New(connecter Connecter, tracker progress.Tracker, parser download.Parser, opts Options, log *logger.Logger) *Origin {
	if log == nil {
		log = logger.Default()
	}
	log = log.With(map[string]any{"endpoint": connecter.Target().Endpoint()})
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Backoff == (retry.Config{}) {
		opts.Backoff = retry.DefaultConfig()
	}
	return &Origin{
		connecter:  connecter,
		tracker:    tracker,
		parser:     parser,
		engine:     disposition.NewEngine(opts.Disposition, log),
		downloader: &download.Downloader{OnBytes: metrics.RecordBytes},
		opts:       opts,
		log:        log,
		failed:     make(map[setAside]disposition.State),
	}
}

// Run polls until ctx is done or a fatal failure occurs. A cancelled context
// is a clean shutdown and returns nil.
func (o *Origin) Run(ctx context.Context) error {
	defer o.Close()

	current := o.tracker.Current()
	o.log.Info("origin started", map[string]any{
		"root":          o.opts.Root,
		"marker":        current.LastCompletedPath,
		"poll_interval": o.opts.PollInterval.String(),
	})
	metrics.SetMarker(current.LastCompletedModifiedAt)

	for {
		_, err := o.Poll(ctx)
		wait := o.opts.PollInterval

		switch {
		case ctx.Err() != nil:
			o.log.Info("origin stopped", nil)
			return nil
		case err == nil:
			o.failures = 0
		case failure.IsFatal(err):
			o.log.Error("origin halted", err, failureFields(err))
			return err
		case failure.IsRetryable(err), failure.IsFileScoped(err):
			o.failures++
			fields := failureFields(err)
			fields["attempt"] = o.failures
			if o.opts.Backoff.Exhausted(o.failures) {
				o.log.Error("origin halted after repeated failures", err, fields)
				return fmt.Errorf("giving up after %d consecutive failures: %w", o.failures, err)
			}
			wait = o.opts.Backoff.Delay(o.failures)
			fields["retry_in"] = wait.String()
			o.log.Warn("poll failed", fields)
		default:
			o.log.Error("origin halted on unexpected error", err, failureFields(err))
			return err
		}
		metrics.SetConsecutiveFailures(o.failures)

		if err := retry.Sleep(ctx, wait); err != nil {
			o.log.Info("origin stopped", nil)
			return nil
		}
	}
}

// Poll runs a single cycle: connect, list, select and deliver the batch.
func (o *Origin) Poll(ctx context.Context) (Stats, error) {
	var stats Stats
	start := time.Now()
	defer func() {
		metrics.RecordPoll(time.Since(start))
	}()

	conn, err := o.ensureConnection(ctx)
	if err != nil {
		return stats, err
	}

	root := o.root(conn)
	var skip []string
	// archived files must never be listed again
	if dir, ok := o.engine.ArchiveDir(conn); ok {
		skip = append(skip, dir)
	}
	entries, err := remote.Collect(remote.List(ctx, conn, root, o.opts.Selection.Recurse, o.opts.Selection.MaxDepth, skip...))
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		o.dropConnection()
		return stats, failure.WithContext(err, o.endpoint(), root)
	}
	stats.Listed = len(entries)

	batch, err := selector.Select(entries, o.opts.Selection, o.tracker.Current())
	if err != nil {
		return stats, failure.WithContext(failure.New(failure.KindConfiguration, failure.StageSelect, err), o.endpoint(), root)
	}
	stats.Selected = len(batch)

	for _, entry := range batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		key := setAside{path: entry.Path, modTime: entry.ModTime.UnixNano()}
		if _, ok := o.failed[key]; ok {
			stats.Skipped++
			continue
		}

		done, err := o.deliver(ctx, conn, entry, key)
		if err != nil {
			return stats, err
		}
		if done {
			stats.Completed++
		} else {
			stats.Failed++
		}
	}

	if stats.Selected > 0 {
		o.log.Info("poll complete", map[string]any{
			"listed":    stats.Listed,
			"selected":  stats.Selected,
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"skipped":   stats.Skipped,
		})
	} else {
		o.log.Debug("nothing to deliver", map[string]any{"listed": stats.Listed})
	}
	return stats, nil
}

func (o *Origin) deliver(ctx context.Context, conn remote.Connector, entry remote.Entry, key setAside) (bool, error) {
	o.log.Debug("delivering file", map[string]any{
		"path":     entry.Path,
		"size":     entry.Size,
		"modified": entry.ModTime.UTC().Format(time.RFC3339),
	})

	res, err := o.engine.Process(ctx, conn, entry, func(ctx context.Context) (int64, error) {
		return o.downloader.Fetch(ctx, conn, entry, o.parser)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		o.dropConnection()
		return false, failure.WithContext(err, o.endpoint(), entry.Path)
	}
	metrics.RecordFile(res.State.String())

	if res.Completed() {
		if err := o.tracker.Record(entry); err != nil {
			return false, failure.WithContext(
				failure.New(failure.KindState, failure.StageProgress, fmt.Errorf("failed to record progress after %s: %w", entry.Path, err)),
				o.endpoint(), entry.Path)
		}
		metrics.SetMarker(entry.ModTime)
		o.log.Info("file delivered", map[string]any{"path": entry.Path, "bytes": res.Bytes})
		return true, nil
	}

	// A failure caused by a dead connection says nothing about the file, so
	// the cycle ends and the file is retried on a fresh connection.
	if perr := conn.Ping(ctx); perr != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		o.dropConnection()
		return false, failure.WithContext(
			failure.New(failure.KindTransientConnection, failure.StageDownload, errors.Join(res.Cause, perr)),
			o.endpoint(), entry.Path)
	}

	o.failed[key] = res.State
	return false, nil
}

func (o *Origin) ensureConnection(ctx context.Context) (remote.Connector, error) {
	if o.conn != nil {
		err := o.conn.Ping(ctx)
		if err == nil {
			return o.conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.log.Warn("connection lost, reconnecting", map[string]any{"error": err.Error()})
		o.dropConnection()
	}

	conn, err := o.connecter.Connect(ctx)
	metrics.RecordConnect(err == nil)
	if err != nil {
		return nil, err
	}
	o.conn = conn
	return conn, nil
}

func (o *Origin) root(conn remote.Connector) string {
	root := o.opts.Root
	if o.opts.UserDirIsRoot {
		return path.Join(conn.Info().Home, root)
	}
	if root == "" {
		return "/"
	}
	return path.Clean(root)
}

func (o *Origin) endpoint() string {
	return o.connecter.Target().Endpoint()
}

func (o *Origin) dropConnection() {
	if o.conn == nil {
		return
	}
	if err := o.conn.Close(); err != nil {
		o.log.Debug("close failed", map[string]any{"error": err.Error()})
	}
	o.conn = nil
}

// Close releases the current connection, if any.
func (o *Origin) Close() {
	o.dropConnection()
}

func failureFields(err error) map[string]any {
	fields := map[string]any{}
	var fe *failure.Error
	if errors.As(err, &fe) {
		fields["kind"] = string(fe.Kind)
		fields["stage"] = string(fe.Stage)
		if fe.Path != "" {
			fields["path"] = fe.Path
		}
	}
	return fields
}
