package download

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/yarkm13/remoteorigin/internal/failure"
	"github.com/yarkm13/remoteorigin/internal/remote"
)

// ErrTruncated means the stream ended before the size reported by the listing.
var ErrTruncated = errors.New("stream ended before expected size")

// Parser consumes a file's bytes. It must treat a read error from r as a
// failed unit and not emit anything it parsed from that file.
type Parser interface {
	Parse(ctx context.Context, entry remote.Entry, r io.Reader) error
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, entry remote.Entry, r io.Reader) error

func (f ParserFunc) Parse(ctx context.Context, entry remote.Entry, r io.Reader) error {
	return f(ctx, entry, r)
}

type Downloader struct {
	// OnBytes, if set, is called with the size of every chunk read.
	OnBytes func(n int)
}

// Fetch streams entry to p. The whole stream is read even if p stops early,
// so success means the complete file went through. Context cancellation is
// returned as is and is never classified as a file failure.
func (d *Downloader) Fetch(ctx context.Context, conn remote.Connector, entry remote.Entry, p Parser) (int64, error) {
	rc, err := conn.Open(ctx, entry.Path)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, failure.New(failure.KindFileTransfer, failure.StageDownload, fmt.Errorf("failed to open: %w", err))
	}
	defer func() {
		_ = rc.Close()
	}()

	r := &streamReader{ctx: ctx, src: rc, want: entry.Size, onBytes: d.OnBytes}

	parseErr := p.Parse(ctx, entry, r)
	if r.err == nil && parseErr == nil {
		// drain whatever the parser left so a short stream is still detected
		_, _ = io.Copy(io.Discard, r)
	}

	switch {
	case ctx.Err() != nil:
		return r.n, ctx.Err()
	case r.err != nil:
		return r.n, failure.New(failure.KindFileTransfer, failure.StageDownload,
			fmt.Errorf("read failed after %d of %d bytes: %w", r.n, entry.Size, r.err))
	case parseErr != nil:
		return r.n, failure.New(failure.KindParse, failure.StageDownload, parseErr)
	}
	return r.n, nil
}

// streamReader checks the context before every chunk, counts bytes, and turns
// an early EOF into ErrTruncated. The first error sticks.
type streamReader struct {
	ctx     context.Context
	src     io.Reader
	want    uint64
	n       int64
	err     error
	onBytes func(int)
}

func (r *streamReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return 0, err
	}

	n, err := r.src.Read(p)
	r.n += int64(n)
	if n > 0 && r.onBytes != nil {
		r.onBytes(n)
	}

	if errors.Is(err, io.EOF) {
		if uint64(r.n) < r.want {
			r.err = fmt.Errorf("%w: got %d bytes", ErrTruncated, r.n)
			return n, r.err
		}
		return n, io.EOF
	}
	if err != nil {
		r.err = err
	}
	return n, err
}
