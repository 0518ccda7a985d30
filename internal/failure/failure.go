// Package failure classifies the errors the origin can hit so the poll loop
// can decide whether to retry, skip a file, or halt.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind string

const (
	KindConfiguration       Kind = "configuration"
	KindAuthentication      Kind = "authentication"
	KindHostTrust           Kind = "host_trust"
	KindTransientConnection Kind = "transient_connection"
	KindFileTransfer        Kind = "file_transfer"
	KindParse               Kind = "parse"
	KindDisposition         Kind = "disposition"
	// KindState is a failure to persist local progress.
	KindState Kind = "state"
)

// Stage names the step of a poll cycle during which an error happened.
type Stage string

const (
	StageStartup      Stage = "startup"
	StageConnect      Stage = "connect"
	StageList         Stage = "list"
	StageSelect       Stage = "select"
	StageDownload     Stage = "download"
	StagePostProcess  Stage = "post_process"
	StageErrorArchive Stage = "error_archive"
	StageProgress     Stage = "progress"
)

// Error carries enough context to diagnose a failure without a live connection.
type Error struct {
	Kind     Kind
	Stage    Stage
	Endpoint string
	Path     string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s during %s", e.Kind, e.Stage)
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " on %s", e.Endpoint)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and stage. Endpoint and path are filled in by the
// caller that knows them, usually the poll loop.
func New(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Configuration is a shorthand for startup configuration errors.
func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, StageStartup, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain. Errors that
// were never classified report ok=false.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsFatal reports whether err must halt the poll loop pending operator action.
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindConfiguration, KindAuthentication, KindHostTrust, KindState:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is worth another poll cycle after backoff.
// Unclassified network errors count as transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if kind, ok := KindOf(err); ok {
		return kind == KindTransientConnection
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsFileScoped reports whether err concerns a single file and must not stop
// the queue.
func IsFileScoped(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindFileTransfer, KindParse, KindDisposition:
		return true
	default:
		return false
	}
}

// WithContext fills in endpoint and path on err if it is an *Error that does
// not already carry them.
func WithContext(err error, endpoint, path string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	if fe.Endpoint == "" {
		fe.Endpoint = endpoint
	}
	if fe.Path == "" {
		fe.Path = path
	}
	return err
}
