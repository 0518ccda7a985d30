// Package secret resolves credential references into secret bytes at the
// moment of authentication.
//
// A reference is one of:
//
//	env:NAME      value of environment variable NAME
//	file:/path    contents of a file, trailing newline trimmed
//	prompt:Label  read from the terminal without echo
//	anything else used literally
package secret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Provider turns a reference into a secret. Callers own the returned slice
// and must Wipe it once the handshake is done.
type Provider interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

var ErrEmptyReference = errors.New("empty secret reference")

// Resolver is the default Provider.
type Resolver struct {
	// Prompt reads a secret for prompt: references. Defaults to the terminal.
	Prompt func(label string) ([]byte, error)
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func NewResolver() *Resolver {
	return &Resolver{
		Prompt:    askTerminal,
		LookupEnv: os.LookupEnv,
	}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, ErrEmptyReference
	}

	scheme, rest, found := strings.Cut(ref, ":")
	if !found {
		return []byte(ref), nil
	}

	switch scheme {
	case "env":
		lookup := r.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		v, ok := lookup(rest)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", rest)
		}
		return []byte(v), nil
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		return bytes.TrimRight(data, "\r\n"), nil
	case "prompt":
		prompt := r.Prompt
		if prompt == nil {
			prompt = askTerminal
		}
		return prompt(rest)
	default:
		return []byte(ref), nil
	}
}

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// askTerminal reads a secret from the controlling terminal without echoing it.
func askTerminal(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("cannot prompt for %q: stdin is not a terminal", label)
	}
	if label == "" {
		label = "secret"
	}
	fmt.Fprintf(os.Stderr, "Enter %s: ", label)
	defer fmt.Fprintln(os.Stderr)

	value, err := term.ReadPassword(fd)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading %s: %w", label, err)
	}
	return value, nil
}
