package main

import (
	"errors"
	"os"
	"strings"

	"github.com/yarkm13/remoteorigin/internal/failure"
)

// exit codes
const (
	exitFailure  = 1
	exitOperator = 2 // configuration, credentials or host trust need attention
)

func main() {
	if err := Execute(os.Args[1:]); err != nil {
		msg := strings.Join(strings.Fields(err.Error()), " ")
		if msg == "" {
			msg = "error"
		}
		_, _ = os.Stderr.WriteString(msg + "\n")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var cfgErr configError
	if failure.IsFatal(err) || errors.As(err, &cfgErr) {
		return exitOperator
	}
	return exitFailure
}

// configError marks errors from loading the config file.
type configError struct {
	err error
}

func (e configError) Error() string { return e.err.Error() }

func (e configError) Unwrap() error { return e.err }
