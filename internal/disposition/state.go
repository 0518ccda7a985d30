package disposition

import (
	"fmt"

	"github.com/yarkm13/remoteorigin/internal/logger"
	"github.com/yarkm13/remoteorigin/internal/remote"
)

// State is a step in a single file's lifecycle.
type State int

const (
	StateDownloading State = iota
	StateParsedOK
	StatePostProcessing
	StateDone
	StateFailed
	StateErrorArchiving
	StateQuarantined
	// StateRetained means the file failed and was left untouched on the
	// remote, either by policy or because the error archive failed.
	StateRetained
)

var stateNames = map[State]string{
	StateDownloading:    "DOWNLOADING",
	StateParsedOK:       "PARSED_OK",
	StatePostProcessing: "POST_PROCESSING",
	StateDone:           "DONE",
	StateFailed:         "FAILED",
	StateErrorArchiving: "ERROR_ARCHIVING",
	StateQuarantined:    "QUARANTINED",
	StateRetained:       "RETAINED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[State][]State{
	StateDownloading:    {StateParsedOK, StateFailed},
	StateParsedOK:       {StatePostProcessing},
	StatePostProcessing: {StateDone, StateFailed},
	StateFailed:         {StateErrorArchiving, StateRetained},
	StateErrorArchiving: {StateQuarantined, StateRetained},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine walks one file through its states. An illegal transition is kept
// as err and leaves the state unchanged.
type machine struct {
	entry remote.Entry
	state State
	err   error
	log   *logger.Logger
}

func newMachine(entry remote.Entry, log *logger.Logger) *machine {
	return &machine{entry: entry, state: StateDownloading, log: log}
}

func (m *machine) to(next State) {
	if m.err != nil {
		return
	}
	if !allowed(m.state, next) {
		m.err = fmt.Errorf("illegal disposition transition %s -> %s for %s", m.state, next, m.entry.Path)
		return
	}
	m.log.Debug("file state", map[string]any{
		"path": m.entry.Path,
		"from": m.state.String(),
		"to":   next.String(),
	})
	m.state = next
}
