// Package selector filters remote entries by name and orders them for
// chronological delivery.
package selector

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"time"

	"github.com/yarkm13/remoteorigin/internal/progress"
	"github.com/yarkm13/remoteorigin/internal/remote"
)

type PatternMode string

const (
	Glob  PatternMode = "GLOB"
	Regex PatternMode = "REGEX"
)

// ErrFloorNotFound means the configured first file does not exist in the
// listing, so no safe floor can be applied.
var ErrFloorNotFound = errors.New("initial file to process not found in listing")

type Policy struct {
	Mode      PatternMode
	Pattern   string
	FirstFile string
	Recurse   bool
	MaxDepth  int
}

// Matcher tests base names against a compiled pattern.
type Matcher struct {
	mode PatternMode
	glob string
	re   *regexp.Regexp
}

// Compile validates the policy's pattern. An empty pattern matches everything.
func Compile(mode PatternMode, pattern string) (*Matcher, error) {
	if pattern == "" {
		pattern = "*"
		if mode == Regex {
			pattern = ".*"
		}
	}
	switch mode {
	case Glob, "":
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		return &Matcher{mode: Glob, glob: pattern}, nil
	case Regex:
		// anchored so the whole base name has to match
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return &Matcher{mode: Regex, re: re}, nil
	default:
		return nil, fmt.Errorf("unknown pattern mode %q", mode)
	}
}

func (m *Matcher) Match(name string) bool {
	base := path.Base(name)
	if m.mode == Regex {
		return m.re.MatchString(base)
	}
	ok, _ := path.Match(m.glob, base)
	return ok
}

// Less is the delivery order: modification time, then path.
func Less(a, b remote.Entry) bool {
	return before(a.ModTime, a.Path, b.ModTime, b.Path)
}

func before(at time.Time, ap string, bt time.Time, bp string) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return ap < bp
}

// Select returns the matching entries that still need processing, in
// delivery order. Once a progress marker exists it is the only cut-off; the
// first-file floor applies only before anything has been completed.
func Select(entries []remote.Entry, policy Policy, state progress.State) ([]remote.Entry, error) {
	matcher, err := Compile(policy.Mode, policy.Pattern)
	if err != nil {
		return nil, err
	}

	matched := make([]remote.Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir || !matcher.Match(e.Path) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool { return Less(matched[i], matched[j]) })

	var (
		cutTime time.Time
		cutPath string
		cut     bool
	)
	switch {
	case !state.Empty():
		cutTime, cutPath, cut = state.LastCompletedModifiedAt, state.LastCompletedPath, true
	case policy.FirstFile != "":
		floor, ok := findFloor(entries, policy.FirstFile)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFloorNotFound, policy.FirstFile)
		}
		cutTime, cutPath, cut = floor.ModTime, floor.Path, true
	}
	if !cut {
		return matched, nil
	}

	// first entry strictly after the cut-off
	i := sort.Search(len(matched), func(i int) bool {
		return before(cutTime, cutPath, matched[i].ModTime, matched[i].Path)
	})
	return matched[i:], nil
}

// findFloor looks the first file up by absolute path, by path relative to the
// root, then by base name. Base name lookups pick the earliest match.
func findFloor(entries []remote.Entry, name string) (remote.Entry, bool) {
	clean := path.Clean(name)
	for _, e := range entries {
		if !e.IsDir && (e.Path == clean || e.Rel == clean) {
			return e, true
		}
	}
	var (
		found remote.Entry
		ok    bool
	)
	for _, e := range entries {
		if e.IsDir || path.Base(e.Path) != name {
			continue
		}
		if !ok || Less(e, found) {
			found, ok = e, true
		}
	}
	return found, ok
}
