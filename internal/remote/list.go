package remote

import (
	"context"
	"fmt"
	"iter"
	"path"
	"sort"
	"strings"

	"github.com/yarkm13/remoteorigin/internal/failure"
)

// DefaultMaxDepth bounds recursion when the caller does not set a limit.
const DefaultMaxDepth = 32

// List enumerates regular files below root. Each call starts a fresh walk.
// With recurse set, subdirectories are walked depth-first in name order, at
// most maxDepth levels below root. Directories themselves are never yielded.
// Iteration stops at the first error. Directories named in skip are not
// walked.
func List(ctx context.Context, conn Connector, root string, recurse bool, maxDepth int, skip ...string) iter.Seq2[Entry, error] {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	root = path.Clean(root)

	return func(yield func(Entry, error) bool) {
		// Use map to prevent cycles or revisits
		visited := make(map[string]bool)
		for _, dir := range skip {
			if dir = path.Clean(dir); dir != root {
				visited[dir] = true
			}
		}

		var walk func(dir string, depth int) bool
		walk = func(dir string, depth int) bool {
			if visited[dir] {
				return true
			}
			visited[dir] = true

			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return false
			}

			entries, err := conn.ReadDir(ctx, dir)
			if err != nil {
				if ctx.Err() != nil {
					yield(Entry{}, ctx.Err())
					return false
				}
				yield(Entry{}, failure.New(failure.KindTransientConnection, failure.StageList, fmt.Errorf("failed to list %s: %w", dir, err)))
				return false
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

			for _, e := range entries {
				cleaned := path.Clean(e.Path)
				if !within(root, cleaned) || cleaned == dir {
					continue
				}
				if e.IsDir {
					if recurse && depth < maxDepth {
						if !walk(cleaned, depth+1) {
							return false
						}
					}
					continue
				}
				e.Path = cleaned
				e.Rel = relative(root, cleaned)
				if !yield(e, nil) {
					return false
				}
			}
			return true
		}

		walk(root, 0)
	}
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var entries []Entry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func within(root, p string) bool {
	if root == "/" || root == "." {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

func relative(root, p string) string {
	if root == "/" || root == "." {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
}
