// Package closure computes the transitive set of shared libraries a set of
// binaries would load at runtime.
package closure

import (
	"time"

	"github.com/wreckinglabs/dragonkick/pkg/elfx"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// Closure is the result of a build.
type Closure struct {
	// Targets are the binaries the build started from, in order.
	Targets []*elfx.Binary
	// Libraries reachable from the targets, in discovery order, without
	// duplicates. Targets are never part of the libraries, even if some
	// library depends on them.
	Libraries []Library
	// Edges between binaries, in discovery order. An edge is recorded
	// for every resolved NEEDED entry, including those to binaries
	// already visited.
	Edges []Edge
	// Gaps are the unresolved sonames, in discovery order.
	Gaps []Gap
	// Skipped are the binaries that couldn't be parsed.
	Skipped []Skipped
	Stats   Stats
}

// Library is a binary of the closure.
type Library struct {
	*elfx.Binary
	// Soname the library was first reached with.
	Soname string
	// Path of the binary which first needed the library.
	Requester string
	// Source of the candidate the library was found with.
	Source ldso.Source
}

// Edge is a resolved NEEDED entry.
type Edge struct {
	Requester string
	Soname    string
	Path      string
	Source    ldso.Source
}

// Gap is a soname no candidate matched, with the binaries needing it in
// discovery order.
type Gap struct {
	Soname     string
	Requesters []string
}

// Skipped is a binary that couldn't be parsed.
type Skipped struct {
	Path string
	Err  error
}

// Stats of a build.
type Stats struct {
	// Number of binaries parsed, targets excluded.
	Parsed int
	// Number of resolved and unresolved NEEDED entries.
	Resolved   int
	Unresolved int
	Skipped    int
	// Number of levels of the traversal.
	Levels   int
	Duration time.Duration
}

// Members returns the paths of the targets followed by the paths of the
// libraries.
func (c *Closure) Members() []string {
	paths := make([]string, 0, len(c.Targets)+len(c.Libraries))
	for _, t := range c.Targets {
		paths = append(paths, t.Path)
	}
	return append(paths, c.Paths()...)
}

// Paths returns the paths of the libraries.
func (c *Closure) Paths() []string {
	paths := make([]string, 0, len(c.Libraries))
	for _, l := range c.Libraries {
		paths = append(paths, l.Path)
	}
	return paths
}

// Unresolved reports whether the closure has any gap.
func (c *Closure) Unresolved() bool {
	return len(c.Gaps) != 0
}
