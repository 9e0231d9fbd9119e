package ldso

import (
	"fmt"

	"github.com/wreckinglabs/dragonkick/pkg/elfx"
)

// Source designates where a search candidate comes from.
type Source int

const (
	SourceNone Source = iota
	// The soname is a path, no search was performed.
	SourceDirect
	// DT_RPATH of the requester.
	SourceRPath
	// Override directories, the equivalent of LD_LIBRARY_PATH.
	SourceOverride
	// DT_RUNPATH of the requester or of its parent.
	SourceRunPath
	// Library cache entries.
	SourceCache
	// Directories of ld.so.conf.
	SourceConf
	// Compiled-in default directories.
	SourceDefault
)

var sourceNames = [...]string{
	SourceNone:     "none",
	SourceDirect:   "direct",
	SourceRPath:    "rpath",
	SourceOverride: "override",
	SourceRunPath:  "runpath",
	SourceCache:    "cache",
	SourceConf:     "conf",
	SourceDefault:  "default",
}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return fmt.Sprintf("Source(%d)", int(s))
	}
	return sourceNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(raw []byte) error {
	for i, n := range sourceNames {
		if n == string(raw) {
			*s = Source(i)
			return nil
		}
	}
	return fmt.Errorf("unknown source %q", raw)
}

// Candidate is a file probed during a soname lookup.
type Candidate struct {
	// Guest path of the file.
	Path   string
	Source Source
}

// SearchContext is the ordered list of candidates probed to resolve a
// soname. Paths are unique, the first occurrence being kept.
type SearchContext []Candidate

// add appends a candidate unless its path is already present.
func (c SearchContext) add(path string, source Source) SearchContext {
	for _, e := range c {
		if e.Path == path {
			return c
		}
	}
	return append(c, Candidate{Path: path, Source: source})
}

// Ancestry is the state inherited by a binary from the chain of binaries
// that loaded it. The zero value is the ancestry of a target.
type Ancestry struct {
	// Parent is the binary which needed the requester, nil for targets.
	Parent *elfx.Binary
	// RunPathSeen is true if any binary above the requester declares a
	// RUNPATH.
	RunPathSeen bool
}

// Descend returns the ancestry of the dependencies of the given binary,
// which is itself of ancestry a.
func (a Ancestry) Descend(b *elfx.Binary) Ancestry {
	return Ancestry{
		Parent:      b,
		RunPathSeen: a.RunPathSeen || len(b.RunPath) != 0,
	}
}
