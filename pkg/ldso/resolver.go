// Package ldso emulates the search performed by the dynamic linker to find
// the shared libraries needed by a binary, as described in ld.so(8).
package ldso

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/inconshreveable/log15"

	"github.com/wreckinglabs/dragonkick/pkg/elfx"
)

// Resolved is the outcome of the resolution of a soname.
type Resolved struct {
	Soname string `json:"soname" yaml:"soname"`
	// Host path of the binary needing the soname.
	Requester string `json:"requester" yaml:"requester"`
	// Canonical host path of the library, empty if unresolved.
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Source     Source `json:"source" yaml:"source"`
	Unresolved bool   `json:"unresolved,omitempty" yaml:"unresolved,omitempty"`
}

// Resolver finds the libraries needed by binaries. It is safe for concurrent
// use once configured.
type Resolver struct {
	// Root is the sysroot every guest path is looked up in.
	Root Root
	// Overrides are searched like LD_LIBRARY_PATH.
	Overrides []string
	// Cache is the library cache, possibly nil.
	Cache *Cache
	// Defaults replaces the compiled-in default directories when not nil.
	Defaults []string
	// MatchClass skips candidates whose class or machine differs from
	// the requester's.
	MatchClass bool
	Log        log15.Logger
}

// Context returns the ordered candidates for the given soname needed by
// requester, of the given ancestry.
func (r *Resolver) Context(soname string, requester *elfx.Binary, a Ancestry) SearchContext {
	var ctx SearchContext
	origin := r.origin(requester)

	dirs := func(b *elfx.Binary, origin string, dirs []string, source Source) {
		for _, d := range dirs {
			lib := b.Lib()
			if strings.Contains(d, "LIB") {
				lib = LibDir(r.Root, b.Class, b.Machine, b.Data)
			}
			d = b.ExpandWith(d, origin, lib)
			ctx = ctx.add(path.Join("/", d, soname), source)
		}
	}

	// The RPATH is ignored as soon as a RUNPATH is declared by the
	// requester or any of its ancestors.
	if len(requester.RunPath) == 0 && !a.RunPathSeen {
		dirs(requester, origin, requester.RPath, SourceRPath)
	}

	dirs(requester, origin, r.Overrides, SourceOverride)

	// RUNPATH only applies to the direct dependencies of the binary
	// declaring it, and to the next level when the requester doesn't
	// declare its own.
	switch {
	case len(requester.RunPath) != 0:
		dirs(requester, origin, requester.RunPath, SourceRunPath)
	case a.Parent != nil && len(a.Parent.RunPath) != 0:
		dirs(a.Parent, r.origin(a.Parent), a.Parent.RunPath, SourceRunPath)
	}

	for _, p := range r.Cache.Lookup(soname, requester.Class) {
		ctx = ctx.add(path.Clean("/"+p), SourceCache)
	}
	dirs(requester, origin, r.Cache.Dirs(), SourceConf)

	defaults := r.Defaults
	if defaults == nil {
		defaults = DefaultDirs(requester.Class, requester.Machine, requester.Data)
	}
	dirs(requester, origin, defaults, SourceDefault)

	return ctx
}

// Resolve returns the library the dynamic linker would load for soname when
// needed by requester. The first matching candidate wins; a soname without
// any match is returned as unresolved.
func (r *Resolver) Resolve(soname string, requester *elfx.Binary, a Ancestry) Resolved {
	log := r.logger().New("soname", soname, "requester", requester.Path)
	res := Resolved{Soname: soname, Requester: requester.Path}

	// Sonames containing a slash are paths, used as is.
	if strings.Contains(soname, "/") {
		guest := soname
		if !path.IsAbs(guest) {
			guest = path.Join(r.origin(requester), guest)
		}

		p, ok := r.probe(guest, requester, log)
		if !ok {
			res.Unresolved = true
			log.Debug("unresolved")
			return res
		}

		res.Path, res.Source = p, SourceDirect
		log.Debug("resolved", "path", p, "source", res.Source)
		return res
	}

	for _, c := range r.Context(soname, requester, a) {
		p, ok := r.probe(c.Path, requester, log)
		if !ok {
			continue
		}

		res.Path, res.Source = p, c.Source
		log.Debug("resolved", "path", p, "source", res.Source)
		return res
	}

	res.Unresolved = true
	log.Debug("unresolved")
	return res
}

// probe returns the canonical host path of the candidate, and true if it is
// a regular file matching the requester.
func (r *Resolver) probe(guest string, requester *elfx.Binary, log log15.Logger) (string, bool) {
	p, err := r.Root.Resolve(guest)
	if err != nil {
		if errors.Is(err, ErrSymlinkLoop) {
			log.Warn("skipping candidate", "candidate", guest, "err", err)
		}
		return "", false
	}

	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}

	if !r.MatchClass {
		return p, true
	}

	h, err := elfx.ReadHeader(p)
	if err != nil {
		log.Debug("skipping candidate", "candidate", guest, "err", err)
		return "", false
	}
	if h.Class != requester.Class || h.Machine != requester.Machine {
		log.Debug("skipping incompatible candidate", "candidate", guest, "class", h.Class, "machine", h.Machine)
		return "", false
	}
	return p, true
}

// origin returns the guest directory of the binary, used for $ORIGIN.
// Binaries outside of the root use their host directory.
func (r *Resolver) origin(b *elfx.Binary) string {
	dir := filepath.Dir(b.Path)
	if guest, ok := r.Root.Guest(dir); ok {
		return guest
	}
	return filepath.ToSlash(dir)
}

func (r *Resolver) logger() log15.Logger {
	if r.Log != nil {
		return r.Log
	}
	return discard
}

var discard = func() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}()
