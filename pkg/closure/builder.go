package closure

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/wreckinglabs/dragonkick/pkg/elfx"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// Reader parses binaries.
type Reader interface {
	Read(path string) (*elfx.Binary, error)
}

// ReaderFunc is a function implementing Reader.
type ReaderFunc func(path string) (*elfx.Binary, error)

// Read implements Reader.
func (f ReaderFunc) Read(path string) (*elfx.Binary, error) {
	return f(path)
}

// Builder computes closures. It is safe to run several builds concurrently
// with the same builder.
type Builder struct {
	Resolver *ldso.Resolver
	// Reader defaults to elfx.Read.
	Reader Reader
	// Workers is the number of concurrent resolutions and parses,
	// GOMAXPROCS by default.
	Workers int
	// Interpreter adds the program interpreter of the targets to the
	// closure.
	Interpreter bool
	// Metrics are updated after each build when set.
	Metrics *Metrics
	Log     log15.Logger
}

// item is a NEEDED entry waiting for resolution.
type item struct {
	soname    string
	requester *elfx.Binary
	// Ancestry of the requester.
	ancestry ldso.Ancestry
}

// BuildFiles parses the targets at the given paths, then computes their
// closure. Paths are made canonical within the resolver's root and
// deduplicated first. Targets that can't be parsed are reported as skipped.
func (b *Builder) BuildFiles(ctx context.Context, paths []string) (*Closure, error) {
	start := time.Now()

	seen := make(map[string]bool, len(paths))
	canonical := make([]string, 0, len(paths))
	for _, p := range paths {
		p = b.canonical(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		canonical = append(canonical, p)
	}
	paths = canonical

	binaries := make([]*elfx.Binary, len(paths))
	errs := make([]error, len(paths))
	b.parallel(len(paths), func(i int) {
		binaries[i], errs[i] = b.reader().Read(paths[i])
	})

	var targets []*elfx.Binary
	var skipped []Skipped
	for i := range paths {
		if errs[i] != nil {
			b.logger().Warn("skipping target", "path", paths[i], "err", errs[i])
			skipped = append(skipped, Skipped{Path: paths[i], Err: errs[i]})
			continue
		}
		targets = append(targets, binaries[i])
	}

	c, err := b.Build(ctx, targets)
	if err != nil {
		return nil, err
	}
	c.Skipped = append(skipped, c.Skipped...)
	c.Stats.Skipped = len(c.Skipped)
	c.Stats.Duration = time.Since(start)
	return c, nil
}

// Build computes the closure of the given targets. The traversal is done
// breadth first, level by level: the NEEDED entries of a level are resolved
// concurrently, then merged in order by a single writer which claims each
// new library before the level's libraries are parsed concurrently. The
// result only depends on the filesystem and the order of the targets.
//
// Unresolved sonames and unparsable libraries are reported in the closure,
// the only error is the cancellation of the context, checked between
// levels.
func (b *Builder) Build(ctx context.Context, targets []*elfx.Binary) (*Closure, error) {
	start := time.Now()
	log := b.logger()

	c := &Closure{}
	visited := make(map[string]struct{})
	gaps := make(map[string]int)

	// Targets are seeded under their canonical path, like the libraries,
	// so a target reached again through a symlink or listed twice is
	// visited once.
	for _, t := range targets {
		path := b.canonical(t.Path)
		if _, ok := visited[path]; ok {
			log.Debug("skipping duplicate target", "path", t.Path)
			continue
		}
		visited[path] = struct{}{}
		if path != t.Path {
			canonical := *t
			canonical.Path = path
			t = &canonical
		}
		c.Targets = append(c.Targets, t)
	}

	var queue []item
	for _, t := range c.Targets {
		if b.Interpreter && len(t.Interpreter) != 0 {
			queue = append(queue, item{soname: t.Interpreter, requester: t})
		}
		for _, n := range t.Needed {
			queue = append(queue, item{soname: n, requester: t})
		}
	}

	for len(queue) != 0 {
		err := ctx.Err()
		if err != nil {
			return nil, err
		}
		c.Stats.Levels++
		log.Debug("resolving level", "level", c.Stats.Levels, "entries", len(queue))

		results := make([]ldso.Resolved, len(queue))
		b.parallel(len(queue), func(i int) {
			it := queue[i]
			results[i] = b.Resolver.Resolve(it.soname, it.requester, it.ancestry)
		})

		// Merge in queue order, claiming new paths before parsing them.
		var claimed []int
		for i, res := range results {
			if res.Unresolved {
				c.Stats.Unresolved++
				c.addGap(gaps, res.Soname, res.Requester)
				continue
			}

			c.Stats.Resolved++
			c.Edges = append(c.Edges, Edge{
				Requester: res.Requester,
				Soname:    res.Soname,
				Path:      res.Path,
				Source:    res.Source,
			})

			if _, ok := visited[res.Path]; ok {
				continue
			}
			visited[res.Path] = struct{}{}
			claimed = append(claimed, i)
		}

		binaries := make([]*elfx.Binary, len(claimed))
		errs := make([]error, len(claimed))
		b.parallel(len(claimed), func(j int) {
			binaries[j], errs[j] = b.reader().Read(results[claimed[j]].Path)
		})
		c.Stats.Parsed += len(claimed)

		var next []item
		for j, i := range claimed {
			res, it := results[i], queue[i]
			if errs[j] != nil {
				var unsupported *elfx.UnsupportedClassError
				if errors.As(errs[j], &unsupported) {
					log.Warn("skipping library", "path", res.Path, "err", errs[j])
				} else {
					log.Error("skipping library", "path", res.Path, "err", errs[j])
				}
				c.Skipped = append(c.Skipped, Skipped{Path: res.Path, Err: errs[j]})
				continue
			}

			lib := binaries[j]
			c.Libraries = append(c.Libraries, Library{
				Binary:    lib,
				Soname:    res.Soname,
				Requester: res.Requester,
				Source:    res.Source,
			})

			ancestry := it.ancestry.Descend(it.requester)
			for _, n := range lib.Needed {
				next = append(next, item{soname: n, requester: lib, ancestry: ancestry})
			}
		}
		queue = next
	}

	c.Stats.Skipped = len(c.Skipped)
	c.Stats.Duration = time.Since(start)
	log.Debug("built closure", "targets", len(c.Targets), "libraries", len(c.Libraries), "gaps", len(c.Gaps), "skipped", len(c.Skipped), "duration", c.Stats.Duration)

	if b.Metrics != nil {
		b.Metrics.Observe(c)
	}
	return c, nil
}

// addGap records an unresolved soname, each requester being recorded once.
func (c *Closure) addGap(index map[string]int, soname, requester string) {
	i, ok := index[soname]
	if !ok {
		index[soname] = len(c.Gaps)
		c.Gaps = append(c.Gaps, Gap{Soname: soname, Requesters: []string{requester}})
		return
	}

	for _, r := range c.Gaps[i].Requesters {
		if r == requester {
			return
		}
	}
	c.Gaps[i].Requesters = append(c.Gaps[i].Requesters, requester)
}

// parallel calls f for every index in [0, n) using at most Workers
// goroutines, and waits for all of them.
func (b *Builder) parallel(n int, f func(i int)) {
	workers := b.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			f(i)
			return nil
		})
	}
	_ = g.Wait()
}

// canonical returns the canonical host path of the given host path, with
// symbolic links followed within the resolver's root. Paths that can't be
// resolved are returned as is, and fail when read.
func (b *Builder) canonical(path string) string {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		path = abs
	}

	var root ldso.Root
	if b.Resolver != nil {
		root = b.Resolver.Root
	}
	guest, ok := root.Guest(path)
	if !ok {
		return path
	}
	resolved, err := root.Resolve(guest)
	if err != nil {
		return path
	}
	return resolved
}

func (b *Builder) reader() Reader {
	if b.Reader != nil {
		return b.Reader
	}
	return ReaderFunc(elfx.Read)
}

func (b *Builder) logger() log15.Logger {
	if b.Log != nil {
		return b.Log
	}
	return discard
}

var discard = func() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}()
