package closure

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/xid"

	"github.com/wreckinglabs/dragonkick"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// Report summarizes the closure. Paths inside the root are reported as
// guest paths.
func (c *Closure) Report(root ldso.Root) dragonkick.Report {
	hostname, _ := os.Hostname()
	r := dragonkick.Report{
		UID:        xid.New().String(),
		Date:       time.Now(),
		Hostname:   hostname,
		Sysroot:    string(root),
		Targets:    make([]string, 0, len(c.Targets)),
		Libraries:  make([]dragonkick.Library, 0, len(c.Libraries)),
		Unresolved: make([]dragonkick.Unresolved, 0, len(c.Gaps)),
		Skipped:    make([]dragonkick.Skipped, 0, len(c.Skipped)),
		Resolved:   c.Stats.Resolved,
		Parsed:     c.Stats.Parsed,
		Levels:     c.Stats.Levels,
		Duration:   c.Stats.Duration.Milliseconds(),
		Metadata:   map[string]string{},
	}
	if len(r.Sysroot) == 0 {
		r.Sysroot = "/"
	}

	guest := func(path string) string {
		if g, ok := root.Guest(path); ok {
			return g
		}
		return path
	}

	for _, t := range c.Targets {
		r.Targets = append(r.Targets, guest(t.Path))
		r.Size += fileSize(t.Path)
	}

	for _, l := range c.Libraries {
		size := fileSize(l.Path)
		r.Size += size
		r.Libraries = append(r.Libraries, dragonkick.Library{
			Path:      guest(l.Path),
			Soname:    l.Soname,
			Requester: guest(l.Requester),
			Source:    l.Source.String(),
			Size:      size,
		})
	}

	for _, g := range c.Gaps {
		u := dragonkick.Unresolved{Soname: g.Soname}
		for _, req := range g.Requesters {
			u.Requesters = append(u.Requesters, guest(req))
		}
		r.Unresolved = append(r.Unresolved, u)
	}

	for _, s := range c.Skipped {
		r.Skipped = append(r.Skipped, dragonkick.Skipped{Path: guest(s.Path), Error: s.Err.Error()})
	}

	return r
}

// HumanSize formats a size in bytes for humans.
func HumanSize(size int64) string {
	return datasize.ByteSize(size).HumanReadable()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
