package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/elfx"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// render writes the closure in the given format.
func render(w io.Writer, format string, root ldso.Root, c *closure.Closure) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(c.Report(root))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err := enc.Encode(c.Report(root))
		if err != nil {
			return err
		}
		return enc.Close()
	case "tree":
		return renderTree(w, root, c)
	default:
		return renderText(w, root, c)
	}
}

// renderText lists the libraries the way ldd does.
func renderText(w io.Writer, root ldso.Root, c *closure.Closure) error {
	if len(c.Targets) > 1 {
		var names []string
		for _, t := range c.Targets {
			names = append(names, guest(root, t.Path))
		}
		_, err := fmt.Fprintf(w, "%s:\n", strings.Join(names, ", "))
		if err != nil {
			return err
		}
	}

	for _, l := range c.Libraries {
		_, err := fmt.Fprintf(w, "\t%s => %s (%s)\n", l.Soname, guest(root, l.Path), l.Source)
		if err != nil {
			return err
		}
	}

	for _, g := range c.Gaps {
		_, err := fmt.Fprintf(w, "\t%s => not found\n", g.Soname)
		if err != nil {
			return err
		}
	}

	for _, s := range c.Skipped {
		_, err := fmt.Fprintf(w, "\t%s: %s\n", guest(root, s.Path), s.Err)
		if err != nil {
			return err
		}
	}
	return nil
}

// renderTree prints the dependencies of each target as a tree. Libraries
// already printed aren't expanded again.
func renderTree(w io.Writer, root ldso.Root, c *closure.Closure) error {
	binaries := make(map[string]*elfx.Binary)
	for _, t := range c.Targets {
		binaries[t.Path] = t
	}
	for _, l := range c.Libraries {
		binaries[l.Path] = l.Binary
	}

	type key struct{ requester, soname string }
	edges := make(map[key]closure.Edge)
	for _, e := range c.Edges {
		edges[key{e.Requester, e.Soname}] = e
	}

	seen := make(map[string]bool)
	var walk func(b *elfx.Binary, depth int) error
	walk = func(b *elfx.Binary, depth int) error {
		indent := strings.Repeat("    ", depth)
		for _, soname := range b.Needed {
			e, ok := edges[key{b.Path, soname}]
			if !ok {
				_, err := fmt.Fprintf(w, "%s%s => not found\n", indent, soname)
				if err != nil {
					return err
				}
				continue
			}

			child, parsed := binaries[e.Path]
			if seen[e.Path] || !parsed {
				_, err := fmt.Fprintf(w, "%s%s => %s (%s) [...]\n", indent, soname, guest(root, e.Path), e.Source)
				if err != nil {
					return err
				}
				continue
			}

			seen[e.Path] = true
			_, err := fmt.Fprintf(w, "%s%s => %s (%s)\n", indent, soname, guest(root, e.Path), e.Source)
			if err != nil {
				return err
			}
			err = walk(child, depth+1)
			if err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range c.Targets {
		seen[t.Path] = true
	}
	for _, t := range c.Targets {
		_, err := fmt.Fprintln(w, guest(root, t.Path))
		if err != nil {
			return err
		}
		err = walk(t, 1)
		if err != nil {
			return err
		}
	}
	return nil
}

func guest(root ldso.Root, path string) string {
	if g, ok := root.Guest(path); ok {
		return g
	}
	return path
}
