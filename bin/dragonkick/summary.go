package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/kick"
)

var (
	title   = color.New(color.Bold)
	success = color.New(color.FgGreen)
	warning = color.New(color.FgYellow)
	failure = color.New(color.FgRed, color.Bold)
)

// printSummary prints what the process did, whatever step it stopped at.
func printSummary(w io.Writer, p *kick.Process) {
	if p.Closure != nil {
		report := p.Closure.Report(p.Root)
		title.Fprintf(w, "Dependencies of %d target(s)\n", len(report.Targets))
		success.Fprintf(w, "  %d resolved", len(report.Libraries))
		fmt.Fprintf(w, ", %s in %d level(s)\n", closure.HumanSize(report.Size), report.Levels)

		for _, u := range report.Unresolved {
			warning.Fprintf(w, "  %s not found", u.Soname)
			fmt.Fprintf(w, ", needed by %v\n", u.Requesters)
		}
		for _, s := range report.Skipped {
			failure.Fprintf(w, "  %s skipped", s.Path)
			fmt.Fprintf(w, ": %s\n", s.Error)
		}
	}

	if len(p.Imported) != 0 || len(p.Failures) != 0 {
		title.Fprintln(w, "Analysis")
		success.Fprintf(w, "  %d imported, %d analyzed\n", len(p.Imported), len(p.Analyzed))
		for _, f := range p.Failures {
			failure.Fprintf(w, "  %s failed", f.Path)
			fmt.Fprintf(w, ": %s\n", f.Err)
		}
	}

	if len(p.Exports) != 0 {
		title.Fprintln(w, "Exports")
		var targets []string
		for t := range p.Exports {
			targets = append(targets, t)
		}
		sort.Strings(targets)

		for _, t := range targets {
			res := p.Exports[t]
			fmt.Fprintf(w, "  %s: %d written, %d unchanged", p.Layout.SourceDir(t), res.Written, res.Unchanged)
			if len(res.Commit) == 0 {
				fmt.Fprintln(w, ", nothing to commit")
				continue
			}
			fmt.Fprint(w, ", commit ")
			success.Fprintln(w, shortHash(res.Commit))
		}
	}

	if len(p.Archive) != 0 {
		fmt.Fprint(w, "Project zipped in ")
		success.Fprintln(w, p.Archive)
	}
	if p.Layout.Exists() {
		fmt.Fprint(w, "The project is ready to be opened with Ghidra: ")
		success.Fprintln(w, p.Layout.ProjectFile())
	}
}

func printError(w io.Writer, err error) {
	failure.Fprint(w, "ERROR: ")
	fmt.Fprintln(w, err)
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
