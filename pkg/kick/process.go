package kick

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/inconshreveable/log15"

	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/export"
	"github.com/wreckinglabs/dragonkick/pkg/ghidra"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// Process runs the pipeline. The results of each step are kept on the
// process: running it again after a failure reuses the closure already
// built.
type Process struct {
	Options
	Root     ldso.Root
	Builder  *closure.Builder
	Service  ghidra.Service
	Sink     export.Sink
	Progress Progress
	Log      log15.Logger

	// Targets are the host paths of the resolved targets.
	Targets []string
	Closure *closure.Closure
	Project ghidra.Project
	// Removed are the binaries removed from a previous run.
	Removed []string
	// Imported and Analyzed are program names.
	Imported []string
	Analyzed []string
	// Failures of the analysis tool, per file or program.
	Failures []ghidra.Failure
	// Exports are indexed by target path.
	Exports map[string]export.Result
	Archive string

	imported map[string]bool
	// built are the targets the closure was computed for.
	built []string
	err   error
}

// Run the pipeline.
func (p *Process) Run(ctx context.Context) error {
	p.err = nil
	p.Targets = nil
	p.Imported = nil
	p.Analyzed = nil
	p.Failures = nil
	p.imported = make(map[string]bool)
	p.Exports = make(map[string]export.Result)

	p.resolveTargets()
	p.prepareProject()
	p.openProject(ctx)
	p.buildClosure(ctx)
	p.copyBinaries()
	p.importDependencies(ctx)
	p.importTargets(ctx)
	p.analyzePrograms(ctx)
	p.decompileTargets(ctx)
	p.zipProject()
	p.checkProject()
	p.startTool(ctx)
	return p.err
}

func (p *Process) resolveTargets() {
	if p.err != nil {
		return
	}

	p.Targets, p.err = ResolveTargets(p.Root, p.Options.Targets, p.IgnoreMissing, p.logger())
	if p.err != nil {
		return
	}
	p.logger().Debug("resolved targets", "targets", p.Targets)
}

func (p *Process) prepareProject() {
	if p.err != nil {
		return
	}

	layout := p.Layout
	log := p.logger().New("project", layout.Dir)

	_, err := os.Stat(layout.Dir)
	switch {
	case err == nil && p.ForceRemove:
		log.Info("removing existing project")
		err = layout.RemoveAll()
		if err != nil {
			p.err = err
			return
		}
	case p.RemoveExistingBinaries:
		log.Info("removing existing binaries from project")
		p.Removed, err = layout.RemoveBinaries()
		for _, path := range p.Removed {
			log.Debug("removed previous binary", "path", path)
		}
		if err != nil {
			p.err = err
			return
		}
	}

	if layout.Exists() && !p.ForceImport {
		p.err = fmt.Errorf("project %q: %w, force the import to re-import the binaries", layout.ProjectFile(), ErrProjectExists)
		return
	}

	err = layout.Prepare()
	if err != nil {
		p.err = err
		return
	}
}

func (p *Process) openProject(ctx context.Context) {
	if p.err != nil {
		return
	}

	project, err := p.Service.CreateOrOpen(ctx, p.Layout)
	if err != nil {
		p.err = wrap(err, "opening project")
		return
	}
	p.Project = project
	p.logger().Info("project ready", "name", project.Name, "location", project.Location)
}

// buildClosure computes the dependencies of the targets, unless a previous
// run already did. Targets that can't be parsed are dropped.
func (p *Process) buildClosure(ctx context.Context) {
	if p.err != nil {
		return
	}

	if p.Closure == nil || !sameTargets(p.built, p.Targets) {
		c, err := p.Builder.BuildFiles(ctx, p.Targets)
		if err != nil {
			p.err = wrap(err, "building closure")
			return
		}
		p.Closure = c
		p.built = append([]string(nil), p.Targets...)
	}

	log := p.logger()
	for _, s := range p.Closure.Skipped {
		log.Error("skipping binary", "path", s.Path, "err", s.Err)
	}
	for _, g := range p.Closure.Gaps {
		log.Warn("unresolved dependency", "soname", g.Soname, "requesters", g.Requesters)
	}

	p.Targets = p.Targets[:0]
	for _, t := range p.Closure.Targets {
		p.Targets = append(p.Targets, t.Path)
	}
	if len(p.Targets) == 0 {
		p.err = fmt.Errorf("no target to import: %w", ErrNoInput)
		return
	}

	log.Info("resolved dependencies", "targets", len(p.Targets), "libraries", len(p.Closure.Libraries), "unresolved", len(p.Closure.Gaps))
}

// sameTargets tells if both lists hold the same set of targets.
func sameTargets(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	other := make(map[string]bool, len(b))
	for _, t := range b {
		if !set[t] {
			return false
		}
		other[t] = true
	}
	return len(set) == len(other)
}

func (p *Process) copyBinaries() {
	if p.err != nil || !p.CopyToProject {
		return
	}

	log := p.logger()
	for _, t := range p.Targets {
		dst, err := p.Layout.CopyTarget(t)
		if err != nil {
			p.err = err
			return
		}
		log.Debug("copied target", "path", dst)
	}

	if p.SkipDependencyImport {
		return
	}

	for _, l := range p.Closure.Libraries {
		dst, err := p.Layout.CopyLibrary(l.Path)
		if err != nil {
			p.err = err
			return
		}
		log.Debug("copied dependency", "path", dst)
	}
}

func (p *Process) importDependencies(ctx context.Context) {
	if p.err != nil {
		return
	}

	if p.SkipDependencyImport {
		p.logger().Info("skipping dependency import")
		return
	}

	p.importFiles(ctx, "importing dependencies", p.Closure.Paths())
}

func (p *Process) importTargets(ctx context.Context) {
	if p.err != nil {
		return
	}

	imported := p.importFiles(ctx, "importing targets", p.Targets)
	if imported != 0 {
		return
	}
	if len(p.Failures) == 0 {
		p.err = errors.New("no target imported")
		return
	}
	p.err = fmt.Errorf("no target imported: %w", p.Failures[len(p.Failures)-1])
}

// importFiles imports the files one at a time for progress reporting, and
// returns how many were imported.
func (p *Process) importFiles(ctx context.Context, step string, paths []string) int {
	progress := p.progress()
	progress.Begin(step, len(paths))
	defer progress.End()

	var imported int
	for _, path := range paths {
		if ctx.Err() != nil {
			p.Failures = append(p.Failures, ghidra.Failure{Path: path, Err: ctx.Err()})
			continue
		}

		res := p.Service.Import(ctx, p.Project, []string{path}, false)
		p.Failures = append(p.Failures, res.Failures...)
		for _, program := range res.Programs {
			p.Imported = append(p.Imported, program)
			p.imported[path] = true
			imported++
		}
		progress.Advance(ghidra.ProgramName(path))
	}

	p.logger().Info(step, "imported", imported, "failed", len(paths)-imported)
	return imported
}

func (p *Process) analyzePrograms(ctx context.Context) {
	if p.err != nil {
		return
	}

	var programs []string
	if p.DependencyAnalysis && !p.SkipDependencyImport {
		for _, l := range p.Closure.Libraries {
			if p.imported[l.Path] {
				programs = append(programs, ghidra.ProgramName(l.Path))
			}
		}
	}
	if !p.SkipTargetAnalysis {
		for _, t := range p.Targets {
			if p.imported[t] {
				programs = append(programs, ghidra.ProgramName(t))
			}
		}
	} else {
		p.logger().Info("skipping target analysis")
	}
	if len(programs) == 0 {
		return
	}

	progress := p.progress()
	progress.Begin("analyzing", len(programs))
	defer progress.End()

	for _, program := range programs {
		res := p.Service.Analyze(ctx, p.Project, []string{program})
		p.Analyzed = append(p.Analyzed, res.Analyzed...)
		p.Failures = append(p.Failures, res.Failures...)
		progress.Advance(program)
	}
}

func (p *Process) decompileTargets(ctx context.Context) {
	if p.err != nil || !p.Decompile {
		return
	}

	for _, t := range p.Targets {
		if !p.imported[t] {
			continue
		}

		program := ghidra.ProgramName(t)
		log := p.logger().New("program", program)

		functions, err := p.Service.DecompileAll(ctx, p.Project, program)
		if err != nil {
			log.Warn("decompilation failed", "err", err)
			p.Failures = append(p.Failures, ghidra.Failure{Path: program, Err: err})
			continue
		}

		files := export.FunctionFiles(functions)
		res, err := p.Sink.Export(ctx, p.Layout.SourceDir(t), files)
		if err != nil {
			p.err = wrap(err, "exporting %q", program)
			return
		}
		p.Exports[t] = res
		log.Info("exported sources", "functions", len(functions), "files", len(files)/2, "written", res.Written, "commit", res.Commit)
	}
}

func (p *Process) zipProject() {
	if p.err != nil || !p.Zip {
		return
	}

	progress := p.progress()
	started := false
	archive, err := p.Layout.Zip(func(name string, done, total int) {
		if !started {
			progress.Begin("zipping project", total)
			started = true
		}
		progress.Advance(name)
	})
	if started {
		progress.End()
	}
	if err != nil {
		// The project itself is usable.
		p.logger().Error("zipping project failed", "err", err)
		return
	}

	p.Archive = archive
	p.logger().Info("project zipped", "archive", archive)
}

func (p *Process) checkProject() {
	if p.err != nil {
		return
	}

	if !p.Layout.Exists() {
		p.err = fmt.Errorf("project %q not found: %w", p.Layout.ProjectFile(), ghidra.ErrUnavailable)
		return
	}
}

func (p *Process) startTool(ctx context.Context) {
	if p.err != nil || !p.StartTool {
		return
	}

	starter, ok := p.Service.(Starter)
	if !ok {
		p.logger().Warn("the analysis service can't open projects")
		return
	}

	err := starter.Start(ctx, p.Project)
	if err != nil {
		p.err = wrap(err, "starting analysis tool")
		return
	}
}

func (p *Process) progress() Progress {
	if p.Progress == nil {
		return noProgress{}
	}
	return p.Progress
}

func (p *Process) logger() log15.Logger {
	if p.Log == nil {
		return discard
	}
	return p.Log
}

var discard = func() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}()
