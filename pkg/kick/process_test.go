package kick

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/elfx"
	"github.com/wreckinglabs/dragonkick/pkg/export"
	"github.com/wreckinglabs/dragonkick/pkg/ghidra"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
	"github.com/wreckinglabs/dragonkick/pkg/project"
	"github.com/wreckinglabs/dragonkick/pkg/testingx"
)

// fakeService records the calls, and creates the project file on the
// first import.
type fakeService struct {
	failImport  map[string]bool
	failAnalyze map[string]bool
	functions   []ghidra.Function

	layout    project.Layout
	imports   []string
	analyzes  []string
	decompile []string
	started   bool
}

func (s *fakeService) CreateOrOpen(ctx context.Context, layout project.Layout) (ghidra.Project, error) {
	s.layout = layout
	return ghidra.Project{Location: layout.ProjectDir(), Name: layout.Name, File: layout.ProjectFile()}, nil
}

func (s *fakeService) Import(ctx context.Context, p ghidra.Project, paths []string, analyze bool) ghidra.ImportResult {
	var res ghidra.ImportResult
	for _, path := range paths {
		s.imports = append(s.imports, ghidra.ProgramName(path))
		if s.failImport[ghidra.ProgramName(path)] {
			res.Failures = append(res.Failures, ghidra.Failure{Path: path, Err: errors.New("import failed")})
			continue
		}
		err := os.MkdirAll(p.Location, 0755)
		if err == nil {
			err = os.WriteFile(p.File, nil, 0644)
		}
		if err != nil {
			res.Failures = append(res.Failures, ghidra.Failure{Path: path, Err: err})
			continue
		}
		res.Programs = append(res.Programs, ghidra.ProgramName(path))
	}
	return res
}

func (s *fakeService) Analyze(ctx context.Context, p ghidra.Project, programs []string) ghidra.AnalysisResult {
	var res ghidra.AnalysisResult
	for _, program := range programs {
		s.analyzes = append(s.analyzes, program)
		if s.failAnalyze[program] {
			res.Failures = append(res.Failures, ghidra.Failure{Path: program, Err: errors.New("analysis failed")})
			continue
		}
		res.Analyzed = append(res.Analyzed, program)
	}
	return res
}

func (s *fakeService) DecompileAll(ctx context.Context, p ghidra.Project, program string) ([]ghidra.Function, error) {
	s.decompile = append(s.decompile, program)
	return s.functions, nil
}

func (s *fakeService) Start(ctx context.Context, p ghidra.Project) error {
	s.started = true
	return nil
}

// fakeSink records the exported files per root.
type fakeSink struct {
	err   error
	files map[string][]export.File
}

func (s *fakeSink) Export(ctx context.Context, root string, files []export.File) (export.Result, error) {
	if s.err != nil {
		return export.Result{}, s.err
	}
	if s.files == nil {
		s.files = make(map[string][]export.File)
	}
	s.files[root] = files
	return export.Result{Written: len(files), Commit: "cafe"}, nil
}

// countingReader counts the parses.
type countingReader struct {
	sync.Mutex
	count int
}

func (r *countingReader) Read(path string) (*elfx.Binary, error) {
	r.Lock()
	r.count++
	r.Unlock()
	return elfx.Read(path)
}

type fixture struct {
	root    ldso.Root
	layout  project.Layout
	service *fakeService
	sink    *fakeSink
	reader  *countingReader
}

func newFixture(t *testing.T, files map[string]testingx.ELF) *fixture {
	t.Helper()
	root, err := ldso.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf(`ldso.NewRoot: unexpected error: %s`, err)
	}
	for p, spec := range files {
		testingx.WriteELF(t, root.Host(p), spec)
	}
	return &fixture{
		root:    root,
		layout:  project.New(filepath.Join(t.TempDir(), "out"), "demo"),
		service: &fakeService{},
		sink:    &fakeSink{},
		reader:  &countingReader{},
	}
}

func (f *fixture) process(opts Options) *Process {
	opts.Layout = f.layout
	return &Process{
		Options: opts,
		Root:    f.root,
		Builder: &closure.Builder{
			Resolver: &ldso.Resolver{Root: f.root, Defaults: []string{"/lib", "/usr/lib"}},
			Reader:   f.reader,
		},
		Service: f.service,
		Sink:    f.sink,
	}
}

var appFiles = map[string]testingx.ELF{
	"/bin/app":         {Needed: []string{"liba.so", "libmissing.so"}},
	"/usr/lib/liba.so": {Needed: []string{"libb.so"}},
	"/lib/libb.so":     {},
}

func TestProcess_Run(t *testing.T) {
	f := newFixture(t, appFiles)
	f.service.functions = []ghidra.Function{
		{Name: "main", Entry: "00101000", Signature: "int main(void)", Code: "int main(void) {}"},
		{Name: "puts", Entry: "00100500", Thunk: true},
	}

	p := f.process(Options{
		Targets:            []string{"/bin/app"},
		CopyToProject:      true,
		DependencyAnalysis: true,
		Decompile:          true,
		Zip:                true,
		StartTool:          true,
	})
	err := p.Run(context.Background())
	if err != nil {
		t.Fatalf(`Process.Run: unexpected error: %s`, err)
	}

	app := f.root.Host("/bin/app")
	if diff := cmp.Diff([]string{app}, p.Targets); diff != "" {
		t.Errorf(`Process.Run: unexpected targets (-want +got):\n%s`, diff)
	}
	if diff := cmp.Diff([]string{"liba.so", "libb.so", "app"}, f.service.imports); diff != "" {
		t.Errorf(`Process.Run: unexpected imports (-want +got):\n%s`, diff)
	}
	if diff := cmp.Diff([]string{"liba.so", "libb.so", "app"}, p.Analyzed); diff != "" {
		t.Errorf(`Process.Run: unexpected analyses (-want +got):\n%s`, diff)
	}
	if diff := cmp.Diff([]string{"app"}, f.service.decompile); diff != "" {
		t.Errorf(`Process.Run: unexpected decompilations (-want +got):\n%s`, diff)
	}

	wantFiles := []export.File{
		{Path: "00101000.c", Content: []byte("int main(void) {}")},
		{Path: "00101000::main.c", Link: "00101000.c"},
	}
	if diff := cmp.Diff(wantFiles, f.sink.files[f.layout.SourceDir(app)]); diff != "" {
		t.Errorf(`Process.Run: unexpected exports (-want +got):\n%s`, diff)
	}
	if p.Exports[app].Commit != "cafe" {
		t.Errorf(`Process.Run: unexpected export result %+v`, p.Exports[app])
	}

	for _, path := range []string{
		filepath.Join(f.layout.BinDir(), "app"),
		filepath.Join(f.layout.LibDir(), "liba.so"),
		filepath.Join(f.layout.LibDir(), "libb.so"),
		p.Archive,
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf(`Process.Run: expected %q to exist: %s`, path, err)
		}
	}
	if !f.service.started {
		t.Errorf(`Process.Run: expected the tool to be started`)
	}
	if len(p.Closure.Gaps) != 1 || p.Closure.Gaps[0].Soname != "libmissing.so" {
		t.Errorf(`Process.Run: unexpected gaps %v`, p.Closure.Gaps)
	}
}

func TestProcess_Run_Options(t *testing.T) {
	type testcase struct {
		opts         Options
		failImport   map[string]bool
		wantImports  []string
		wantAnalyzed []string
		wantFailures int
		wantErr      error
	}

	for n, c := range map[string]testcase{
		"defaults": {
			wantImports:  []string{"liba.so", "libb.so", "app"},
			wantAnalyzed: []string{"app"},
		},
		"skip dependency import": {
			opts:         Options{SkipDependencyImport: true, DependencyAnalysis: true},
			wantImports:  []string{"app"},
			wantAnalyzed: []string{"app"},
		},
		"skip target analysis": {
			opts:        Options{SkipTargetAnalysis: true},
			wantImports: []string{"liba.so", "libb.so", "app"},
		},
		"partial import": {
			opts:         Options{DependencyAnalysis: true},
			failImport:   map[string]bool{"liba.so": true},
			wantImports:  []string{"liba.so", "libb.so", "app"},
			wantAnalyzed: []string{"libb.so", "app"},
			wantFailures: 1,
		},
		"target import failure": {
			failImport:   map[string]bool{"app": true},
			wantImports:  []string{"liba.so", "libb.so", "app"},
			wantFailures: 1,
			wantErr:      errors.New("no target imported: /bin/app: import failed"),
		},
	} {
		t.Run(n, func(t *testing.T) {
			f := newFixture(t, appFiles)
			f.service.failImport = c.failImport

			c.opts.Targets = []string{"/bin/app"}
			p := f.process(c.opts)
			err := p.Run(context.Background())

			if c.wantErr == nil && err != nil {
				t.Fatalf(`Process.Run: unexpected error: %s`, err)
			}
			if c.wantErr != nil && err == nil {
				t.Fatalf(`Process.Run: expected error, got nil`)
			}

			if diff := cmp.Diff(c.wantImports, f.service.imports); diff != "" {
				t.Errorf(`Process.Run: unexpected imports (-want +got):\n%s`, diff)
			}
			if diff := cmp.Diff(c.wantAnalyzed, p.Analyzed, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf(`Process.Run: unexpected analyses (-want +got):\n%s`, diff)
			}
			if len(p.Failures) != c.wantFailures {
				t.Errorf(`Process.Run: wanted %d failures, got %v`, c.wantFailures, p.Failures)
			}
		})
	}
}

func TestProcess_Run_Targets(t *testing.T) {
	type testcase struct {
		files         map[string]testingx.ELF
		links         map[string]string
		targets       []string
		ignoreMissing bool
		want          []string
		wantErr       error
	}

	for n, c := range map[string]testcase{
		"glob": {
			files: map[string]testingx.ELF{
				"/bin/app":  {},
				"/bin/tool": {},
				"/lib/liba": {},
			},
			targets: []string{"/bin/*"},
			want:    []string{"/bin/app", "/bin/tool"},
		},
		"relative to sysroot": {
			files:   map[string]testingx.ELF{"/bin/app": {}},
			targets: []string{"./bin/app"},
			want:    []string{"/bin/app"},
		},
		"symlinks resolved within sysroot": {
			files: map[string]testingx.ELF{"/usr/bin/app": {}},
			links: map[string]string{
				"/bin/app":  "/usr/bin/app",
				"/bin/app2": "app",
			},
			targets: []string{"/bin/app", "/bin/app2", "/usr/bin/app"},
			want:    []string{"/usr/bin/app"},
		},
		"missing": {
			files:   map[string]testingx.ELF{"/bin/app": {}},
			targets: []string{"/bin/app", "/bin/missing"},
			wantErr: ErrNoInput,
		},
		"missing ignored": {
			files:         map[string]testingx.ELF{"/bin/app": {}},
			targets:       []string{"/bin/missing", "/bin/app"},
			ignoreMissing: true,
			want:          []string{"/bin/app"},
		},
		"dangling link": {
			files:         map[string]testingx.ELF{"/bin/app": {}},
			links:         map[string]string{"/bin/broken": "/nowhere"},
			targets:       []string{"/bin/*"},
			ignoreMissing: true,
			want:          []string{"/bin/app"},
		},
		"nothing left": {
			targets:       []string{"/bin/missing"},
			ignoreMissing: true,
			wantErr:       ErrNoInput,
		},
		"directory": {
			files:   map[string]testingx.ELF{"/bin/app": {}},
			targets: []string{"/bin"},
			wantErr: ErrNoInput,
		},
	} {
		t.Run(n, func(t *testing.T) {
			f := newFixture(t, c.files)
			for link, target := range c.links {
				testingx.Symlink(t, target, f.root.Host(link))
			}

			p := f.process(Options{Targets: c.targets, IgnoreMissing: c.ignoreMissing})
			err := p.Run(context.Background())
			if !errors.Is(err, c.wantErr) {
				t.Fatalf(`Process.Run: wanted error %v, got %v`, c.wantErr, err)
			}
			if c.wantErr != nil {
				return
			}

			var got []string
			for _, path := range p.Targets {
				guest, _ := f.root.Guest(path)
				got = append(got, guest)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf(`Process.Run: unexpected targets (-want +got):\n%s`, diff)
			}
		})
	}
}

func TestProcess_Run_UnparseableTarget(t *testing.T) {
	f := newFixture(t, nil)
	testingx.WriteFile(t, f.root.Host("/bin/script"), []byte("#!/bin/sh\n"))

	p := f.process(Options{Targets: []string{"/bin/script"}})
	err := p.Run(context.Background())
	if !errors.Is(err, ErrNoInput) {
		t.Fatalf(`Process.Run: wanted ErrNoInput, got %v`, err)
	}
	if len(p.Closure.Skipped) != 1 {
		t.Errorf(`Process.Run: wanted the target to be skipped, got %v`, p.Closure.Skipped)
	}
}

func TestProcess_Run_ExistingProject(t *testing.T) {
	f := newFixture(t, appFiles)
	testingx.WriteFile(t, f.layout.ProjectFile(), nil)
	testingx.WriteFile(t, filepath.Join(f.layout.LibDir(), "libold.so"), []byte("old"))
	testingx.WriteFile(t, filepath.Join(f.layout.BinDir(), "old"), []byte("old"))

	err := f.process(Options{Targets: []string{"/bin/app"}}).Run(context.Background())
	if !errors.Is(err, ErrProjectExists) {
		t.Fatalf(`Process.Run: wanted ErrProjectExists, got %v`, err)
	}
	if len(f.service.imports) != 0 {
		t.Errorf(`Process.Run: unexpected imports %v`, f.service.imports)
	}

	p := f.process(Options{Targets: []string{"/bin/app"}, ForceImport: true, RemoveExistingBinaries: true})
	err = p.Run(context.Background())
	if err != nil {
		t.Fatalf(`Process.Run: unexpected error: %s`, err)
	}
	want := []string{
		filepath.Join(f.layout.LibDir(), "libold.so"),
		filepath.Join(f.layout.BinDir(), "old"),
	}
	if diff := cmp.Diff(want, p.Removed); diff != "" {
		t.Errorf(`Process.Run: unexpected removals (-want +got):\n%s`, diff)
	}

	marker := filepath.Join(f.layout.Dir, "marker")
	testingx.WriteFile(t, marker, nil)
	err = f.process(Options{Targets: []string{"/bin/app"}, ForceRemove: true}).Run(context.Background())
	if err != nil {
		t.Fatalf(`Process.Run: unexpected error: %s`, err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf(`Process.Run: expected the project to be removed, got %v`, err)
	}
}

func TestProcess_Run_Retry(t *testing.T) {
	f := newFixture(t, appFiles)
	f.service.functions = []ghidra.Function{
		{Name: "main", Entry: "00101000", Signature: "int main(void)", Code: "int main(void) {}"},
	}
	f.sink.err = errors.New("disk full")

	p := f.process(Options{Targets: []string{"/bin/app"}, Decompile: true, ForceImport: true})
	err := p.Run(context.Background())
	if err == nil {
		t.Fatalf(`Process.Run: expected error, got nil`)
	}
	if p.Closure == nil {
		t.Fatalf(`Process.Run: expected the closure to be kept`)
	}
	parses := f.reader.count

	f.sink.err = nil
	err = p.Run(context.Background())
	if err != nil {
		t.Fatalf(`Process.Run: unexpected error: %s`, err)
	}
	if f.reader.count != parses {
		t.Errorf(`Process.Run: wanted the closure to be reused, got %d more parses`, f.reader.count-parses)
	}
}

func TestProcess_Run_RetryFewerTargets(t *testing.T) {
	files := map[string]testingx.ELF{"/bin/tool": {Needed: []string{"libb.so"}}}
	for k, v := range appFiles {
		files[k] = v
	}
	f := newFixture(t, files)
	f.service.functions = []ghidra.Function{
		{Name: "main", Entry: "00101000", Signature: "int main(void)", Code: "int main(void) {}"},
	}
	f.sink.err = errors.New("disk full")

	p := f.process(Options{Targets: []string{"/bin/app", "/bin/tool"}, Decompile: true, ForceImport: true})
	err := p.Run(context.Background())
	if err == nil {
		t.Fatalf(`Process.Run: expected error, got nil`)
	}

	f.sink.err = nil
	p.Options.Targets = []string{"/bin/app"}
	err = p.Run(context.Background())
	if err != nil {
		t.Fatalf(`Process.Run: unexpected error: %s`, err)
	}

	if diff := cmp.Diff([]string{f.root.Host("/bin/app")}, p.Targets); diff != "" {
		t.Errorf(`Process.Run: unexpected targets (-want +got):\n%s`, diff)
	}
	if len(p.Closure.Targets) != 1 {
		t.Errorf(`Process.Run: wanted the closure rebuilt for 1 target, got %d`, len(p.Closure.Targets))
	}
	if _, ok := p.Exports[f.root.Host("/bin/tool")]; ok {
		t.Errorf(`Process.Run: unexpected export of a target that wasn't requested`)
	}
}

func TestSameTargets(t *testing.T) {
	type testcase struct {
		a, b []string
		want bool
	}

	for n, c := range map[string]testcase{
		"equal":      {a: []string{"/a", "/b"}, b: []string{"/b", "/a"}, want: true},
		"duplicates": {a: []string{"/a", "/a"}, b: []string{"/a"}, want: true},
		"subset":     {a: []string{"/a", "/b"}, b: []string{"/a"}, want: false},
		"superset":   {a: []string{"/a"}, b: []string{"/a", "/b"}, want: false},
		"empty":      {want: true},
	} {
		t.Run(n, func(t *testing.T) {
			if got := sameTargets(c.a, c.b); got != c.want {
				t.Errorf(`sameTargets(%v, %v): wanted %t, got %t`, c.a, c.b, c.want, got)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	for n, c := range map[string]struct {
		err  error
		want int
	}{
		"ok":          {nil, ExitOK},
		"no input":    {fmt.Errorf("target: %w", ErrNoInput), ExitNoInput},
		"exists":      {fmt.Errorf("project: %w", ErrProjectExists), ExitCantCreate},
		"unresolved":  {ErrUnresolved, ExitDataErr},
		"unavailable": {ghidra.Failure{Path: "app", Err: ghidra.ErrUnavailable}, ExitUnavailable},
		"canceled":    {context.Canceled, ExitFailure},
		"io":          {&os.PathError{Op: "open", Path: "/x", Err: os.ErrPermission}, ExitIOErr},
		"other":       {errors.New("boom"), ExitSoftware},
	} {
		t.Run(n, func(t *testing.T) {
			if got := ExitCode(c.err); got != c.want {
				t.Errorf(`ExitCode(%v): wanted %d, got %d`, c.err, c.want, got)
			}
		})
	}
}
