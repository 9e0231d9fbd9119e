package ghidra

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/inconshreveable/log15"
	"github.com/kballard/go-shellquote"

	"github.com/wreckinglabs/dragonkick/pkg/project"
)

//go:embed decompile.py
var decompileScript []byte

// ScriptName is the name of the decompilation post-script.
const ScriptName = "dragonkick_decompile.py"

// Commands are the templates of the commands run by Headless. They are
// rendered with text/template then split using shell quoting rules. The
// quote function quotes its arguments for the shell.
//
// Every template can use .Headless, .Run, .InstallDir and .Project. Import
// adds .Path and .Analyze, Analyze adds .Program, Decompile adds .Program,
// .ScriptDir, .Script and .Output. The decompile command must write the
// functions as JSON lines into .Output.
type Commands struct {
	Import    string
	Analyze   string
	Decompile string
	Start     string
}

// DefaultCommands use the headless analyzer shipped with the tool.
var DefaultCommands = Commands{
	Import:    `{{ quote .Headless }} {{ quote .Project.Location }} {{ quote .Project.Name }} -import {{ quote .Path }} -overwrite{{ if not .Analyze }} -noanalysis{{ end }}`,
	Analyze:   `{{ quote .Headless }} {{ quote .Project.Location }} {{ quote .Project.Name }} -process {{ quote .Program }}`,
	Decompile: `{{ quote .Headless }} {{ quote .Project.Location }} {{ quote .Project.Name }} -process {{ quote .Program }} -noanalysis -readOnly -scriptPath {{ quote .ScriptDir }} -postScript {{ quote .Script }} {{ quote .Output }}`,
	Start:     `{{ quote .Run }} {{ quote .Project.File }}`,
}

type commandData struct {
	Headless   string
	Run        string
	InstallDir string
	Project    Project

	Path    string
	Analyze bool
	Program string

	ScriptDir string
	Script    string
	Output    string
}

// Headless implements Service by running the analysis tool's commands.
type Headless struct {
	InstallDir string
	// ScriptDir receives the decompilation post-script.
	ScriptDir string
	Log       log15.Logger

	importCmd    *template.Template
	analyzeCmd   *template.Template
	decompileCmd *template.Template
	startCmd     *template.Template
}

// compile-time check that Headless actually implements the Service
// interface.
var _ Service = new(Headless)

// NewHeadless returns a service using the tool installed in installDir.
func NewHeadless(installDir string, commands Commands) (*Headless, error) {
	info, err := os.Stat(installDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q is not a directory", ErrUnavailable, installDir)
	}

	h := &Headless{
		InstallDir: installDir,
		ScriptDir:  filepath.Join(os.TempDir(), "dragonkick-scripts"),
	}

	funcs := template.FuncMap{
		"quote": func(args ...string) string {
			return shellquote.Join(args...)
		},
	}
	for _, t := range []struct {
		name string
		raw  string
		dst  **template.Template
	}{
		{"import", commands.Import, &h.importCmd},
		{"analyze", commands.Analyze, &h.analyzeCmd},
		{"decompile", commands.Decompile, &h.decompileCmd},
		{"start", commands.Start, &h.startCmd},
	} {
		*t.dst, err = template.New(t.name).Funcs(funcs).Option("missingkey=error").Parse(t.raw)
		if err != nil {
			return nil, wrap(err, "parsing %s command", t.name)
		}
	}

	return h, nil
}

// Version reads the version of the installed tool.
func (h *Headless) Version() (string, error) {
	f, err := os.Open(filepath.Join(h.InstallDir, "Ghidra", "application.properties"))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), "=")
		if ok && strings.TrimSpace(key) == "application.version" {
			return strings.TrimSpace(val), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", wrap(err, "reading application properties")
	}
	return "", errors.New("no application.version in application properties")
}

// CreateOrOpen implements Service. The project itself is created by the
// first import.
func (h *Headless) CreateOrOpen(ctx context.Context, layout project.Layout) (Project, error) {
	p := Project{
		Location: layout.ProjectDir(),
		Name:     layout.Name,
		File:     layout.ProjectFile(),
	}

	_, err := os.Stat(p.File)
	p.Existed = err == nil

	err = os.MkdirAll(p.Location, 0755)
	if err != nil {
		return p, wrap(err, "creating project directory")
	}

	h.logger().Debug("project ready", "file", p.File, "existed", p.Existed)
	return p, nil
}

// Import implements Service, running one import per file.
func (h *Headless) Import(ctx context.Context, p Project, paths []string, analyze bool) ImportResult {
	var res ImportResult
	for _, path := range paths {
		err := h.run(ctx, h.importCmd, commandData{Project: p, Path: path, Analyze: analyze})
		if err != nil {
			h.logger().Warn("import failed", "path", path, "err", err)
			res.Failures = append(res.Failures, Failure{Path: path, Err: err})
			continue
		}
		res.Programs = append(res.Programs, ProgramName(path))
	}
	return res
}

// Analyze implements Service, running one analysis per program.
func (h *Headless) Analyze(ctx context.Context, p Project, programs []string) AnalysisResult {
	var res AnalysisResult
	for _, program := range programs {
		err := h.run(ctx, h.analyzeCmd, commandData{Project: p, Program: program})
		if err != nil {
			h.logger().Warn("analysis failed", "program", program, "err", err)
			res.Failures = append(res.Failures, Failure{Path: program, Err: err})
			continue
		}
		res.Analyzed = append(res.Analyzed, program)
	}
	return res
}

// DecompileAll implements Service.
func (h *Headless) DecompileAll(ctx context.Context, p Project, program string) ([]Function, error) {
	err := os.MkdirAll(h.ScriptDir, 0755)
	if err != nil {
		return nil, wrap(err, "creating script directory")
	}

	err = os.WriteFile(filepath.Join(h.ScriptDir, ScriptName), decompileScript, 0644)
	if err != nil {
		return nil, wrap(err, "writing decompilation script")
	}

	out, err := os.CreateTemp("", "dragonkick-*.jsonl")
	if err != nil {
		return nil, wrap(err, "creating decompilation output")
	}
	out.Close()
	defer os.Remove(out.Name())

	err = h.run(ctx, h.decompileCmd, commandData{
		Project:   p,
		Program:   program,
		ScriptDir: h.ScriptDir,
		Script:    ScriptName,
		Output:    out.Name(),
	})
	if err != nil {
		return nil, wrap(err, "decompiling %q", program)
	}

	f, err := os.Open(out.Name())
	if err != nil {
		return nil, wrap(err, "opening decompilation output")
	}
	defer f.Close()

	return decodeFunctions(f)
}

// Start opens the project in the tool's user interface and waits for it to
// exit.
func (h *Headless) Start(ctx context.Context, p Project) error {
	return h.run(ctx, h.startCmd, commandData{Project: p})
}

func decodeFunctions(r io.Reader) ([]Function, error) {
	var functions []Function
	dec := json.NewDecoder(r)
	for {
		var f Function
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			return functions, nil
		}
		if err != nil {
			return functions, wrap(err, "decoding function %d", len(functions))
		}
		functions = append(functions, f)
	}
}

// command renders the command template into its arguments.
func (h *Headless) command(tmpl *template.Template, data commandData) ([]string, error) {
	data.Headless = filepath.Join(h.InstallDir, "support", "analyzeHeadless")
	data.Run = filepath.Join(h.InstallDir, "ghidraRun")
	data.InstallDir = h.InstallDir

	var buf strings.Builder
	err := tmpl.Execute(&buf, data)
	if err != nil {
		return nil, wrap(err, "rendering %s command", tmpl.Name())
	}

	args, err := shellquote.Split(buf.String())
	if err != nil {
		return nil, wrap(err, "splitting %s command", tmpl.Name())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty %s command", tmpl.Name())
	}
	return args, nil
}

func (h *Headless) run(ctx context.Context, tmpl *template.Template, data commandData) error {
	args, err := h.command(tmpl, data)
	if err != nil {
		return err
	}

	log := h.logger().New("cmd", tmpl.Name())
	log.Debug("running command", "args", strings.Join(args, " "))

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "GHIDRA_INSTALL_DIR="+h.InstallDir)
	cmd.Stdout = &output
	cmd.Stderr = &output
	err = cmd.Run()
	if output.Len() != 0 {
		log.Debug("command output", "output", output.String())
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("running %s: %w%s", filepath.Base(args[0]), err, lastLine(output.String()))
	}
	return nil
}

// lastLine returns the last non-empty line of the output, prefixed for
// inclusion in an error message.
func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 {
		return ""
	}
	return ": " + last
}

func (h *Headless) logger() log15.Logger {
	if h.Log == nil {
		return discard
	}
	return h.Log
}

var discard = func() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}()

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
