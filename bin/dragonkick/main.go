package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/inconshreveable/log15"
	"github.com/mattn/go-isatty"

	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/conf"
	"github.com/wreckinglabs/dragonkick/pkg/export"
	"github.com/wreckinglabs/dragonkick/pkg/ghidra"
	"github.com/wreckinglabs/dragonkick/pkg/kick"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
	"github.com/wreckinglabs/dragonkick/pkg/project"
)

var Version = "N/C"

func main() {
	var c command
	c.configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	os.Exit(c.run(ctx))
}

type command struct {
	opts kick.Options

	projectName string
	projectDir  string
	sysroot     string
	cache       string
	ldconf      string
	overrides   []string
	interpreter bool
	matchClass  bool
	workers     int

	ghidraDir    string
	commands     ghidra.Commands
	authorName   string
	authorEmail  string
	signKey      string
	verbose      bool
	printVersion bool

	logger   log15.Logger
	terminal bool
}

// configure reads the command line and configuration file. Most options
// have a short alias.
func (c *command) configure() {
	fs := flag.NewFlagSet("dragonkick-"+Version, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of dragonkick: dragonkick [options] -n <name> <target>...")
		fmt.Fprintln(fs.Output(), "Kickstart analysis projects of binaries and their dependencies.")
		fs.PrintDefaults()
	}

	boolVar := func(p *bool, long, short, usage string) {
		fs.BoolVar(p, long, false, usage)
		if len(short) != 0 {
			fs.BoolVar(p, short, false, "alias of -"+long)
		}
	}
	stringVar := func(p *string, long, short, value, usage string) {
		fs.StringVar(p, long, value, usage)
		if len(short) != 0 {
			fs.StringVar(p, short, value, "alias of -"+long)
		}
	}

	// Project options.
	boolVar(&c.opts.CopyToProject, "copy-to-project", "c", "copy original targets/dependencies into the project tree")
	boolVar(&c.opts.ForceRemove, "force-remove", "F", "remove the existing project before proceeding")
	boolVar(&c.opts.ForceImport, "force-import", "f", "force re-import when the project already exists")
	stringVar(&c.projectName, "project-name", "n", "", "project name (required)")
	stringVar(&c.projectDir, "project-dir", "o", "", "project output directory, defaults to the project name")
	boolVar(&c.opts.RemoveExistingBinaries, "remove-existing-binaries", "r", "remove the previously copied targets/dependencies from the project tree")
	boolVar(&c.opts.StartTool, "start-ghidra", "s", "open project in Ghidra after kickstart")
	boolVar(&c.opts.Zip, "zip-project", "z", "create a zip archive of the project tree")

	// Analysis options.
	boolVar(&c.opts.SkipDependencyImport, "skip-dependency-import", "", "skip importing shared object dependencies into project")
	boolVar(&c.opts.SkipTargetAnalysis, "skip-target-analysis", "", "skip auto-analyzing the targets")
	boolVar(&c.opts.DependencyAnalysis, "do-dependency-analysis", "a", "perform shared object dependencies analysis")
	boolVar(&c.opts.Decompile, "do-target-decompilation", "d", "decompile and export functions code under project tree")
	fs.StringVar(&c.commands.Import, "import-cmd", ghidra.DefaultCommands.Import, "command template importing a file")
	fs.StringVar(&c.commands.Analyze, "analyze-cmd", ghidra.DefaultCommands.Analyze, "command template analyzing a program")
	fs.StringVar(&c.commands.Decompile, "decompile-cmd", ghidra.DefaultCommands.Decompile, "command template decompiling a program")
	fs.StringVar(&c.commands.Start, "start-cmd", ghidra.DefaultCommands.Start, "command template opening a project")

	// Export options.
	fs.StringVar(&c.authorName, "author-name", "dragonkick", "author of the export commits")
	fs.StringVar(&c.authorEmail, "author-email", "dragonkick@localhost", "email of the author of the export commits")
	fs.StringVar(&c.signKey, "sign-key", "", "armored private key signing the export commits, its passphrase is read from DRAGONKICK_SIGN_PASSPHRASE")

	// Path options.
	boolVar(&c.opts.IgnoreMissing, "ignore-missing", "I", "ignore missing target files")
	stringVar(&c.sysroot, "sysroot", "R", "/", "search for all targets/dependencies under SYSROOT")
	ghidraDir := os.Getenv("GHIDRA_INSTALL_DIR")
	if len(ghidraDir) == 0 {
		ghidraDir = "/opt/ghidra"
	}
	stringVar(&c.ghidraDir, "ghidra-install-dir", "G", ghidraDir, "Ghidra installation directory")
	fs.StringVar(&c.cache, "cache", "/etc/ld.so.cache", "path of the library cache, inside the sysroot")
	fs.StringVar(&c.ldconf, "ldconf", "/etc/ld.so.conf", "path of the dynamic linker configuration, inside the sysroot")
	fs.Var(conf.ListFlag(&c.overrides), "L", "colon-separated directories searched like LD_LIBRARY_PATH, can be repeated")
	fs.BoolVar(&c.interpreter, "interpreter", false, "import the program interpreter too")
	fs.BoolVar(&c.matchClass, "match-class", true, "skip libraries of another class or machine than their requester")
	fs.IntVar(&c.workers, "workers", 0, "number of concurrent resolutions, 0 for the number of CPUs")

	boolVar(&c.verbose, "verbose", "v", "print verbose information messages")
	boolVar(&c.printVersion, "version", "V", "print the version of dragonkick")
	fs.String("conf", "/etc/dragonkick/dragonkick.conf", "configuration file to load")
	conf.Parse(fs, "conf")

	if c.printVersion {
		fmt.Println("dragonkick", Version)
		os.Exit(0)
	}

	c.terminal = isatty.IsTerminal(os.Stderr.Fd())
	c.logger = newLogger(c.verbose, c.terminal)

	if len(c.projectName) == 0 || fs.NArg() == 0 {
		fs.Usage()
		os.Exit(kick.ExitUsage)
	}
	c.opts.Targets = fs.Args()
	c.opts.Layout = project.New(c.projectDir, c.projectName)
}

// run the pipeline and returns the exit code.
func (c *command) run(ctx context.Context) int {
	p, err := c.process()
	if err != nil {
		printError(os.Stderr, err)
		return kick.ExitCode(err)
	}

	progress := newProgress(c.terminal, c.logger)
	p.Progress = progress
	err = p.Run(ctx)
	progress.Wait()

	printSummary(os.Stdout, p)
	if err != nil {
		printError(os.Stderr, err)
		return kick.ExitCode(err)
	}
	return kick.ExitOK
}

// process wires the pipeline.
func (c *command) process() (*kick.Process, error) {
	root, err := ldso.NewRoot(c.sysroot)
	if err != nil {
		return nil, fmt.Errorf("sysroot: %w (%s)", kick.ErrNoInput, err)
	}
	c.logger.Info("using sysroot", "path", root.Host("/"))

	cache, err := ldso.LoadCache(root, c.cache, c.ldconf)
	if err != nil {
		c.logger.Warn("ignoring library cache", "err", err)
	}

	service, err := ghidra.NewHeadless(c.ghidraDir, c.commands)
	if err != nil {
		return nil, err
	}
	service.Log = c.logger.New("component", "ghidra")

	version, err := service.Version()
	if err != nil {
		return nil, err
	}
	c.logger.Info("using Ghidra", "version", version, "dir", c.ghidraDir)

	sink := &export.GitSink{
		Name:  c.authorName,
		Email: c.authorEmail,
		Log:   c.logger.New("component", "export"),
	}
	if len(c.signKey) != 0 {
		sink.SignKey, err = export.ReadSignKey(c.signKey, []byte(os.Getenv("DRAGONKICK_SIGN_PASSPHRASE")))
		if err != nil {
			return nil, err
		}
	}

	return &kick.Process{
		Options: c.opts,
		Root:    root,
		Builder: &closure.Builder{
			Resolver: &ldso.Resolver{
				Root:       root,
				Overrides:  c.overrides,
				Cache:      cache,
				MatchClass: c.matchClass,
				Log:        c.logger.New("component", "resolver"),
			},
			Workers:     c.workers,
			Interpreter: c.interpreter,
			Log:         c.logger.New("component", "closure"),
		},
		Service: service,
		Sink:    sink,
		Log:     c.logger,
	}, nil
}

// newLogger returns a logger writing to the standard error, using the
// terminal format when it is a terminal.
func newLogger(verbose, terminal bool) log15.Logger {
	format := log15.LogfmtFormat()
	if terminal {
		format = log15.TerminalFormat()
	}

	lvl := log15.LvlInfo
	if verbose {
		lvl = log15.LvlDebug
	}

	logger := log15.New()
	logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, format)))
	return logger
}
