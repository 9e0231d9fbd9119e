package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/inconshreveable/log15"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/conf"
	"github.com/wreckinglabs/dragonkick/pkg/kick"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

var Version = "N/C"

func main() {
	var c command
	c.configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := c.run(ctx, os.Stdout)
	if err != nil {
		if !errors.Is(err, kick.ErrUnresolved) {
			c.logger.Crit("resolving dependencies", "err", err)
		}
		os.Exit(kick.ExitCode(err))
	}
}

type command struct {
	sysroot      string
	cache        string
	ldconf       string
	overrides    []string
	format       string
	strict       bool
	metrics      string
	interpreter  bool
	matchClass   bool
	workers      int
	verbose      bool
	printVersion bool
	targets      []string

	logger log15.Logger
}

// configure reads the command line and configuration file.
func (c *command) configure() {
	fs := flag.NewFlagSet("ldd-"+Version, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of ldd: ldd [options] <binary>...")
		fs.PrintDefaults()
	}
	fs.StringVar(&c.sysroot, "sysroot", "/", "directory used as root for every lookup")
	fs.StringVar(&c.cache, "cache", "/etc/ld.so.cache", "path of the library cache, inside the sysroot")
	fs.StringVar(&c.ldconf, "ldconf", "/etc/ld.so.conf", "path of the dynamic linker configuration, inside the sysroot")
	fs.Var(conf.ListFlag(&c.overrides), "L", "colon-separated directories searched like LD_LIBRARY_PATH, can be repeated")
	fs.StringVar(&c.format, "format", "text", "output format: text, tree, json or yaml")
	fs.BoolVar(&c.strict, "strict", false, "exit with an error if a dependency can't be resolved")
	fs.StringVar(&c.metrics, "metrics", "", "path of a file to write the prometheus metrics into")
	fs.BoolVar(&c.interpreter, "interpreter", false, "include the program interpreter")
	fs.BoolVar(&c.matchClass, "match-class", true, "skip libraries of another class or machine than their requester")
	fs.IntVar(&c.workers, "workers", 0, "number of concurrent resolutions, 0 for the number of CPUs")
	fs.BoolVar(&c.verbose, "v", false, "print debug messages")
	fs.BoolVar(&c.printVersion, "version", false, "print the version of ldd")
	fs.String("conf", "/etc/dragonkick/ldd.conf", "configuration file to load")
	conf.Parse(fs, "conf")

	if c.printVersion {
		fmt.Println("ldd", Version)
		os.Exit(0)
	}

	c.logger = newLogger(c.verbose)

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(kick.ExitUsage)
	}
	c.targets = fs.Args()

	switch c.format {
	case "text", "tree", "json", "yaml":
	default:
		fmt.Fprintf(fs.Output(), "invalid format %q\n", c.format)
		fs.Usage()
		os.Exit(kick.ExitUsage)
	}
}

func (c *command) run(ctx context.Context, w io.Writer) error {
	root, err := ldso.NewRoot(c.sysroot)
	if err != nil {
		return fmt.Errorf("%w: %s", kick.ErrNoInput, err)
	}

	cache, err := ldso.LoadCache(root, c.cache, c.ldconf)
	if err != nil {
		c.logger.Warn("ignoring library cache", "err", err)
	}
	c.logger.Debug("loaded library cache", "entries", cache.Len(), "dirs", len(cache.Dirs()))

	builder := &closure.Builder{
		Resolver: &ldso.Resolver{
			Root:       root,
			Overrides:  c.overrides,
			Cache:      cache,
			MatchClass: c.matchClass,
			Log:        c.logger,
		},
		Workers:     c.workers,
		Interpreter: c.interpreter,
		Log:         c.logger,
	}

	var registry *prometheus.Registry
	if len(c.metrics) != 0 {
		registry = prometheus.NewRegistry()
		builder.Metrics = closure.NewMetrics(registry)
	}

	paths := make([]string, 0, len(c.targets))
	for _, t := range c.targets {
		paths = append(paths, hostPath(root, t))
	}

	result, err := builder.BuildFiles(ctx, paths)
	if err != nil {
		return err
	}
	if len(result.Targets) == 0 {
		return fmt.Errorf("no binary to resolve: %w", kick.ErrNoInput)
	}

	err = render(w, c.format, root, result)
	if err != nil {
		return wrap(err, "writing output")
	}

	if registry != nil {
		err = prometheus.WriteToTextfile(c.metrics, registry)
		if err != nil {
			return wrap(err, "writing metrics")
		}
	}

	if c.strict && result.Unresolved() {
		return kick.ErrUnresolved
	}
	return nil
}

// hostPath returns the host path of a target given on the command line:
// relative paths are relative to the current directory without sysroot,
// and to the sysroot otherwise.
func hostPath(root ldso.Root, target string) string {
	if len(root) == 0 {
		return target
	}
	return root.Host(target)
}

// newLogger returns a logger writing to the standard error, using the
// terminal format when it is a terminal.
func newLogger(verbose bool) log15.Logger {
	format := log15.LogfmtFormat()
	if isatty.IsTerminal(os.Stderr.Fd()) {
		format = log15.TerminalFormat()
	}

	lvl := log15.LvlWarn
	if verbose {
		lvl = log15.LvlDebug
	}

	logger := log15.New()
	logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, format)))
	return logger
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
