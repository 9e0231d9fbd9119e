package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/inconshreveable/log15"
	"github.com/julienschmidt/httprouter"
	"github.com/mattn/go-isatty"
	gzip "github.com/phyber/negroni-gzip/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni"

	"github.com/wreckinglabs/dragonkick"
	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/conf"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

var (
	Version = "N/C"
	Commit  = "N/C"
	BuiltAt = "N/C"
)

// main is tasked to bootstrap the service and notify of termination signals.
func main() {
	var s service
	s.configure()

	err := s.init()
	if err != nil {
		s.logger.Crit("initializing", "err", err)
		os.Exit(1)
	}
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, os.Interrupt)
		<-signals
		cancel()
	}()

	s.run(ctx)
}

type service struct {
	bind           string
	dir            string
	sysroot        string
	cachePath      string
	confPath       string
	overrides      []string
	workers        int
	parseCacheSize datasize.ByteSize
	matchClass     bool
	interpreter    bool
	watch          bool
	verbose        bool
	printVersion   bool

	logger        log15.Logger
	registry      *prometheus.Registry
	received      *prometheus.CounterVec
	reloads       prometheus.Counter
	metrics       *closure.Metrics
	router        *httprouter.Router
	stack         *negroni.Negroni
	index         Index
	store         Store
	reader        *closure.CachedReader
	watcher       *watcher
	cleanupQueue  chan string
	cleanupDone   chan struct{}

	// root and cache are replaced when the library cache changes.
	mu    sync.RWMutex
	root  ldso.Root
	cache *ldso.Cache
}

// configure read and validate the configuration of the service and populate
// the appropriate fields.
func (s *service) configure() {
	fs := flag.NewFlagSet("dragonkickd-"+Version, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of dragonkickd: dragonkickd [options]")
		fs.PrintDefaults()
	}
	fs.StringVar(&s.bind, "bind", "localhost:1106", "address to listen to")
	fs.StringVar(&s.dir, "dir", "/var/lib/dragonkickd/", "path of the directory to store the reports into")
	fs.StringVar(&s.sysroot, "sysroot", "/", "directory used as root for every lookup")
	fs.StringVar(&s.cachePath, "cache", "/etc/ld.so.cache", "path of the library cache, inside the sysroot")
	fs.StringVar(&s.confPath, "ldconf", "/etc/ld.so.conf", "path of the dynamic linker configuration, inside the sysroot")
	fs.Var(conf.ListFlag(&s.overrides), "L", "colon-separated directories searched like LD_LIBRARY_PATH, can be repeated")
	fs.IntVar(&s.workers, "workers", 0, "number of concurrent resolutions per request, 0 for the number of CPUs")
	fs.TextVar(&s.parseCacheSize, "parse-cache-size", 64*datasize.MB, "memory used to cache the parsed binaries")
	fs.BoolVar(&s.matchClass, "match-class", true, "skip libraries of another class or machine than their requester")
	fs.BoolVar(&s.interpreter, "interpreter", false, "include the program interpreter by default")
	fs.BoolVar(&s.watch, "watch", true, "reload the library cache when it changes")
	fs.BoolVar(&s.verbose, "v", false, "print debug messages")
	fs.BoolVar(&s.printVersion, "version", false, "print the version of dragonkickd")
	fs.String("conf", "/etc/dragonkick/dragonkickd.conf", "configuration file to load")
	conf.Parse(fs, "conf")

	if s.printVersion {
		fmt.Println("dragonkickd", Version)
		os.Exit(0)
	}
}

// init does the actual bootstraping of the service, once the configuration is
// read. It encompass any start-up task like ensuring the storage directories
// exist, initializing the index if needed, registering the endpoints, etc.
func (s *service) init() (err error) {
	// Logger
	format := log15.LogfmtFormat()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		format = log15.TerminalFormat()
	}
	lvl := log15.LvlInfo
	if s.verbose {
		lvl = log15.LvlDebug
	}
	s.logger = log15.New()
	s.logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stdout, format)))

	// Sysroot and library cache
	s.root, err = ldso.NewRoot(s.sysroot)
	if err != nil {
		return err
	}
	err = s.reload()
	if err != nil {
		return err
	}

	s.reader, err = closure.NewCachedReader(nil, int64(s.parseCacheSize.Bytes()))
	if err != nil {
		return err
	}

	// Data dir
	s.logger.Debug("creating data directories")
	s.store, err = NewFileStore(s.dir)
	if err != nil {
		return wrap(err, `initializing store`)
	}

	// Fulltext Index
	s.index, err = NewBleveIndex(filepath.Join(s.dir, "index"))
	if err != nil {
		return wrap(err, `initializing index`)
	}

	// Prometheus metrics
	s.logger.Debug("registering metrics")
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector())
	s.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dragonkickd_received_total",
		Help: "number of closure requests received",
	}, []string{"status"})
	s.reloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dragonkickd_cache_reloads_total",
		Help: "number of library cache reloads",
	})
	s.registry.MustRegister(s.received, s.reloads)
	s.metrics = closure.NewMetrics(s.registry)

	// API Routes
	s.logger.Debug("registering routes")
	s.router = httprouter.New()

	s.router.GET("/about", s.about)

	s.router.POST("/closures", s.indexClosure)
	s.router.GET("/closures", s.searchClosures)
	s.router.GET("/closures/:uid", s.getClosure)
	s.router.DELETE("/closures/:uid", s.deleteClosure)

	s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Middleware stack
	s.stack = negroni.New()
	s.stack.Use(negroni.NewRecovery())
	s.stack.Use(negroni.HandlerFunc(s.logRequest))
	s.stack.Use(cors.Default())
	s.stack.Use(gzip.Gzip(gzip.DefaultCompression))
	s.stack.UseHandler(s.router)

	// Cleanup channel and routine.
	s.logger.Debug("starting cleanup queue")
	s.cleanupQueue = make(chan string)
	s.cleanupDone = make(chan struct{})
	go func() {
		defer close(s.cleanupDone)
		for uid := range s.cleanupQueue {
			s.cleanup(uid)
		}
	}()

	// Library cache watcher
	if s.watch {
		s.watcher, err = newWatcher(s.root, s.cachePath, s.confPath, s.logger)
		if err != nil {
			return wrap(err, `watching library cache`)
		}
	}

	return nil
}

// close releases the resources of the service.
func (s *service) close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
	close(s.cleanupQueue)
	<-s.cleanupDone
	s.index.Close()
	s.reader.Close()
}

// run does the actual running of the service until the context is closed.
func (s *service) run(ctx context.Context) {
	if s.watcher != nil {
		go s.watcher.Run(ctx, func() {
			err := s.reload()
			if err != nil {
				s.logger.Error("reloading library cache", "err", err)
				return
			}
			s.reader.Purge()
			s.reloads.Inc()
		})
	}

	server := &http.Server{
		Addr:    s.bind,
		Handler: s.stack,
	}

	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		server.Shutdown(ctx)
	}()

	s.logger.Info("starting", "bind", s.bind, "sysroot", s.root.Host("/"))
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("closing server", "err", err)
	}
	s.logger.Info("stopping")
}

// reload reads the library cache again.
func (s *service) reload() error {
	cache, err := ldso.LoadCache(s.root, s.cachePath, s.confPath)
	if err != nil {
		return wrap(err, `loading library cache`)
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()

	s.logger.Info("loaded library cache", "entries", cache.Len(), "dirs", len(cache.Dirs()))
	return nil
}

// builder returns a closure builder using the current library cache.
func (s *service) builder(overrides []string, interpreter bool) *closure.Builder {
	s.mu.RLock()
	cache := s.cache
	s.mu.RUnlock()

	return &closure.Builder{
		Resolver: &ldso.Resolver{
			Root:       s.root,
			Overrides:  append(append([]string(nil), overrides...), s.overrides...),
			Cache:      cache,
			MatchClass: s.matchClass,
			Log:        s.logger.New("component", "resolver"),
		},
		Reader:      s.reader,
		Workers:     s.workers,
		Interpreter: interpreter || s.interpreter,
		Metrics:     s.metrics,
		Log:         s.logger.New("component", "closure"),
	}
}

// cleanup removes a report from the index and the store.
func (s *service) cleanup(uid string) {
	p := &cleanupProcess{
		index: s.index,
		store: s.store,
		log:   s.logger.New("uid", uid),
		uid:   uid,
	}
	p.cleanIndex()
	p.cleanStore()

	if p.err != nil {
		s.logger.Error("cleaning up", "uid", uid, "err", p.err)
		return
	}
	s.logger.Info("cleaned up", "uid", uid)
}

// logRequest is the logging middleware for the HTTP server.
func (s *service) logRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()

	next(rw, r)

	res := rw.(negroni.ResponseWriter)
	s.logger.Info("request",
		"started_at", start,
		"duration", time.Since(start),
		"method", r.Method,
		"path", r.URL.Path,
		"status", res.Status(),
	)
}

// write a payload and a status to the ResponseWriter.
func write(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	_, _ = w.Write(raw)
}

// write an error and a status to the ResponseWriter.
func writeError(w http.ResponseWriter, status int, err error) {
	write(w, status, dragonkick.Error{Err: err.Error()})
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
