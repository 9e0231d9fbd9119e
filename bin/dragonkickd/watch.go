package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/inconshreveable/log15"

	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// settle is the delay without events before a change is reported, as
// ldconfig writes the cache aside then renames it.
const settle = 200 * time.Millisecond

// watcher reports the changes of the library cache and the dynamic linker
// configuration.
type watcher struct {
	w     *fsnotify.Watcher
	files map[string]bool
	dirs  map[string]bool
	log   log15.Logger
}

func newWatcher(root ldso.Root, cachePath, confPath string, log log15.Logger) (*watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, wrap(err, `creating watcher`)
	}

	res := &watcher{
		w:     w,
		files: make(map[string]bool),
		dirs:  make(map[string]bool),
		log:   log.New("component", "watcher"),
	}

	// Files are replaced rather than written, so their directories are
	// watched instead. Included configuration files usually live in
	// ld.so.conf.d, watched as a whole.
	confDir := root.Host(confPath + ".d")
	for _, path := range []string{root.Host(cachePath), root.Host(confPath)} {
		res.files[path] = true
	}
	res.dirs[confDir] = true

	watched := make(map[string]bool)
	for _, dir := range []string{filepath.Dir(root.Host(cachePath)), filepath.Dir(root.Host(confPath)), confDir} {
		if watched[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			res.log.Debug("not watching missing directory", "dir", dir)
			continue
		}
		err = w.Add(dir)
		if err != nil {
			w.Close()
			return nil, wrap(err, `watching %s`, dir)
		}
		watched[dir] = true
		res.log.Debug("watching", "dir", dir)
	}

	return res, nil
}

// relevant tells if the event concerns one of the watched files.
func (w *watcher) relevant(e fsnotify.Event) bool {
	if e.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(e.Name)
	return w.files[name] || w.dirs[filepath.Dir(name)]
}

// Run calls onChange once the watched files stopped changing, until the
// context is done.
func (w *watcher) Run(ctx context.Context, onChange func()) {
	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case e, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !w.relevant(e) {
				continue
			}
			w.log.Debug("library cache changed", "file", e.Name, "op", e.Op)
			timer.Reset(settle)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.Warn("watching library cache", "err", err)
		case <-timer.C:
			onChange()
		}
	}
}

func (w *watcher) Close() error {
	return w.w.Close()
}
