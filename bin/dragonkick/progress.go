package main

import (
	"os"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/wreckinglabs/dragonkick/pkg/kick"
)

// progress reports the pipeline steps, as bars on a terminal or as log
// lines otherwise.
type progress interface {
	kick.Progress
	// Wait for the bars to be rendered.
	Wait()
}

func newProgress(terminal bool, log log15.Logger) progress {
	if !terminal {
		return &logProgress{log: log}
	}
	return &barProgress{
		container: mpb.New(mpb.WithOutput(os.Stderr), mpb.WithWidth(40)),
	}
}

type barProgress struct {
	container *mpb.Progress

	mu   sync.Mutex
	bar  *mpb.Bar
	item string
}

func (p *barProgress) Begin(step string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.item = ""
	p.bar = p.container.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(step, decor.WCSyncSpaceR),
			decor.CountersNoUnit("%d/%d", decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace),
			decor.Any(func(decor.Statistics) string {
				p.mu.Lock()
				defer p.mu.Unlock()
				return p.item
			}, decor.WCSyncSpaceR),
		),
	)
}

func (p *barProgress) Advance(item string) {
	p.mu.Lock()
	p.item = item
	bar := p.bar
	p.mu.Unlock()

	if bar != nil {
		bar.Increment()
	}
}

func (p *barProgress) End() {
	p.mu.Lock()
	bar := p.bar
	p.bar = nil
	p.item = ""
	p.mu.Unlock()

	if bar == nil {
		return
	}
	// Steps may end early, on failures or cancellation.
	bar.SetTotal(-1, true)
	bar.Wait()
}

func (p *barProgress) Wait() {
	p.container.Wait()
}

type logProgress struct {
	log   log15.Logger
	step  string
	total int
	done  int
}

func (p *logProgress) Begin(step string, total int) {
	p.step, p.total, p.done = step, total, 0
	p.log.Info(step, "total", total)
}

func (p *logProgress) Advance(item string) {
	p.done++
	p.log.Debug(p.step, "item", item, "done", p.done, "total", p.total)
}

func (p *logProgress) End() {
	p.log.Debug(p.step+" done", "done", p.done, "total", p.total)
}

func (p *logProgress) Wait() {}
