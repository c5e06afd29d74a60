package torrent

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/anacrolix/torrent/metainfo"
)

// Engine drives the torrents added to it from a single main loop. Ticks run on a timer, or only
// through Tick when EngineConfig.NoTicker is set.
type Engine struct {
	config   *EngineConfig
	logger   log.Logger
	loop     *mainLoop
	metrics  *engineMetrics
	tracer   trace.Tracer
	torrents map[metainfo.Hash]*Torrent
	counter  int
	closed   chansync.SetOnce
}

func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		cfg = NewDefaultEngineConfig()
	}
	cfg.setDefaults()
	e := &Engine{
		config:   cfg,
		logger:   cfg.Logger.WithNames("engine"),
		metrics:  newEngineMetrics(),
		tracer:   cfg.TracerProvider.Tracer("github.com/peerforge/torrent"),
		torrents: make(map[metainfo.Hash]*Torrent),
	}
	if cfg.Registerer != nil {
		if err := e.metrics.register(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	e.loop = newMainLoop()
	if !cfg.NoTicker {
		e.loop.QueueTimeout(cfg.TickInterval, func() bool {
			if e.closed.IsSet() {
				return false
			}
			e.tick()
			return true
		})
	}
	return e, nil
}

// AddTorrent registers a torrent in the Stopped state. Stored resume data for it is applied if it
// matches.
func (e *Engine) AddTorrent(spec *TorrentSpec) (t *Torrent, err error) {
	err = e.loop.QueueWait(func() error {
		if _, ok := e.torrents[spec.InfoHash]; ok {
			return ErrTorrentExists
		}
		t = newTorrent(e, spec)
		if spec.InfoBytes != nil {
			if err := t.setInfoBytes(spec.InfoBytes); err != nil {
				t.cancel()
				return err
			}
			t.restoreResumeData()
		}
		e.torrents[spec.InfoHash] = t
		t.logger.Levelf(log.Debug, "added")
		return nil
	})
	if err != nil {
		t = nil
	}
	return
}

func (e *Engine) Torrent(ih metainfo.Hash) (t *Torrent, ok bool) {
	e.loop.QueueWait(func() error {
		t, ok = e.torrents[ih]
		return nil
	})
	return
}

// Torrents in no particular order.
func (e *Engine) Torrents() (ret []*Torrent) {
	e.loop.QueueWait(func() error {
		ret = slices.Collect(maps.Values(e.torrents))
		return nil
	})
	return
}

// RemoveTorrent stops the torrent and forgets it. Its data and resume data are kept.
func (e *Engine) RemoveTorrent(ih metainfo.Hash) error {
	return e.loop.QueueWait(func() error {
		t, ok := e.torrents[ih]
		if !ok {
			return ErrUnknownTorrent
		}
		if err := t.stop(); err != nil {
			return err
		}
		t.close()
		delete(e.torrents, ih)
		return nil
	})
}

// Tick runs one round of scheduling for every torrent.
func (e *Engine) Tick() error {
	return e.loop.QueueWait(func() error {
		e.tick()
		return nil
	})
}

func (e *Engine) tick() {
	e.counter++
	e.metrics.ticks.Inc()
	now := e.config.Now()
	download := budgetFor(e.config.DownloadRateLimiter, now)
	upload := budgetFor(e.config.UploadRateLimiter, now)
	for _, t := range e.torrents {
		t.tick(e.counter, &download, &upload)
	}
	consumeBudget(e.config.DownloadRateLimiter, now, download)
	consumeBudget(e.config.UploadRateLimiter, now, upload)
}

// The tokens available when the tick starts.
func budgetFor(l *rate.Limiter, now time.Time) byteBudget {
	if l.Limit() == rate.Inf {
		return byteBudget{}
	}
	return byteBudget{
		limited:   true,
		remaining: int64(l.TokensAt(now)),
	}
}

func consumeBudget(l *rate.Limiter, now time.Time, b byteBudget) {
	if !b.limited || b.spent == 0 {
		return
	}
	l.ReserveN(now, int(min(b.spent, int64(l.Burst()))))
}

// Close saves resume data, drops every torrent and stops the main loop.
func (e *Engine) Close() error {
	if e.closed.IsSet() {
		return nil
	}
	err := e.loop.QueueWait(func() error {
		e.closed.Set()
		for ih, t := range e.torrents {
			t.close()
			delete(e.torrents, ih)
		}
		return nil
	})
	e.loop.Close()
	return err
}
