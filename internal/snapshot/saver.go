package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/adminlive/internal/projector"
)

// Source is a dashboard whose state is persisted. *projector.Dashboard
// implements it.
type Source interface {
	Channel() string
	Revision() uint64
	Snapshot() projector.Snapshot
	Restore(projector.Snapshot)
}

// Config holds saver configuration.
type Config struct {
	Interval    time.Duration // Save interval (default: 30s)
	Concurrency int           // Max concurrent saves (default: 4)
	Timeout     time.Duration // Per-save timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Saver periodically writes dashboard snapshots to a Store.
type Saver struct {
	cfg     Config
	store   Store
	sources []Source
	logger  *slog.Logger

	mu    sync.Mutex
	saved map[string]uint64 // Last persisted revision per channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Saver.
func New(cfg Config, store Store, sources []Source, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Saver{
		cfg:     cfg,
		store:   store,
		sources: sources,
		logger:  logger,
		saved:   make(map[string]uint64),
	}
}

// Restore seeds every source from its stored snapshot and returns how many
// were found. A failed load is logged and leaves that source empty.
func (s *Saver) Restore(ctx context.Context) int {
	restored := 0
	for _, src := range s.sources {
		channel := src.Channel()

		snap, ok, err := s.store.Load(ctx, channel)
		if err != nil {
			s.logger.Warn("failed to load snapshot", "channel", channel, "error", err)
			continue
		}
		if !ok {
			s.logger.Debug("no stored snapshot", "channel", channel)
			continue
		}

		src.Restore(snap)
		s.markSaved(channel, src.Revision())
		restored++

		s.logger.Info("restored snapshot",
			"channel", channel,
			"revision", snap.Revision,
			"updated_at", snap.UpdatedAt,
		)
	}
	return restored
}

// Start begins the save loop.
func (s *Saver) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("snapshot saver started",
		"interval", s.cfg.Interval,
		"dashboards", len(s.sources),
	)

	return nil
}

// Stop ends the loop and writes a final round of snapshots using ctx.
func (s *Saver) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.SaveAll(ctx)
	s.logger.Info("snapshot saver stopped")
	return nil
}

// run is the main save loop.
func (s *Saver) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SaveAll(s.ctx)
		}
	}
}

// SaveAll writes every source whose revision changed since its last save
// and returns the number written.
func (s *Saver) SaveAll(ctx context.Context) int {
	start := time.Now()

	var saved, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, src := range s.sources {
		src := src // per-iteration copy; go directive predates Go 1.22 loopvar semantics
		channel := src.Channel()
		rev := src.Revision()
		if rev == 0 || s.lastSaved(channel) == rev {
			continue
		}

		g.Go(func() error {
			snap := src.Snapshot()

			saveCtx, cancel := context.WithTimeout(gctx, s.cfg.Timeout)
			defer cancel()

			if err := s.store.Save(saveCtx, snap); err != nil {
				s.logger.Warn("failed to save snapshot",
					"channel", channel,
					"err", err,
				)
				failed.Add(1)
				return nil // One dashboard failing must not cancel the others.
			}

			s.markSaved(channel, snap.Revision)
			saved.Add(1)
			return nil
		})
	}

	g.Wait()

	if saved.Load() > 0 || failed.Load() > 0 {
		s.logger.Debug("snapshot cycle complete",
			"saved", saved.Load(),
			"errors", failed.Load(),
			"duration", time.Since(start),
		)
	}
	return int(saved.Load())
}

func (s *Saver) lastSaved(channel string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[channel]
}

func (s *Saver) markSaved(channel string, rev uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[channel] = rev
}
