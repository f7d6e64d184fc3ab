// Package sender runs the retry queue in the background.
//
// The Sender wakes up on a fixed interval and drains the due entries of the
// queue through the engine. Each run is bounded by a time budget that
// should stay below the interval, so runs of one process do not overlap.
// Several processes may drain the same queue: entries are claimed with a
// lease by the storage layer.
package sender

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/facturador"
)

// Drainer works through the due entries of the queue.
type Drainer interface {
	DrainQueue(ctx context.Context, budget time.Duration) ([]facturador.Outcome, error)
}

// Sender drains the queue periodically.
type Sender struct {
	drainer Drainer
	logger  *zap.Logger

	interval time.Duration
	budget   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds sender configuration
type Config struct {
	Interval time.Duration
	Budget   time.Duration
}

// DefaultConfig returns the defaults: a run every minute, spending at most
// 50 seconds.
func DefaultConfig() *Config {
	return &Config{
		Interval: time.Minute,
		Budget:   50 * time.Second,
	}
}

// New creates a sender.
func New(drainer Drainer, cfg *Config, logger *zap.Logger) *Sender {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	budget := cfg.Budget
	if budget <= 0 || budget >= interval {
		budget = interval * 5 / 6
	}
	return &Sender{
		drainer:  drainer,
		logger:   logger,
		interval: interval,
		budget:   budget,
	}
}

// Start begins background processing.
func (s *Sender) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info("sender started", zap.Duration("interval", s.interval), zap.Duration("budget", s.budget))
}

// Stop waits for the current run to finish and stops the sender.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(s.ctx)
		}
	}
}

// RunOnce drains the queue once within the budget and returns the
// documents that reached the authority.
func (s *Sender) RunOnce(ctx context.Context) []facturador.Outcome {
	start := time.Now()
	outcomes, err := s.drainer.DrainQueue(ctx, s.budget)
	if err != nil {
		s.logger.Error("draining queue failed", zap.Error(err))
	}
	if len(outcomes) > 0 {
		s.logger.Info("queue drained",
			zap.Int("delivered", len(outcomes)),
			zap.Duration("elapsed", time.Since(start)))
	}
	for _, o := range outcomes {
		s.logger.Debug("document delivered",
			zap.String("clave", o.Key),
			zap.String("direction", o.Direction.String()),
			zap.Stringer("state", o.State))
	}
	return outcomes
}
