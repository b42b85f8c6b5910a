package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the sweeper looks for overdue instances.
const DefaultSweepInterval = 5 * time.Minute

// OverdueSweeper escalates overdue instances.
type OverdueSweeper interface {
	SweepOverdue(ctx context.Context) (int, error)
}

// Sweeper runs SweepOverdue on an interval.
type Sweeper struct {
	engine   OverdueSweeper
	logger   *zap.Logger
	interval time.Duration
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval configures the polling interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a sweeper driving engine.
func NewSweeper(engine OverdueSweeper, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		engine:   engine,
		logger:   zap.NewNop(),
		interval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the polling interval.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// RunOnce runs one sweep and logs errors.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	n, err := s.engine.SweepOverdue(ctx)
	if err != nil {
		s.logger.Error("escalation sweep", zap.Error(err))
		return fmt.Errorf("sweeping overdue instances: %w", err)
	}
	if n > 0 {
		s.logger.Debug("escalation sweep", zap.Int("escalated", n))
	}
	return nil
}

// Run sweeps forever on the interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("starting escalation sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
