package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatroom/internal/metrics"

	"github.com/adhocore/gronx"
)

const (
	DefaultTTL      = 24 * time.Hour
	DefaultInterval = time.Hour
)

type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	// TTL is the maximum age of a message.
	TTL time.Duration
	// Interval between sweeps when Cron is empty.
	Interval time.Duration
	// Cron, when set, schedules sweeps instead of Interval.
	Cron string
}

func (c *Config) Validate() error {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Cron != "" && !gronx.IsValid(c.Cron) {
		return fmt.Errorf("invalid retention cron expression: %q", c.Cron)
	}
	return nil
}

// Sweeper deletes messages that have outlived the retention window.
type Sweeper struct {
	cfg     Config
	store   Purger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewSweeper(cfg Config, store Purger, m *metrics.Metrics) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Sweeper{
		cfg:     cfg,
		store:   store,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Purge deletes every message created more than olderThan ago and returns how many were removed.
func (s *Sweeper) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, errors.New("retention age must not be negative")
	}
	cutoff := s.now().Add(-olderThan)
	n, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.MessagesPurged.Add(float64(n))
	if n > 0 {
		slog.Info("expired messages purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// PurgeExpired applies the configured TTL.
func (s *Sweeper) PurgeExpired(ctx context.Context) (int, error) {
	return s.Purge(ctx, s.cfg.TTL)
}

// Run sweeps once immediately and then on schedule until ctx is done.
// A failed sweep is logged and retried at the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("retention sweeper started", "ttl", s.cfg.TTL, "interval", s.cfg.Interval, "cron", s.cfg.Cron)

	for {
		if _, err := s.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
			slog.Error("retention sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return nil
		case <-time.After(s.nextWait()):
		}
	}
}

func (s *Sweeper) nextWait() time.Duration {
	if s.cfg.Cron == "" {
		return s.cfg.Interval
	}
	next, err := gronx.NextTickAfter(s.cfg.Cron, s.now(), false)
	if err != nil {
		slog.Error("failed to compute next retention tick, falling back to interval", "cron", s.cfg.Cron, "error", err)
		return s.cfg.Interval
	}
	if wait := next.Sub(s.now()); wait > time.Second {
		return wait
	}
	return time.Second
}
