// Package expiry runs the active purge of expired messages.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"e2ee-messages/internal/lock"
	"e2ee-messages/internal/observability/metrics"
)

const lockKey = "messages:expiry-sweep"

type Purger interface {
	PurgeExpired(ctx context.Context, batchSize int) (int64, error)
}

// Sweeper periodically deletes messages whose expiration has passed. It only
// ever deletes rows.
type Sweeper struct {
	interval  time.Duration
	batchSize int
	timeout   time.Duration
	purger    Purger
	locker    lock.Locker
	log       *slog.Logger
}

func NewSweeper(purger Purger, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		interval:  interval,
		batchSize: batchSize,
		timeout:   interval,
		purger:    purger,
		locker:    lock.Noop{},
		log:       logger.With("component", "expiry_sweeper"),
	}
}

// WithLocker makes every periodic sweep take l first, so that replicas
// sharing a database do not purge concurrently.
func (s *Sweeper) WithLocker(l lock.Locker) *Sweeper {
	if l != nil {
		s.locker = l
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("starting expiry sweeper", "interval", s.interval, "batch_size", s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("stopping expiry sweeper")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token, err := s.locker.TryLock(sweepCtx, lockKey, s.timeout)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.log.Debug("expiry sweep skipped, lock held elsewhere")
		} else {
			s.log.Warn("expiry sweep skipped, lock unavailable", "error", err)
		}
		return
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("expiry lock release failed", "error", err)
		}
	}()

	n, err := s.Sweep(sweepCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("expiry sweep failed", "purged", n, "error", err)
	}
}

// Sweep purges everything currently expired and reports how many rows went.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.purger.PurgeExpired(ctx, s.batchSize)
	if n > 0 {
		metrics.MessagesPurgedTotal.Add(float64(n))
		s.log.Info("expired messages purged", "count", n)
	}
	return n, err
}
