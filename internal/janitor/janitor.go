package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/internal/config"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

// Pruner drops expired reservations in bucket order.
type Pruner interface {
	PruneExpired(now, safetyBuffer uint64, maxBuckets int) (buckets, removed int)
}

// Janitor periodically prunes expired reservations. The registry has no
// timer of its own; the janitor is the caller that supplies the clock.
type Janitor struct {
	mu     sync.Mutex
	cfg    *config.ReservationConfig
	pruner Pruner
	clock  types.Clock
	logger log.Logger

	// guarded by mu
	cancel  context.CancelFunc
	stopped bool
}

// New creates a janitor for pruner driven by clock.
func New(cfg *config.ReservationConfig, pruner Pruner, clock types.Clock) *Janitor {
	return &Janitor{
		cfg:    cfg,
		pruner: pruner,
		clock:  clock,
		logger: log.New("module", "janitor"),
	}
}

// Start runs the prune loop until the context is cancelled or Stop is called.
// Start after Stop returns at once.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.mu.Unlock()

	ticker := time.NewTicker(j.cfg.PruneInterval)
	defer ticker.Stop()

	j.logger.Info("Reservation janitor started",
		"interval", j.cfg.PruneInterval,
		"safetyBuffer", j.cfg.SafetyBuffer,
		"maxBuckets", j.cfg.PruneMaxBuckets,
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Reservation janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(j.clock.Now())
		}
	}
}

// Stop halts the prune loop. It is safe to call from any goroutine, before
// or after Start, and more than once.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.stopped = true
	if j.cancel != nil {
		j.cancel()
	}
}

// RunOnce performs a single prune pass at now.
func (j *Janitor) RunOnce(now uint64) (buckets, removed int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	buckets, removed = j.pruner.PruneExpired(now, config.Millis(j.cfg.SafetyBuffer), j.cfg.PruneMaxBuckets)
	if buckets > 0 {
		j.logger.Debug("Prune pass", "now", now, "buckets", buckets, "removed", removed)
	}
	return buckets, removed
}
