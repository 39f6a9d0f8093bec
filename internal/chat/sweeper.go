package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/suPer8Hu/acontext-api/internal/metrics"
	"github.com/suPer8Hu/acontext-api/internal/store/rabbitmq"
)

// Reconciler re-announces sessions whose messages were stored but never
// picked up, covering events lost between persistence and publish. It
// gives at-least-once delivery; the consumer must tolerate duplicates.
type Reconciler struct {
	repo    *Repo
	pub     Publisher
	grace   time.Duration
	batch   int
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReconciler(repo *Repo, pub Publisher, grace time.Duration, batch int, log *slog.Logger, m *metrics.Metrics) *Reconciler {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		repo:    repo,
		pub:     pub,
		grace:   grace,
		batch:   batch,
		log:     log.With("component", "sweeper"),
		metrics: m,
		now:     time.Now,
	}
}

// SweepOnce publishes one reconcile event per stale session and returns
// how many were published. It stops at the first publish error.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	stale, err := r.repo.StaleSessions(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, s := range stale {
		ev, err := rabbitmq.NewEvent(s.ProjectID, s.SessionID, "", rabbitmq.ReasonReconcile)
		if err != nil {
			return published, err
		}
		if err := r.pub.Publish(ctx, ev); err != nil {
			r.metrics.SweepPublished(published)
			return published, err
		}
		published++
	}
	r.metrics.SweepPublished(published)
	return published, nil
}

// Run sweeps every interval until ctx ends. Sweep errors are logged and the
// next tick tries again.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("sweeper started", "interval", interval, "grace", r.grace, "batch", r.batch)
	for {
		start := time.Now()
		n, err := r.SweepOnce(ctx)
		if err != nil {
			r.log.Warn("sweep failed", "published", n, "err", err)
		} else if n > 0 {
			r.log.Info("sweep published", "sessions", n, "cost", time.Since(start))
		}

		select {
		case <-ctx.Done():
			r.log.Info("sweeper shutting down")
			return
		case <-ticker.C:
		}
	}
}
