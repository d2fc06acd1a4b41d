package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// SweepSummary counts what one pass over the open items did.
type SweepSummary struct {
	StartedAt time.Time `json:"started_at" format:"date-time"`
	Visited   int       `json:"visited"`
	Escalated int       `json:"escalated"`
	Repeats   int       `json:"repeats"`
	Cooldowns int       `json:"cooldowns"`
	Conflicts int       `json:"conflicts"`
	Failed    int       `json:"failed"`
}

// Sweep runs the escalation step for every open item at `at` (zero means now).
// Per-item failures are logged and counted; the pass continues.
func (e Engine) Sweep(ctx context.Context, at time.Time) (SweepSummary, error) {
	if at.IsZero() {
		at = e.now()
	}
	log := e.logger().Named("sweep")
	sum := SweepSummary{StartedAt: at}
	start := time.Now()
	ids, err := e.Repo.OpenWorkItemIDs(ctx)
	if err != nil {
		return sum, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Visited++
		out, err := e.Escalate(ctx, id, at)
		switch {
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrWorkItemNotFound):
			sum.Conflicts++
			e.countSweep("conflict")
			log.Info("item changed during sweep, skipped", zap.String("work_item_id", id), zap.Error(err))
			continue
		case err != nil:
			sum.Failed++
			e.countSweep("failed")
			log.Error("escalation failed", zap.String("work_item_id", id), zap.Error(err))
			continue
		}
		switch out.Action {
		case EscalationRaised:
			sum.Escalated++
		case EscalationRepeat:
			sum.Repeats++
		case EscalationCooldown:
			sum.Cooldowns++
		}
		e.countSweep(string(out.Action))
		if out.Action != EscalationNone {
			log.Debug(describeOutcome(out))
		}
	}
	if e.Metrics != nil {
		e.Metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	log.Info("sweep finished",
		zap.Int("visited", sum.Visited),
		zap.Int("escalated", sum.Escalated),
		zap.Int("repeats", sum.Repeats),
		zap.Int("conflicts", sum.Conflicts),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

func (e Engine) countSweep(outcome string) {
	if e.Metrics != nil {
		e.Metrics.SweepItems.WithLabelValues(outcome).Inc()
	}
}

// Sweeper runs Sweep on a fixed interval until its context ends.
type Sweeper struct {
	Engine   Engine
	Interval time.Duration
}

// Run sweeps once immediately, then on every tick. It returns nil when ctx is cancelled.
func (s Sweeper) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	log := s.Engine.logger().Named("sweep")
	log.Info("sweeper started", zap.Duration("interval", s.Interval))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Engine.Sweep(ctx, time.Time{}); err != nil && ctx.Err() == nil {
			log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
