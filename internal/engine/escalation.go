package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dueline/internal/audit"
	"dueline/internal/config"
	"dueline/internal/domain"
	"dueline/internal/notify"
	"dueline/internal/repo"
	"dueline/internal/sla"
)

// Evaluation is one SLA clock reading for an item.
type Evaluation struct {
	Item      domain.WorkItem
	Policy    config.Policy
	Exception *domain.Exception
	Status    domain.SLAStatus
	Remaining time.Duration
	At        time.Time
}

// Evaluate reads the item and classifies it at `at` without changing anything.
// Terminal items are classified at the moment they closed.
func (e Engine) Evaluate(ctx context.Context, id string, at time.Time) (Evaluation, error) {
	it, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return Evaluation{}, itemNotFound(id, err)
	}
	exc, err := e.currentException(ctx, nil, it)
	if err != nil {
		return Evaluation{}, err
	}
	return e.evaluate(it, exc, at)
}

func (e Engine) evaluate(it domain.WorkItem, exc *domain.Exception, at time.Time) (Evaluation, error) {
	policy, err := e.policyFor(it.Kind, it.Severity)
	if err != nil {
		return Evaluation{}, err
	}
	if it.Status.Terminal() && it.ClosedAt != nil && it.ClosedAt.Before(at) {
		at = *it.ClosedAt
	}
	return Evaluation{
		Item:      it,
		Policy:    policy,
		Exception: exc,
		Status:    sla.Evaluate(it, exc, policy, at),
		Remaining: sla.Remaining(it, at),
		At:        at,
	}, nil
}

// currentException loads the exception referenced by the item, if any.
func (e Engine) currentException(ctx context.Context, tx *sql.Tx, it domain.WorkItem) (*domain.Exception, error) {
	if it.ExceptionID == nil {
		return nil, nil
	}
	var exc domain.Exception
	var err error
	if tx != nil {
		exc, err = e.Repo.GetExceptionTx(ctx, tx, *it.ExceptionID)
	} else {
		exc, err = e.Repo.GetException(ctx, *it.ExceptionID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exc, nil
}

type EscalationAction string

const (
	EscalationNone     EscalationAction = "none"
	EscalationRaised   EscalationAction = "escalated"
	EscalationRepeat   EscalationAction = "repeat"
	EscalationCooldown EscalationAction = "cooldown"
	EscalationTerminal EscalationAction = "terminal"
)

// EscalationOutcome reports what one escalation step did to an item.
type EscalationOutcome struct {
	WorkItemID     string           `json:"work_item_id"`
	Action         EscalationAction `json:"action"`
	SLAStatus      domain.SLAStatus `json:"sla_status"`
	FromLevel      int              `json:"from_level"`
	Level          int              `json:"level"`
	Owner          string           `json:"owner"`
	Version        int64            `json:"version"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Escalate evaluates the item at `at` and, if it is at risk or breached, raises
// its escalation level by one and hands ownership to the next tier. An item
// already at its policy's max level gets a repeat notification instead.
// The item is re-read inside the write transaction and updated under its
// version, so a concurrent close wins and escalation is skipped.
func (e Engine) Escalate(ctx context.Context, id string, at time.Time) (EscalationOutcome, error) {
	start := time.Now()
	out, err := e.escalate(ctx, id, at)
	return out, e.observe("escalate", start, err)
}

func (e Engine) escalate(ctx context.Context, id string, at time.Time) (EscalationOutcome, error) {
	if at.IsZero() {
		at = e.now()
	}
	at = at.UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EscalationOutcome{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return EscalationOutcome{}, itemNotFound(id, err)
	}
	out := EscalationOutcome{
		WorkItemID: it.ID,
		Action:     EscalationNone,
		FromLevel:  it.EscalationLevel,
		Level:      it.EscalationLevel,
		Owner:      it.Owner,
		Version:    it.Version,
	}
	exc, err := e.currentException(ctx, tx, it)
	if err != nil {
		return EscalationOutcome{}, err
	}
	ev, err := e.evaluate(it, exc, at)
	if err != nil {
		return EscalationOutcome{}, err
	}
	out.SLAStatus = ev.Status
	if it.Status.Terminal() {
		out.Action = EscalationTerminal
		return out, nil
	}
	if !ev.Status.NeedsEscalation() {
		return out, nil
	}
	policy := ev.Policy
	if it.EscalationLevel >= policy.MaxLevel {
		if err := tx.Rollback(); err != nil {
			return EscalationOutcome{}, err
		}
		out.Action = EscalationRepeat
		out.IdempotencyKey = notify.RepeatKey(it.ID, it.EscalationLevel, at)
		e.dispatch(it, ev.Status, out.IdempotencyKey, true, at)
		if e.Metrics != nil {
			e.Metrics.RepeatNotifications.WithLabelValues(string(it.Kind), string(it.Severity)).Inc()
		}
		return out, nil
	}
	if policy.Cooldown > 0 && it.LastEscalatedAt != nil && at.Sub(*it.LastEscalatedAt) < policy.Cooldown {
		out.Action = EscalationCooldown
		return out, nil
	}

	next := it
	next.EscalationLevel = it.EscalationLevel + 1
	next.Owner = policy.OwnerAt(next.EscalationLevel)
	next.UpdatedAt = e.now()
	// LastEscalatedAt never lies ahead of the clock.
	stamp := at
	if stamp.After(next.UpdatedAt) {
		stamp = next.UpdatedAt
	}
	next.LastEscalatedAt = &stamp
	if err := e.update(ctx, tx, &next, it.Version); err != nil {
		return EscalationOutcome{}, err
	}
	if _, err := e.appender().Append(ctx, tx, domain.AuditEntry{
		WorkItemID: it.ID,
		Actor:      e.systemActor(),
		Action:     domain.ActionEscalated,
		FromState:  string(it.Status),
		ToState:    string(it.Status),
		Timestamp:  next.UpdatedAt,
		Detail: map[string]any{
			audit.KeyLevel:     next.EscalationLevel,
			audit.KeyFromOwner: it.Owner,
			audit.KeyOwner:     next.Owner,
			audit.KeySLAStatus: ev.Status,
			audit.KeyVersion:   next.Version,
		},
	}); err != nil {
		return EscalationOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return EscalationOutcome{}, err
	}

	out.Action = EscalationRaised
	out.Level = next.EscalationLevel
	out.Owner = next.Owner
	out.Version = next.Version
	out.IdempotencyKey = notify.EscalationKey(it.ID, next.EscalationLevel)
	if e.Metrics != nil {
		e.Metrics.Escalations.WithLabelValues(string(it.Kind), string(it.Severity), string(ev.Status)).Inc()
	}
	e.logger().Info("work item escalated",
		zap.String("work_item_id", it.ID),
		zap.Int("level", next.EscalationLevel),
		zap.String("owner", next.Owner),
		zap.String("sla_status", string(ev.Status)))
	e.dispatch(next, ev.Status, out.IdempotencyKey, false, at)
	return out, nil
}

// dispatch hands the event to the notifier. Failures are logged only.
func (e Engine) dispatch(it domain.WorkItem, status domain.SLAStatus, key string, repeat bool, at time.Time) {
	if e.Notifier == nil {
		return
	}
	evt := notify.Event{
		IdempotencyKey: key,
		WorkItemID:     it.ID,
		Kind:           it.Kind,
		Severity:       it.Severity,
		Level:          it.EscalationLevel,
		Owner:          it.Owner,
		SLAStatus:      status,
		DueAt:          it.DueAt,
		Repeat:         repeat,
		OccurredAt:     at,
	}
	if err := e.Notifier.Enqueue(evt); err != nil {
		e.logger().Warn("escalation event not queued", zap.String("key", key), zap.Error(err))
	}
}

func describeOutcome(out EscalationOutcome) string {
	if out.Action == EscalationRaised {
		return fmt.Sprintf("%s: level %d -> %d (%s)", out.WorkItemID, out.FromLevel, out.Level, out.Owner)
	}
	return fmt.Sprintf("%s: %s", out.WorkItemID, out.Action)
}
