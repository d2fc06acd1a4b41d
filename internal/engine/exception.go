package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dueline/internal/audit"
	"dueline/internal/db"
	"dueline/internal/domain"
	"dueline/internal/repo"
)

type ExceptionRequest struct {
	WorkItemID    string
	Reason        string
	Justification string
	ValidFrom     time.Time
	ValidTo       time.Time
	// ExtendDueTo moves the item's due date when the exception is approved.
	ExtendDueTo *time.Time
	Actor       string
}

// RequestException opens a pending waiver for a non-terminal item.
// It does not change the item, so the item's version is unaffected.
func (e Engine) RequestException(ctx context.Context, req ExceptionRequest) (domain.Exception, error) {
	start := time.Now()
	exc, err := e.requestException(ctx, req)
	return exc, e.observe("request_exception", start, err)
}

func (e Engine) requestException(ctx context.Context, req ExceptionRequest) (domain.Exception, error) {
	if err := requireActor(req.Actor); err != nil {
		return domain.Exception{}, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.Exception{}, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if req.ValidFrom.IsZero() || req.ValidTo.IsZero() {
		return domain.Exception{}, fmt.Errorf("%w: valid_from and valid_to are required", ErrValidation)
	}
	if !req.ValidFrom.Before(req.ValidTo) {
		return domain.Exception{}, fmt.Errorf("%w: valid_from must be before valid_to", ErrValidation)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, req.WorkItemID)
	if err != nil {
		return domain.Exception{}, itemNotFound(req.WorkItemID, err)
	}
	if it.Status.Terminal() {
		return domain.Exception{}, fmt.Errorf("%w: item %s is %s", ErrInvalidTransition, it.ID, it.Status)
	}
	if req.ExtendDueTo != nil && !req.ExtendDueTo.After(it.DueAt) {
		return domain.Exception{}, fmt.Errorf("%w: extend_due_to must be after the current due date %s", ErrValidation, it.DueAt.Format(time.RFC3339))
	}
	now := e.now()
	existing, err := e.Repo.ListExceptionsTx(ctx, tx, it.ID)
	if err != nil {
		return domain.Exception{}, err
	}
	for _, x := range existing {
		switch {
		case x.Status == domain.ExceptionPending:
			return domain.Exception{}, fmt.Errorf("%w: %s is pending", ErrActiveExceptionExists, x.ID)
		case x.Status == domain.ExceptionApproved && !x.Lapsed(now):
			return domain.Exception{}, fmt.Errorf("%w: %s is approved until %s", ErrActiveExceptionExists, x.ID, x.ValidTo.Format(time.RFC3339))
		}
	}

	exc := domain.Exception{
		ID:            uuid.NewString(),
		WorkItemID:    it.ID,
		Reason:        strings.TrimSpace(req.Reason),
		Justification: strings.TrimSpace(req.Justification),
		ValidFrom:     req.ValidFrom.UTC(),
		ValidTo:       req.ValidTo.UTC(),
		Status:        domain.ExceptionPending,
		RequestedBy:   req.Actor,
		RequestedAt:   now,
	}
	if req.ExtendDueTo != nil {
		due := req.ExtendDueTo.UTC()
		exc.ExtendDueTo = &due
	}
	if err := e.Repo.InsertException(ctx, tx, exc); err != nil {
		return domain.Exception{}, fmt.Errorf("insert exception: %w", err)
	}
	detail := map[string]any{
		audit.KeyExceptionID: exc.ID,
		audit.KeyReason:      exc.Reason,
		audit.KeyValidFrom:   db.FormatTime(exc.ValidFrom),
		audit.KeyValidTo:     db.FormatTime(exc.ValidTo),
		audit.KeyVersion:     it.Version,
	}
	if exc.ExtendDueTo != nil {
		detail["extend_due_to"] = db.FormatTime(*exc.ExtendDueTo)
	}
	if _, err := e.appender().Append(ctx, tx, domain.AuditEntry{
		WorkItemID: it.ID,
		Actor:      req.Actor,
		Action:     domain.ActionExceptionRequested,
		FromState:  string(it.Status),
		ToState:    string(it.Status),
		Timestamp:  now,
		Detail:     detail,
	}); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return exc, nil
}

// DecideException approves or rejects a pending exception exactly once.
// Approval points the item at the exception, applies any due date extension
// and bumps the item's version. Rejection leaves the item untouched.
func (e Engine) DecideException(ctx context.Context, id string, approve bool, actor string) (domain.Exception, error) {
	start := time.Now()
	exc, err := e.decideException(ctx, id, approve, actor)
	return exc, e.observe("decide_exception", start, err)
}

func (e Engine) decideException(ctx context.Context, id string, approve bool, actor string) (domain.Exception, error) {
	if err := requireActor(actor); err != nil {
		return domain.Exception{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()

	exc, err := e.Repo.GetExceptionTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Exception{}, fmt.Errorf("%w: %s", ErrExceptionNotFound, id)
		}
		return domain.Exception{}, err
	}
	if exc.Status != domain.ExceptionPending {
		return domain.Exception{}, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, exc.Status)
	}
	it, err := e.Repo.GetWorkItemTx(ctx, tx, exc.WorkItemID)
	if err != nil {
		return domain.Exception{}, itemNotFound(exc.WorkItemID, err)
	}
	if approve && it.Status.Terminal() {
		return domain.Exception{}, fmt.Errorf("%w: item %s is %s", ErrInvalidTransition, it.ID, it.Status)
	}

	now := e.now()
	decidedBy := actor
	exc.DecidedBy = &decidedBy
	exc.DecidedAt = &now
	action := domain.ActionExceptionRejected
	exc.Status = domain.ExceptionRejected
	if approve {
		action = domain.ActionExceptionApproved
		exc.Status = domain.ExceptionApproved
	}
	if err := e.Repo.DecideException(ctx, tx, exc); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.Exception{}, fmt.Errorf("%w: %s", ErrAlreadyDecided, id)
		}
		return domain.Exception{}, err
	}

	detail := map[string]any{
		audit.KeyExceptionID: exc.ID,
		audit.KeyVersion:     it.Version,
	}
	if approve {
		next := it
		excID := exc.ID
		next.ExceptionID = &excID
		next.UpdatedAt = now
		if exc.ExtendDueTo != nil && exc.ExtendDueTo.After(it.DueAt) {
			next.DueAt = *exc.ExtendDueTo
			detail[audit.KeyFromDueAt] = db.FormatTime(it.DueAt)
			detail[audit.KeyDueAt] = db.FormatTime(next.DueAt)
		}
		if err := e.update(ctx, tx, &next, it.Version); err != nil {
			return domain.Exception{}, err
		}
		detail[audit.KeyVersion] = next.Version
	}
	if _, err := e.appender().Append(ctx, tx, domain.AuditEntry{
		WorkItemID: it.ID,
		Actor:      actor,
		Action:     action,
		FromState:  string(it.Status),
		ToState:    string(it.Status),
		Timestamp:  now,
		Detail:     detail,
	}); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return exc, nil
}

func (e Engine) GetException(ctx context.Context, id string) (domain.Exception, error) {
	exc, err := e.Repo.GetException(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Exception{}, fmt.Errorf("%w: %s", ErrExceptionNotFound, id)
		}
		return domain.Exception{}, err
	}
	return exc, nil
}

func (e Engine) ListExceptions(ctx context.Context, workItemID string) ([]domain.Exception, error) {
	if _, err := e.Get(ctx, workItemID); err != nil {
		return nil, err
	}
	return e.Repo.ListExceptions(ctx, workItemID)
}
