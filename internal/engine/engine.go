package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dueline/internal/audit"
	"dueline/internal/config"
	"dueline/internal/db"
	"dueline/internal/domain"
	"dueline/internal/metrics"
	"dueline/internal/notify"
	"dueline/internal/repo"
)

const DefaultSystemActor = "system:sla"

// Notifier accepts escalation events without blocking the caller.
type Notifier interface {
	Enqueue(evt notify.Event) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Ledger
	Appender audit.Appender
	Policies *config.Config
	Notifier Notifier
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	// SystemActor is recorded on automatic escalations.
	SystemActor string
	// EscalateOnRead runs the escalation step inside GetStatus.
	EscalateOnRead bool
	Now            func() time.Time
}

func New(db *sql.DB, policies *config.Config) Engine {
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Audit:       audit.Ledger{DB: db},
		Policies:    policies,
		SystemActor: DefaultSystemActor,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) appender() audit.Appender {
	if e.Appender != nil {
		return e.Appender
	}
	return e.Audit
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) systemActor() string {
	if e.SystemActor != "" {
		return e.SystemActor
	}
	return DefaultSystemActor
}

// observe records command outcome metrics; err passes through.
func (e Engine) observe(command string, start time.Time, err error) error {
	if e.Metrics != nil {
		e.Metrics.Commands.WithLabelValues(command, resultLabel(err)).Inc()
		e.Metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
	return err
}

func (e Engine) policyFor(kind domain.Kind, severity domain.Severity) (config.Policy, error) {
	p, ok := e.Policies.Lookup(kind, severity)
	if !ok {
		return config.Policy{}, fmt.Errorf("%w for %s/%s", ErrInvalidPolicy, kind, severity)
	}
	return p, nil
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	return nil
}

func itemNotFound(id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrWorkItemNotFound, id)
	}
	return err
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	ID       string
	Kind     domain.Kind
	Severity domain.Severity
	Title    string
	DueAt    time.Time
	// Owner defaults to the first tier of the escalation chain.
	Owner string
	Actor string
}

func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	start := time.Now()
	it, err := e.create(ctx, opts)
	return it, e.observe("create", start, err)
}

func (e Engine) create(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	if err := requireActor(opts.Actor); err != nil {
		return domain.WorkItem{}, err
	}
	if !opts.Kind.Valid() {
		return domain.WorkItem{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, opts.Kind)
	}
	if !opts.Severity.Valid() {
		return domain.WorkItem{}, fmt.Errorf("%w: unknown severity %q", ErrValidation, opts.Severity)
	}
	if opts.DueAt.IsZero() {
		return domain.WorkItem{}, fmt.Errorf("%w: due date is required", ErrValidation)
	}
	policy, err := e.policyFor(opts.Kind, opts.Severity)
	if err != nil {
		return domain.WorkItem{}, err
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		owner = policy.OwnerAt(0)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	it := domain.WorkItem{
		ID:        id,
		Kind:      opts.Kind,
		Title:     strings.TrimSpace(opts.Title),
		Status:    domain.StatusNew,
		Severity:  opts.Severity,
		Owner:     owner,
		DueAt:     opts.DueAt.UTC(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	detail := map[string]any{
		audit.KeyKind:     it.Kind,
		audit.KeySeverity: it.Severity,
		audit.KeyOwner:    it.Owner,
		audit.KeyDueAt:    db.FormatTime(it.DueAt),
		audit.KeyLevel:    it.EscalationLevel,
		audit.KeyVersion:  it.Version,
	}
	if it.Title != "" {
		detail[audit.KeyTitle] = it.Title
	}
	if _, err := e.appender().Append(ctx, tx, domain.AuditEntry{
		WorkItemID: it.ID,
		Actor:      opts.Actor,
		Action:     domain.ActionCreated,
		ToState:    string(it.Status),
		Timestamp:  now,
		Detail:     detail,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// Transition moves an item along the lifecycle state machine.
func (e Engine) Transition(ctx context.Context, id string, expectedVersion int64, to domain.Status, actor string) (domain.WorkItem, error) {
	start := time.Now()
	it, err := e.transition(ctx, id, expectedVersion, to, actor)
	return it, e.observe("transition", start, err)
}

func (e Engine) transition(ctx context.Context, id string, expectedVersion int64, to domain.Status, actor string) (domain.WorkItem, error) {
	if err := requireActor(actor); err != nil {
		return domain.WorkItem{}, err
	}
	if !to.Valid() {
		return domain.WorkItem{}, fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, itemNotFound(id, err)
	}
	if it.Version != expectedVersion {
		return domain.WorkItem{}, fmt.Errorf("%w: item %s is at version %d, not %d", ErrVersionConflict, id, it.Version, expectedVersion)
	}
	if err := ensureTransition(it.Status, to); err != nil {
		return domain.WorkItem{}, err
	}
	now := e.now()
	next := it
	next.Status = to
	next.UpdatedAt = now
	if to.Terminal() {
		next.ClosedAt = &now
	}
	if err := e.update(ctx, tx, &next, expectedVersion); err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.appender().Append(ctx, tx, domain.AuditEntry{
		WorkItemID: id,
		Actor:      actor,
		Action:     domain.ActionTransitioned,
		FromState:  string(it.Status),
		ToState:    string(to),
		Timestamp:  now,
		Detail:     map[string]any{audit.KeyVersion: next.Version},
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return next, nil
}

// ensureTransition encodes the lifecycle:
// new -> assigned -> in_progress -> pending_approval -> closed, with rejected
// reachable from assigned, in_progress and pending_approval.
func ensureTransition(from, to domain.Status) error {
	switch from {
	case domain.StatusNew:
		if to == domain.StatusAssigned {
			return nil
		}
	case domain.StatusAssigned:
		if to == domain.StatusInProgress || to == domain.StatusRejected {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusPendingApproval || to == domain.StatusRejected {
			return nil
		}
	case domain.StatusPendingApproval:
		if to == domain.StatusClosed || to == domain.StatusRejected {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Reassign changes the owner of a non-terminal item.
func (e Engine) Reassign(ctx context.Context, id string, expectedVersion int64, owner, actor string) (domain.WorkItem, error) {
	start := time.Now()
	it, err := e.reassign(ctx, id, expectedVersion, owner, actor)
	return it, e.observe("reassign", start, err)
}

func (e Engine) reassign(ctx context.Context, id string, expectedVersion int64, owner, actor string) (domain.WorkItem, error) {
	if err := requireActor(actor); err != nil {
		return domain.WorkItem{}, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.WorkItem{}, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, itemNotFound(id, err)
	}
	if it.Version != expectedVersion {
		return domain.WorkItem{}, fmt.Errorf("%w: item %s is at version %d, not %d", ErrVersionConflict, id, it.Version, expectedVersion)
	}
	if it.Status.Terminal() {
		return domain.WorkItem{}, fmt.Errorf("%w: item %s is %s", ErrInvalidTransition, id, it.Status)
	}
	now := e.now()
	next := it
	next.Owner = owner
	next.UpdatedAt = now
	if err := e.update(ctx, tx, &next, expectedVersion); err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.appender().Append(ctx, tx, domain.AuditEntry{
		WorkItemID: id,
		Actor:      actor,
		Action:     domain.ActionReassigned,
		FromState:  string(it.Status),
		ToState:    string(it.Status),
		Timestamp:  now,
		Detail: map[string]any{
			audit.KeyFromOwner: it.Owner,
			audit.KeyOwner:     owner,
			audit.KeyVersion:   next.Version,
		},
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return next, nil
}

// update persists next guarded by expectedVersion and bumps next.Version.
func (e Engine) update(ctx context.Context, tx *sql.Tx, next *domain.WorkItem, expectedVersion int64) error {
	err := e.Repo.UpdateWorkItem(ctx, tx, *next, expectedVersion)
	switch {
	case err == nil:
		next.Version = expectedVersion + 1
		return nil
	case errors.Is(err, repo.ErrStale):
		return fmt.Errorf("%w: item %s changed concurrently", ErrVersionConflict, next.ID)
	default:
		return itemNotFound(next.ID, err)
	}
}

func (e Engine) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	it, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return domain.WorkItem{}, itemNotFound(id, err)
	}
	return it, nil
}

func (e Engine) List(ctx context.Context, f repo.ItemFilters) ([]domain.WorkItem, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, f.Kind)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, f.Severity)
	}
	return e.Repo.ListWorkItems(ctx, f)
}

// StatusView answers the status query for one item at one instant.
type StatusView struct {
	WorkItemID       string           `json:"work_item_id"`
	LifecycleStatus  domain.Status    `json:"lifecycle_status"`
	SLAStatus        domain.SLAStatus `json:"sla_status"`
	EscalationLevel  int              `json:"escalation_level"`
	Owner            string           `json:"owner"`
	DueAt            time.Time        `json:"due_at" format:"date-time"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	Version          int64            `json:"version"`
	EvaluatedAt      time.Time        `json:"evaluated_at" format:"date-time"`
}

// GetStatus evaluates the item at `at` (zero means now). With EscalateOnRead
// the escalation step runs first at the engine clock, so the view reflects any
// level change; an explicit `at` is only evaluated.
func (e Engine) GetStatus(ctx context.Context, id string, at time.Time) (StatusView, error) {
	if at.IsZero() {
		at = e.now()
	}
	if e.EscalateOnRead {
		if _, err := e.Escalate(ctx, id, e.now()); err != nil {
			if errors.Is(err, ErrWorkItemNotFound) {
				return StatusView{}, err
			}
			e.logger().Warn("escalation on read failed", zap.String("work_item_id", id), zap.Error(err))
		}
	}
	ev, err := e.Evaluate(ctx, id, at)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		WorkItemID:       ev.Item.ID,
		LifecycleStatus:  ev.Item.Status,
		SLAStatus:        ev.Status,
		EscalationLevel:  ev.Item.EscalationLevel,
		Owner:            ev.Item.Owner,
		DueAt:            ev.Item.DueAt,
		RemainingSeconds: int64(ev.Remaining / time.Second),
		Version:          ev.Item.Version,
		EvaluatedAt:      ev.At,
	}, nil
}

// AuditTrail returns the item's audit entries as a lazy, restartable sequence.
func (e Engine) AuditTrail(ctx context.Context, id string) (iter.Seq2[domain.AuditEntry, error], error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Audit.Entries(ctx, id), nil
}

// Replay rebuilds the item from its audit trail.
func (e Engine) Replay(ctx context.Context, id string) (domain.WorkItem, error) {
	trail, err := e.AuditTrail(ctx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return audit.Replay(trail)
}
