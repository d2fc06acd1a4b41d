package domain

import "time"

type Kind string

const (
	KindTask       Kind = "task"
	KindIncident   Kind = "incident"
	KindObligation Kind = "obligation"
)

var Kinds = []Kind{KindTask, KindIncident, KindObligation}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusNew             Status = "new"
	StatusAssigned        Status = "assigned"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusClosed          Status = "closed"
	StatusRejected        Status = "rejected"
)

var Statuses = []Status{StatusNew, StatusAssigned, StatusInProgress, StatusPendingApproval, StatusClosed, StatusRejected}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// Severity is ordered: Low < Medium < High < Critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Rank returns the position of s in the severity order, or -1 if unknown.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if s == v {
			return i
		}
	}
	return -1
}

type SLAStatus string

const (
	SLAOnTrack  SLAStatus = "on_track"
	SLAAtRisk   SLAStatus = "at_risk"
	SLABreached SLAStatus = "breached"
	SLAExempt   SLAStatus = "exempt"
)

// NeedsEscalation reports whether the status calls for escalation.
func (s SLAStatus) NeedsEscalation() bool {
	return s == SLAAtRisk || s == SLABreached
}

type ExceptionStatus string

const (
	ExceptionPending  ExceptionStatus = "pending"
	ExceptionApproved ExceptionStatus = "approved"
	ExceptionRejected ExceptionStatus = "rejected"
)

type WorkItem struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind" enum:"task,incident,obligation"`
	Title           string     `json:"title,omitempty"`
	Status          Status     `json:"status" enum:"new,assigned,in_progress,pending_approval,closed,rejected"`
	Severity        Severity   `json:"severity" enum:"low,medium,high,critical"`
	Owner           string     `json:"owner"`
	DueAt           time.Time  `json:"due_at" format:"date-time"`
	EscalationLevel int        `json:"escalation_level"`
	ExceptionID     *string    `json:"exception_id,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time  `json:"updated_at" format:"date-time"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty" format:"date-time"`
	ClosedAt        *time.Time `json:"closed_at,omitempty" format:"date-time"`
}

type Exception struct {
	ID            string          `json:"id"`
	WorkItemID    string          `json:"work_item_id"`
	Reason        string          `json:"reason"`
	Justification string          `json:"justification,omitempty"`
	ValidFrom     time.Time       `json:"valid_from" format:"date-time"`
	ValidTo       time.Time       `json:"valid_to" format:"date-time"`
	ExtendDueTo   *time.Time      `json:"extend_due_to,omitempty" format:"date-time"`
	Status        ExceptionStatus `json:"status" enum:"pending,approved,rejected"`
	RequestedBy   string          `json:"requested_by"`
	RequestedAt   time.Time       `json:"requested_at" format:"date-time"`
	DecidedBy     *string         `json:"decided_by,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty" format:"date-time"`
}

// Covers reports whether an approved exception suppresses evaluation at now.
// Both window bounds are inclusive.
func (e Exception) Covers(now time.Time) bool {
	if e.Status != ExceptionApproved {
		return false
	}
	return !now.Before(e.ValidFrom) && !now.After(e.ValidTo)
}

// Lapsed reports whether the exception window has ended.
func (e Exception) Lapsed(now time.Time) bool {
	return now.After(e.ValidTo)
}

type AuditAction string

const (
	ActionCreated            AuditAction = "created"
	ActionTransitioned       AuditAction = "transitioned"
	ActionReassigned         AuditAction = "reassigned"
	ActionEscalated          AuditAction = "escalated"
	ActionExceptionRequested AuditAction = "exception_requested"
	ActionExceptionApproved  AuditAction = "exception_approved"
	ActionExceptionRejected  AuditAction = "exception_rejected"
)

type AuditEntry struct {
	Seq        int64          `json:"seq"`
	WorkItemID string         `json:"work_item_id"`
	Actor      string         `json:"actor"`
	Action     AuditAction    `json:"action"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state,omitempty"`
	Timestamp  time.Time      `json:"timestamp" format:"date-time"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// Delivery is the dispatcher's record of one event on one channel.
type Delivery struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Channel        string         `json:"channel"`
	WorkItemID     string         `json:"work_item_id"`
	Level          int            `json:"level"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at" format:"date-time"`
}
