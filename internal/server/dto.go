package server

import (
	"time"

	"dueline/internal/domain"
	"dueline/internal/engine"
)

type CreateItemRequest struct {
	ID       *string         `json:"id,omitempty"`
	Kind     domain.Kind     `json:"kind" enum:"task,incident,obligation"`
	Severity domain.Severity `json:"severity" enum:"low,medium,high,critical"`
	Title    string          `json:"title,omitempty"`
	DueAt    time.Time       `json:"due_at" format:"date-time"`
	Owner    *string         `json:"owner,omitempty"`
}

type TransitionRequest struct {
	To              domain.Status `json:"to" enum:"new,assigned,in_progress,pending_approval,closed,rejected"`
	ExpectedVersion int64         `json:"expected_version" minimum:"1"`
}

type ReassignRequest struct {
	Owner           string `json:"owner"`
	ExpectedVersion int64  `json:"expected_version" minimum:"1"`
}

type RequestExceptionRequest struct {
	Reason        string     `json:"reason"`
	Justification string     `json:"justification,omitempty"`
	ValidFrom     time.Time  `json:"valid_from" format:"date-time"`
	ValidTo       time.Time  `json:"valid_to" format:"date-time"`
	ExtendDueTo   *time.Time `json:"extend_due_to,omitempty" format:"date-time"`
}

type DecideExceptionRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
}

type paginatedItems struct {
	Items []domain.WorkItem `json:"items"`
}

type auditTrail struct {
	WorkItemID string              `json:"work_item_id"`
	Entries    []domain.AuditEntry `json:"entries"`
}

type exceptionList struct {
	Items []domain.Exception `json:"items"`
}

type deliveryList struct {
	Items []domain.Delivery `json:"items"`
}

type statusCounts struct {
	Counts map[string]int `json:"counts"`
}

type sweepResponse struct {
	Summary engine.SweepSummary `json:"summary"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
