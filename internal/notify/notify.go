// Package notify delivers escalation events to external channels with bounded retry.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dueline/internal/domain"
)

// Event is the payload handed to every channel.
type Event struct {
	IdempotencyKey string           `json:"idempotency_key"`
	WorkItemID     string           `json:"work_item_id"`
	Kind           domain.Kind      `json:"kind"`
	Severity       domain.Severity  `json:"severity"`
	Level          int              `json:"level"`
	Owner          string           `json:"owner"`
	SLAStatus      domain.SLAStatus `json:"sla_status"`
	DueAt          time.Time        `json:"due_at"`
	// Repeat marks a reminder for an item already at its maximum level.
	Repeat     bool      `json:"repeat"`
	OccurredAt time.Time `json:"occurred_at"`
}

type DeliveryResult struct {
	Channel string
	// Reference is a channel-specific receipt such as an HTTP status or partition offset.
	Reference string
}

// Channel sends one event. Errors are retried unless wrapped with Permanent.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, evt Event, key string) (DeliveryResult, error)
}

// Store remembers which (key, channel) pairs were already delivered.
type Store interface {
	Delivered(ctx context.Context, key, channel string) (bool, error)
	Record(ctx context.Context, d domain.Delivery) error
}

var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrClosed    = errors.New("dispatcher is closed")
)

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// EscalationKey identifies the notification for reaching a level.
func EscalationKey(workItemID string, level int) string {
	return fmt.Sprintf("%s:%d", workItemID, level)
}

// RepeatKey identifies a reminder at the maximum level; one per evaluation instant.
func RepeatKey(workItemID string, level int, at time.Time) string {
	return fmt.Sprintf("%s:%d:repeat:%d", workItemID, level, at.Unix())
}
