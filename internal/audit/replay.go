package audit

import (
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"dueline/internal/db"
	"dueline/internal/domain"
)

// Detail keys written by the engine and read back by Replay.
const (
	KeyKind        = "kind"
	KeySeverity    = "severity"
	KeyTitle       = "title"
	KeyOwner       = "owner"
	KeyFromOwner   = "from_owner"
	KeyDueAt       = "due_at"
	KeyFromDueAt   = "from_due_at"
	KeyLevel       = "level"
	KeySLAStatus   = "sla_status"
	KeyVersion     = "version"
	KeyExceptionID = "exception_id"
	KeyValidFrom   = "valid_from"
	KeyValidTo     = "valid_to"
	KeyReason      = "reason"
)

// Replay folds a work item's trail into the item state it describes.
// The trail must start with a created entry and have no sequence gaps.
func Replay(entries iter.Seq2[domain.AuditEntry, error]) (domain.WorkItem, error) {
	var it domain.WorkItem
	var last int64
	for entry, err := range entries {
		if err != nil {
			return domain.WorkItem{}, err
		}
		if entry.Seq != last+1 {
			return domain.WorkItem{}, fmt.Errorf("audit trail gap: expected seq %d, got %d", last+1, entry.Seq)
		}
		last = entry.Seq
		if entry.Seq == 1 && entry.Action != domain.ActionCreated {
			return domain.WorkItem{}, fmt.Errorf("audit trail starts with %s, want %s", entry.Action, domain.ActionCreated)
		}
		if err := apply(&it, entry); err != nil {
			return domain.WorkItem{}, fmt.Errorf("replay seq %d: %w", entry.Seq, err)
		}
	}
	if last == 0 {
		return domain.WorkItem{}, fmt.Errorf("audit trail is empty")
	}
	return it, nil
}

func apply(it *domain.WorkItem, entry domain.AuditEntry) error {
	d := entry.Detail
	switch entry.Action {
	case domain.ActionCreated:
		if entry.Seq != 1 {
			return fmt.Errorf("created entry at seq %d", entry.Seq)
		}
		due, err := detailTime(d, KeyDueAt)
		if err != nil {
			return err
		}
		it.ID = entry.WorkItemID
		it.Kind = domain.Kind(detailString(d, KeyKind))
		it.Severity = domain.Severity(detailString(d, KeySeverity))
		it.Title = detailString(d, KeyTitle)
		it.Owner = detailString(d, KeyOwner)
		it.Status = domain.Status(entry.ToState)
		it.DueAt = due
		it.CreatedAt = entry.Timestamp
		it.Version = 1
	case domain.ActionTransitioned:
		if string(it.Status) != entry.FromState {
			return fmt.Errorf("transition from %s but item is %s", entry.FromState, it.Status)
		}
		it.Status = domain.Status(entry.ToState)
		if it.Status.Terminal() {
			ts := entry.Timestamp
			it.ClosedAt = &ts
		}
	case domain.ActionReassigned:
		it.Owner = detailString(d, KeyOwner)
	case domain.ActionEscalated:
		level, ok := detailInt(d, KeyLevel)
		if !ok {
			return fmt.Errorf("escalated entry without %s", KeyLevel)
		}
		if int(level) != it.EscalationLevel+1 {
			return fmt.Errorf("escalation to level %d from level %d", level, it.EscalationLevel)
		}
		it.EscalationLevel = int(level)
		it.Owner = detailString(d, KeyOwner)
	case domain.ActionExceptionRequested, domain.ActionExceptionRejected:
	case domain.ActionExceptionApproved:
		id := detailString(d, KeyExceptionID)
		if id == "" {
			return fmt.Errorf("approved entry without %s", KeyExceptionID)
		}
		it.ExceptionID = &id
		if _, ok := d[KeyDueAt]; ok {
			due, err := detailTime(d, KeyDueAt)
			if err != nil {
				return err
			}
			it.DueAt = due
		}
	default:
		return fmt.Errorf("unknown audit action %q", entry.Action)
	}
	if v, ok := detailInt(d, KeyVersion); ok {
		it.Version = v
	}
	it.UpdatedAt = entry.Timestamp
	return nil
}

func detailString(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

// detailInt reads a number that may have been decoded from JSON as float64.
func detailInt(d map[string]any, key string) (int64, bool) {
	switch v := d[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func detailTime(d map[string]any, key string) (time.Time, error) {
	switch v := d[key].(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := db.ParseTime(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("detail %s: %w", key, err)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("detail %s missing", key)
}
