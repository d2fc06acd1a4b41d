package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"dueline/internal/db"
	"dueline/internal/domain"
)

// Appender writes one audit entry inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, tx *sql.Tx, entry domain.AuditEntry) (domain.AuditEntry, error)
}

// Ledger is the append-only audit store backed by the audit_entries table.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append assigns the next sequence number for the entry's work item and inserts it.
// The sequence is read and written in tx, so it is only safe inside a write transaction.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if tx == nil {
		return domain.AuditEntry{}, errors.New("audit append requires a transaction")
	}
	if entry.WorkItemID == "" || entry.Actor == "" || entry.Action == "" {
		return domain.AuditEntry{}, errors.New("audit entry needs work item, actor and action")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.Detail == nil {
		entry.Detail = map[string]any{}
	}
	data, err := json.Marshal(entry.Detail)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit detail: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM audit_entries WHERE work_item_id=?`, entry.WorkItemID).Scan(&entry.Seq); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("next audit seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(work_item_id,seq,actor,action,from_state,to_state,ts,detail_json) VALUES (?,?,?,?,?,?,?,?)`,
		entry.WorkItemID, entry.Seq, entry.Actor, entry.Action, nullable(entry.FromState), nullable(entry.ToState),
		db.FormatTime(entry.Timestamp), string(data))
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

// Entries yields the trail of one work item in ascending sequence order.
// Rows are streamed while ranging; ranging again runs a fresh query.
func (l Ledger) Entries(ctx context.Context, workItemID string) iter.Seq2[domain.AuditEntry, error] {
	return func(yield func(domain.AuditEntry, error) bool) {
		rows, err := l.DB.QueryContext(ctx, `SELECT work_item_id,seq,actor,action,from_state,to_state,ts,detail_json
FROM audit_entries WHERE work_item_id=? ORDER BY seq ASC`, workItemID)
		if err != nil {
			yield(domain.AuditEntry{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				yield(domain.AuditEntry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.AuditEntry{}, err)
		}
	}
}

// List collects the full trail of one work item.
func (l Ledger) List(ctx context.Context, workItemID string) ([]domain.AuditEntry, error) {
	var res []domain.AuditEntry
	for entry, err := range l.Entries(ctx, workItemID) {
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, nil
}

func scanEntry(rows *sql.Rows) (domain.AuditEntry, error) {
	var entry domain.AuditEntry
	var fromState, toState sql.NullString
	var ts, detail string
	if err := rows.Scan(&entry.WorkItemID, &entry.Seq, &entry.Actor, &entry.Action, &fromState, &toState, &ts, &detail); err != nil {
		return entry, err
	}
	entry.FromState = fromState.String
	entry.ToState = toState.String
	t, err := db.ParseTime(ts)
	if err != nil {
		return entry, fmt.Errorf("audit entry %s/%d ts: %w", entry.WorkItemID, entry.Seq, err)
	}
	entry.Timestamp = t
	if detail != "" {
		if err := json.Unmarshal([]byte(detail), &entry.Detail); err != nil {
			return entry, fmt.Errorf("audit entry %s/%d detail: %w", entry.WorkItemID, entry.Seq, err)
		}
	}
	return entry, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
