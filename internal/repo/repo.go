package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dueline/internal/db"
	"dueline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale means a conditional update matched no row because the row changed.
	ErrStale = errors.New("stale row")
)

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const workItemColumns = `id,kind,title,status,severity,owner,due_at,escalation_level,exception_id,version,created_at,updated_at,last_escalated_at,closed_at`

func scanWorkItem(row scanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var title, exceptionID, lastEscalatedAt, closedAt sql.NullString
	var dueAt, createdAt, updatedAt string
	err := row.Scan(&it.ID, &it.Kind, &title, &it.Status, &it.Severity, &it.Owner, &dueAt, &it.EscalationLevel,
		&exceptionID, &it.Version, &createdAt, &updatedAt, &lastEscalatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if title.Valid {
		it.Title = title.String
	}
	if exceptionID.Valid {
		it.ExceptionID = &exceptionID.String
	}
	if it.DueAt, err = db.ParseTime(dueAt); err != nil {
		return it, fmt.Errorf("work item %s due_at: %w", it.ID, err)
	}
	if it.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return it, fmt.Errorf("work item %s created_at: %w", it.ID, err)
	}
	if it.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return it, fmt.Errorf("work item %s updated_at: %w", it.ID, err)
	}
	if it.LastEscalatedAt, err = parseNullTime(lastEscalatedAt); err != nil {
		return it, err
	}
	if it.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return it, err
	}
	return it, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Kind, nullable(it.Title), it.Status, it.Severity, it.Owner, db.FormatTime(it.DueAt), it.EscalationLevel,
		nullableStringPtr(it.ExceptionID), it.Version, db.FormatTime(it.CreatedAt), db.FormatTime(it.UpdatedAt),
		nullableTime(it.LastEscalatedAt), nullableTime(it.ClosedAt))
	return err
}

// UpdateWorkItem writes every mutable field of it, provided the stored version
// still equals expectedVersion. The stored version becomes expectedVersion+1.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, owner=?, due_at=?, escalation_level=?, exception_id=?, version=version+1,
updated_at=?, last_escalated_at=?, closed_at=? WHERE id=? AND version=?`,
		it.Status, it.Owner, db.FormatTime(it.DueAt), it.EscalationLevel, nullableStringPtr(it.ExceptionID),
		db.FormatTime(it.UpdatedAt), nullableTime(it.LastEscalatedAt), nullableTime(it.ClosedAt), it.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var n int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=?`, it.ID).Scan(&n)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStale
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, r.DB, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, tx, id)
}

func getWorkItem(ctx context.Context, q queryer, id string) (domain.WorkItem, error) {
	return scanWorkItem(q.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

type ItemFilters struct {
	Status   domain.Status
	Kind     domain.Kind
	Severity domain.Severity
	Owner    string
	OpenOnly bool
	Limit    int
}

func (r Repo) ListWorkItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if f.OpenOnly {
		clauses = append(clauses, "status NOT IN (?,?)")
		args = append(args, domain.StatusClosed, domain.StatusRejected)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY due_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// OpenWorkItemIDs returns ids of every non-terminal item, most urgent first.
func (r Repo) OpenWorkItemIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM work_items WHERE status NOT IN (?,?) ORDER BY due_at ASC, id ASC`,
		domain.StatusClosed, domain.StatusRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountWorkItemsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return db.FormatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := db.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
