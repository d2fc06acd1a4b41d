package repo

import (
	"context"
	"database/sql"
	"fmt"

	"dueline/internal/db"
	"dueline/internal/domain"
)

const exceptionColumns = `id,work_item_id,reason,justification,valid_from,valid_to,extend_due_to,status,requested_by,requested_at,decided_by,decided_at`

func scanException(row scanner) (domain.Exception, error) {
	var e domain.Exception
	var justification, extendDueTo, decidedBy, decidedAt sql.NullString
	var validFrom, validTo, requestedAt string
	err := row.Scan(&e.ID, &e.WorkItemID, &e.Reason, &justification, &validFrom, &validTo, &extendDueTo,
		&e.Status, &e.RequestedBy, &requestedAt, &decidedBy, &decidedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if justification.Valid {
		e.Justification = justification.String
	}
	if decidedBy.Valid {
		e.DecidedBy = &decidedBy.String
	}
	if e.ValidFrom, err = db.ParseTime(validFrom); err != nil {
		return e, fmt.Errorf("exception %s valid_from: %w", e.ID, err)
	}
	if e.ValidTo, err = db.ParseTime(validTo); err != nil {
		return e, fmt.Errorf("exception %s valid_to: %w", e.ID, err)
	}
	if e.RequestedAt, err = db.ParseTime(requestedAt); err != nil {
		return e, fmt.Errorf("exception %s requested_at: %w", e.ID, err)
	}
	if e.ExtendDueTo, err = parseNullTime(extendDueTo); err != nil {
		return e, err
	}
	if e.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) InsertException(ctx context.Context, tx *sql.Tx, e domain.Exception) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO exceptions(`+exceptionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.WorkItemID, e.Reason, nullable(e.Justification), db.FormatTime(e.ValidFrom), db.FormatTime(e.ValidTo),
		nullableTime(e.ExtendDueTo), e.Status, e.RequestedBy, db.FormatTime(e.RequestedAt),
		nullableStringPtr(e.DecidedBy), nullableTime(e.DecidedAt))
	return err
}

// DecideException records the decision on a pending exception. ErrStale means
// the exception was no longer pending.
func (r Repo) DecideException(ctx context.Context, tx *sql.Tx, e domain.Exception) error {
	res, err := tx.ExecContext(ctx, `UPDATE exceptions SET status=?, decided_by=?, decided_at=? WHERE id=? AND status=?`,
		e.Status, nullableStringPtr(e.DecidedBy), nullableTime(e.DecidedAt), e.ID, domain.ExceptionPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) GetException(ctx context.Context, id string) (domain.Exception, error) {
	return scanException(r.DB.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=?`, id))
}

func (r Repo) GetExceptionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Exception, error) {
	return scanException(tx.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=?`, id))
}

func (r Repo) ListExceptions(ctx context.Context, workItemID string) ([]domain.Exception, error) {
	return listExceptions(ctx, r.DB, workItemID)
}

func (r Repo) ListExceptionsTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]domain.Exception, error) {
	return listExceptions(ctx, tx, workItemID)
}

func listExceptions(ctx context.Context, q queryer, workItemID string) ([]domain.Exception, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE work_item_id=? ORDER BY requested_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
