package repo

import (
	"context"
	"database/sql"

	"dueline/internal/db"
	"dueline/internal/domain"
)

const deliveryColumns = `idempotency_key,channel,work_item_id,level,status,attempts,last_error,updated_at`

func scanDelivery(row scanner) (domain.Delivery, error) {
	var d domain.Delivery
	var lastError sql.NullString
	var updatedAt string
	err := row.Scan(&d.IdempotencyKey, &d.Channel, &d.WorkItemID, &d.Level, &d.Status, &d.Attempts, &lastError, &updatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if lastError.Valid {
		d.LastError = lastError.String
	}
	d.UpdatedAt, err = db.ParseTime(updatedAt)
	return d, err
}

// DeliveryStore persists dispatcher outcomes keyed by (idempotency key, channel).
type DeliveryStore struct {
	Repo Repo
}

func (s DeliveryStore) Delivered(ctx context.Context, key, channel string) (bool, error) {
	d, err := s.Repo.GetDelivery(ctx, key, channel)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Status == domain.DeliveryDelivered, nil
}

func (s DeliveryStore) Record(ctx context.Context, d domain.Delivery) error {
	return s.Repo.UpsertDelivery(ctx, d)
}

func (r Repo) GetDelivery(ctx context.Context, key, channel string) (domain.Delivery, error) {
	return scanDelivery(r.DB.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE idempotency_key=? AND channel=?`, key, channel))
}

// UpsertDelivery stores the outcome; attempts accumulate across redeliveries of the same key.
func (r Repo) UpsertDelivery(ctx context.Context, d domain.Delivery) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deliveries(`+deliveryColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key, channel) DO UPDATE SET status=excluded.status, attempts=deliveries.attempts+excluded.attempts,
last_error=excluded.last_error, updated_at=excluded.updated_at`,
		d.IdempotencyKey, d.Channel, d.WorkItemID, d.Level, d.Status, d.Attempts, nullable(d.LastError), db.FormatTime(d.UpdatedAt))
	return err
}

func (r Repo) ListDeliveries(ctx context.Context, workItemID string) ([]domain.Delivery, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE work_item_id=? ORDER BY updated_at ASC, idempotency_key ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
