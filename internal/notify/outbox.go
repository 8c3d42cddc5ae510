package notify

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"civicflow/internal/domain"
	"civicflow/internal/repo"
)

// Outbox stores notifications next to the transition that produced them and
// hands them to the relay once committed.
type Outbox struct {
	DB  *sql.DB
	Now func() time.Time
}

func (o Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Enqueue writes n inside tx. Notifications without a recipient are dropped.
func (o Outbox) Enqueue(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	if strings.TrimSpace(n.UserID) == "" {
		return nil
	}
	if n.ComplaintID == "" || n.Kind == "" {
		return errors.New("notification needs complaint_id and kind")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = o.now()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(user_id, complaint_id, kind, created_at) VALUES (?,?,?,?)`,
		n.UserID, n.ComplaintID, n.Kind, repo.FormatTime(n.CreatedAt))
	return err
}

// Pending returns undispatched notifications in insertion order.
func (o Outbox) Pending(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = defaultBatch
	}
	rows, err := o.DB.QueryContext(ctx, `SELECT id, user_id, complaint_id, kind, created_at FROM notifications
WHERE dispatched_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var created string
		if err := rows.Scan(&n.ID, &n.UserID, &n.ComplaintID, &n.Kind, &created); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = repo.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (o Outbox) MarkDispatched(ctx context.Context, id int64) error {
	_, err := o.DB.ExecContext(ctx, `UPDATE notifications SET dispatched_at=? WHERE id=? AND dispatched_at IS NULL`,
		repo.FormatTime(o.now()), id)
	return err
}

// ForComplaint lists every notification recorded for a complaint.
func (o Outbox) ForComplaint(ctx context.Context, complaintID string) ([]domain.Notification, error) {
	rows, err := o.DB.QueryContext(ctx, `SELECT id, user_id, complaint_id, kind, created_at FROM notifications
WHERE complaint_id=? ORDER BY id ASC`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var created string
		if err := rows.Scan(&n.ID, &n.UserID, &n.ComplaintID, &n.Kind, &created); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = repo.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
