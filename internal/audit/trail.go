package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"civicflow/internal/domain"
	"civicflow/internal/repo"
)

// Trail is the append-only status log. Entries are written inside the caller's
// transaction so the log and the complaint row move together.
type Trail struct {
	DB  *sql.DB
	Now func() time.Time
}

// MismatchError is returned by Append when the entry does not continue the
// recorded chain. It matches repo.ErrConflict.
type MismatchError struct {
	ComplaintID string
	Recorded    *domain.Status
	Got         *domain.Status
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("status log for %s is at %s, entry starts from %s", e.ComplaintID, statusString(e.Recorded), statusString(e.Got))
}

func (e MismatchError) Is(target error) bool {
	return target == repo.ErrConflict
}

func statusString(s *domain.Status) string {
	if s == nil {
		return "<none>"
	}
	return string(*s)
}

// Append records entry after checking that its FromStatus equals the last
// recorded ToStatus (nil for the first entry). A timestamp earlier than the
// last recorded one is raised to it, so timestamp order stays chain order.
func (t Trail) Append(ctx context.Context, tx *sql.Tx, entry domain.StatusLogEntry) (domain.StatusLogEntry, error) {
	if entry.ComplaintID == "" {
		return entry, errors.New("complaint_id required")
	}
	if entry.ActorID == "" {
		return entry, errors.New("actor_id required")
	}
	if !entry.ToStatus.Valid() {
		return entry, fmt.Errorf("invalid to_status %q", entry.ToStatus)
	}
	recorded, recordedAt, err := lastEntry(ctx, tx, entry.ComplaintID)
	if err != nil {
		return entry, err
	}
	if !sameStatus(recorded, entry.FromStatus) {
		return entry, MismatchError{ComplaintID: entry.ComplaintID, Recorded: recorded, Got: entry.FromStatus}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		now := time.Now
		if t.Now != nil {
			now = t.Now
		}
		entry.Timestamp = now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.Timestamp.Before(recordedAt) {
		entry.Timestamp = recordedAt
	}
	var from any
	if entry.FromStatus != nil {
		from = string(*entry.FromStatus)
	}
	var comment any
	if entry.Comment != "" {
		comment = entry.Comment
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO status_log(id, complaint_id, actor_id, from_status, to_status, comment, ts) VALUES (?,?,?,?,?,?,?)`,
		entry.ID, entry.ComplaintID, entry.ActorID, from, entry.ToStatus, comment, repo.FormatTime(entry.Timestamp))
	if err != nil {
		return entry, err
	}
	if entry.Seq, err = res.LastInsertId(); err != nil {
		return entry, err
	}
	return entry, nil
}

func lastEntry(ctx context.Context, tx *sql.Tx, complaintID string) (*domain.Status, time.Time, error) {
	var s domain.Status
	var ts string
	err := tx.QueryRowContext(ctx, `SELECT to_status, ts FROM status_log WHERE complaint_id=? ORDER BY seq DESC LIMIT 1`, complaintID).Scan(&s, &ts)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	at, err := repo.ParseTime(ts)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &s, at, nil
}

func sameStatus(a, b *domain.Status) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// History returns the entries for a complaint, oldest first.
func (t Trail) History(ctx context.Context, complaintID string) ([]domain.StatusLogEntry, error) {
	rows, err := t.DB.QueryContext(ctx, `SELECT seq, id, complaint_id, actor_id, from_status, to_status, comment, ts
FROM status_log WHERE complaint_id=? ORDER BY ts ASC, seq ASC`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []domain.StatusLogEntry{}
	for rows.Next() {
		var e domain.StatusLogEntry
		var from, comment sql.NullString
		var ts string
		if err := rows.Scan(&e.Seq, &e.ID, &e.ComplaintID, &e.ActorID, &from, &e.ToStatus, &comment, &ts); err != nil {
			return nil, err
		}
		if from.Valid {
			s := domain.Status(from.String)
			e.FromStatus = &s
		}
		e.Comment = comment.String
		if e.Timestamp, err = repo.ParseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
