package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"civicflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write finds the row changed.
	ErrConflict = errors.New("conflict")
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const complaintColumns = `id,type,title,description,priority,status,ward_id,submitted_by_id,assigned_to_id,created_at,updated_at,deadline,sla_window_seconds,resolved_at,closed_at,version`

type scanner interface {
	Scan(dest ...any) error
}

func scanComplaint(row scanner) (domain.Complaint, error) {
	var c domain.Complaint
	var description, assignedTo, resolvedAt, closedAt sql.NullString
	var createdAt, updatedAt, deadline string
	var windowSeconds int64
	err := row.Scan(&c.ID, &c.Type, &c.Title, &description, &c.Priority, &c.Status, &c.WardID, &c.SubmittedByID,
		&assignedTo, &createdAt, &updatedAt, &deadline, &windowSeconds, &resolvedAt, &closedAt, &c.Version)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if description.Valid {
		c.Description = description.String
	}
	if assignedTo.Valid {
		c.AssignedToID = &assignedTo.String
	}
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return c, err
	}
	if c.Deadline, err = ParseTime(deadline); err != nil {
		return c, err
	}
	c.SLAWindow = time.Duration(windowSeconds) * time.Second
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return c, err
	}
	if c.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return c, err
	}
	return c, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r Repo) InsertComplaint(ctx context.Context, tx *sql.Tx, c domain.Complaint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO complaints(`+complaintColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Type, c.Title, nullable(c.Description), c.Priority, c.Status, c.WardID, c.SubmittedByID,
		nullableStringPtr(c.AssignedToID), FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt), FormatTime(c.Deadline),
		int64(c.SLAWindow/time.Second), nullableTime(c.ResolvedAt), nullableTime(c.ClosedAt), c.Version)
	return err
}

func (r Repo) GetComplaint(ctx context.Context, id string) (domain.Complaint, error) {
	return r.getComplaint(ctx, r.DB, id)
}

func (r Repo) GetComplaintTx(ctx context.Context, tx *sql.Tx, id string) (domain.Complaint, error) {
	return r.getComplaint(ctx, tx, id)
}

func (r Repo) getComplaint(ctx context.Context, q Querier, id string) (domain.Complaint, error) {
	return scanComplaint(q.QueryRowContext(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id=?`, id))
}

// UpdateComplaintIfStatus writes c only if the stored row is still at status
// expected and at c.Version, then bumps the stored version. It returns
// ErrNotFound for an unknown id and ErrConflict when the row moved on, even if
// it has since cycled back to the same status.
func (r Repo) UpdateComplaintIfStatus(ctx context.Context, tx *sql.Tx, c domain.Complaint, expected domain.Status) error {
	res, err := tx.ExecContext(ctx, `UPDATE complaints SET status=?, assigned_to_id=?, updated_at=?, deadline=?, sla_window_seconds=?, resolved_at=?, closed_at=?, version=version+1
WHERE id=? AND status=? AND version=?`,
		c.Status, nullableStringPtr(c.AssignedToID), FormatTime(c.UpdatedAt), FormatTime(c.Deadline), int64(c.SLAWindow/time.Second),
		nullableTime(c.ResolvedAt), nullableTime(c.ClosedAt), c.ID, expected, c.Version)
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
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM complaints WHERE id=?`, c.ID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

type ComplaintFilters struct {
	Status          string
	WardID          string
	SubmittedByID   string
	AssignedToID    string
	Type            string
	Priority        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
	// Scope limits rows to one actor's reach; nil means unrestricted.
	Scope *VisibilityScope
}

// VisibilityScope is the SQL side of complaint visibility. A row matches when
// any enabled arm matches; with no arm enabled nothing matches.
type VisibilityScope struct {
	ActorID string
	WardID  string
	Own     bool
	Ward    bool
}

func (s VisibilityScope) clause() (string, []any) {
	var arms []string
	var args []any
	if s.Own && s.ActorID != "" {
		arms = append(arms, "submitted_by_id=? OR assigned_to_id=?")
		args = append(args, s.ActorID, s.ActorID)
	}
	if s.Ward && s.WardID != "" {
		arms = append(arms, "ward_id=?")
		args = append(args, s.WardID)
	}
	if len(arms) == 0 {
		return "0", nil
	}
	return "(" + strings.Join(arms, " OR ") + ")", args
}

func (r Repo) ListComplaints(ctx context.Context, f ComplaintFilters) ([]domain.Complaint, error) {
	var clauses []string
	var args []any
	add := func(clause string, v string) {
		if v == "" {
			return
		}
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	add("status=?", f.Status)
	add("ward_id=?", f.WardID)
	add("submitted_by_id=?", f.SubmittedByID)
	add("assigned_to_id=?", f.AssignedToID)
	add("type=?", strings.ToUpper(f.Type))
	add("priority=?", strings.ToUpper(f.Priority))
	if f.Scope != nil {
		clause, scopeArgs := f.Scope.clause()
		clauses = append(clauses, clause)
		args = append(args, scopeArgs...)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + complaintColumns + ` FROM complaints ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountByStatus returns complaint counts per status, optionally for one ward.
func (r Repo) CountByStatus(ctx context.Context, wardID string) (map[domain.Status]int, error) {
	query := `SELECT status, count(*) FROM complaints`
	var args []any
	if wardID != "" {
		query += ` WHERE ward_id=?`
		args = append(args, wardID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int{}
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
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
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}
