package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"civicflow/internal/domain"
)

// UpsertActor records or updates an actor's role and ward.
func (r Repo) UpsertActor(ctx context.Context, a domain.Actor) error {
	if a.ID == "" {
		return errors.New("actor id required")
	}
	if !a.Role.Valid() {
		return errors.New("invalid role " + string(a.Role))
	}
	now := FormatTime(time.Now())
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id, role, ward_id, created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, ward_id=excluded.ward_id`, a.ID, a.Role, nullable(a.WardID), now)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	var ward sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, role, ward_id FROM actors WHERE id=?`, id).Scan(&a.ID, &a.Role, &ward)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.WardID = ward.String
	return a, nil
}

func (r Repo) ListActors(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	query := `SELECT id, role, ward_id FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var ward sql.NullString
		if err := rows.Scan(&a.ID, &a.Role, &ward); err != nil {
			return nil, err
		}
		a.WardID = ward.String
		actors = append(actors, a)
	}
	return actors, rows.Err()
}
