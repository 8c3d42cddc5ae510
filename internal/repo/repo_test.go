package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/migrate"
	"civicflow/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func complaint(id, ward string, created time.Time) domain.Complaint {
	return domain.Complaint{
		ID:            id,
		Type:          "DRAINAGE",
		Title:         "Blocked drain " + id,
		Priority:      domain.PriorityMedium,
		Status:        domain.StatusRegistered,
		WardID:        ward,
		SubmittedByID: "cit-1",
		CreatedAt:     created,
		UpdatedAt:     created,
		Deadline:      created.Add(72 * time.Hour),
		SLAWindow:     72 * time.Hour,
	}
}

func insert(t *testing.T, r repo.Repo, cs ...domain.Complaint) {
	t.Helper()
	ctx := context.Background()
	for _, c := range cs {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, r.InsertComplaint(ctx, tx, c))
		require.NoError(t, tx.Commit())
	}
}

func withTx(t *testing.T, r repo.Repo, fn func(*sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := repo.FormatTime(t0)
	b := repo.FormatTime(t0.Add(time.Nanosecond))
	c := repo.FormatTime(t0.Add(10 * time.Second))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
	parsed, err := repo.ParseTime(b)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(t0.Add(time.Nanosecond)))
}

func TestComplaintRoundTrip(t *testing.T) {
	r := newRepo(t)
	c := complaint("c-1", "w-1", t0)
	c.Description = "water pooling on the road"
	insert(t, r, c)

	got, err := r.GetComplaint(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, c.Description, got.Description)
	assert.Nil(t, got.AssignedToID)
	assert.Nil(t, got.ResolvedAt)
	assert.True(t, got.Deadline.Equal(c.Deadline))
	assert.Equal(t, 72*time.Hour, got.SLAWindow)

	_, err = r.GetComplaint(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateIfStatus(t *testing.T) {
	r := newRepo(t)
	c := complaint("c-1", "w-1", t0)
	insert(t, r, c)

	crew := "crew-1"
	moved := c
	moved.Status = domain.StatusAssigned
	moved.AssignedToID = &crew
	moved.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateComplaintIfStatus(context.Background(), tx, moved, domain.StatusRegistered)
	}))

	stale := c
	stale.Status = domain.StatusClosed
	err := withTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateComplaintIfStatus(context.Background(), tx, stale, domain.StatusRegistered)
	})
	assert.ErrorIs(t, err, repo.ErrConflict)

	ghost := complaint("ghost", "w-1", t0)
	err = withTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateComplaintIfStatus(context.Background(), tx, ghost, domain.StatusRegistered)
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	got, err := r.GetComplaint(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, got.Status)
	require.NotNil(t, got.AssignedToID)
	assert.Equal(t, crew, *got.AssignedToID)
	assert.Equal(t, int64(1), got.Version)
}

func TestUpdateIfStatusChecksVersion(t *testing.T) {
	r := newRepo(t)
	c := complaint("c-1", "w-1", t0)
	insert(t, r, c)
	ctx := context.Background()

	write := func(from domain.Complaint, to domain.Status) error {
		next := from
		next.Status = to
		return withTx(t, r, func(tx *sql.Tx) error {
			return r.UpdateComplaintIfStatus(ctx, tx, next, from.Status)
		})
	}

	require.NoError(t, write(c, domain.StatusAssigned))
	observed, err := r.GetComplaint(ctx, "c-1")
	require.NoError(t, err)
	require.NoError(t, write(observed, domain.StatusInProgress))
	current, err := r.GetComplaint(ctx, "c-1")
	require.NoError(t, err)
	require.NoError(t, write(current, domain.StatusAssigned))

	// same status as observed, but two writes later
	assert.ErrorIs(t, write(observed, domain.StatusResolved), repo.ErrConflict)

	got, err := r.GetComplaint(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, got.Status)
	assert.Equal(t, int64(3), got.Version)
}

func TestListComplaintsCursor(t *testing.T) {
	r := newRepo(t)
	insert(t, r,
		complaint("a", "w-1", t0),
		complaint("b", "w-1", t0.Add(time.Hour)),
		complaint("c", "w-2", t0.Add(time.Hour)),
		complaint("d", "w-1", t0.Add(2*time.Hour)),
	)
	ctx := context.Background()

	page, err := r.ListComplaints(ctx, repo.ComplaintFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d", page[0].ID)
	assert.Equal(t, "c", page[1].ID)

	last := page[1]
	rest, err := r.ListComplaints(ctx, repo.ComplaintFilters{
		CursorCreatedAt: repo.FormatTime(last.CreatedAt),
		CursorID:        last.ID,
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].ID)
	assert.Equal(t, "a", rest[1].ID)

	ward, err := r.ListComplaints(ctx, repo.ComplaintFilters{WardID: "w-2", Type: "drainage"})
	require.NoError(t, err)
	require.Len(t, ward, 1)
	assert.Equal(t, "c", ward[0].ID)
}

func TestListComplaintsScope(t *testing.T) {
	r := newRepo(t)
	crew := "crew-9"
	assigned := complaint("b", "w-2", t0.Add(time.Hour))
	assigned.AssignedToID = &crew
	other := complaint("c", "w-2", t0.Add(2*time.Hour))
	other.SubmittedByID = "cit-2"
	insert(t, r, complaint("a", "w-1", t0), assigned, other)
	ctx := context.Background()

	ids := func(f repo.ComplaintFilters) []string {
		rows, err := r.ListComplaints(ctx, f)
		require.NoError(t, err)
		out := []string{}
		for _, c := range rows {
			out = append(out, c.ID)
		}
		return out
	}

	assert.Equal(t, []string{"b", "a"}, ids(repo.ComplaintFilters{Scope: &repo.VisibilityScope{ActorID: "cit-1", Own: true}}))
	assert.Equal(t, []string{"b"}, ids(repo.ComplaintFilters{Scope: &repo.VisibilityScope{ActorID: crew, Own: true}}))
	assert.Equal(t, []string{"c", "b"}, ids(repo.ComplaintFilters{Scope: &repo.VisibilityScope{WardID: "w-2", Ward: true}}))
	assert.Equal(t, []string{"c", "b"}, ids(repo.ComplaintFilters{Limit: 2, Scope: &repo.VisibilityScope{ActorID: "cit-2", WardID: "w-2", Own: true, Ward: true}}))
	assert.Empty(t, ids(repo.ComplaintFilters{Scope: &repo.VisibilityScope{ActorID: "cit-1"}}))
	assert.Equal(t, []string{"a"}, ids(repo.ComplaintFilters{Limit: 1, Scope: &repo.VisibilityScope{ActorID: "cit-1", WardID: "w-1", Own: true, Ward: true},
		CursorCreatedAt: repo.FormatTime(t0.Add(time.Hour)), CursorID: "b"}))
}

func TestCountByStatus(t *testing.T) {
	r := newRepo(t)
	insert(t, r, complaint("a", "w-1", t0), complaint("b", "w-2", t0))
	counts, err := r.CountByStatus(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatusRegistered])

	counts, err = r.CountByStatus(context.Background(), "w-2")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusRegistered])
}

func TestActorsAndAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	officer := domain.Actor{ID: "wo-1", Role: domain.RoleWardOfficer, WardID: "w-1"}
	require.NoError(t, r.UpsertActor(ctx, officer))
	assert.Error(t, r.UpsertActor(ctx, domain.Actor{ID: "x", Role: "MAYOR"}))

	_, _, err := r.CreateAPIKey(ctx, "nobody", "")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	key, plain, err := r.CreateAPIKey(ctx, officer.ID, "laptop")
	require.NoError(t, err)
	assert.NotEqual(t, plain, key.KeyHash)
	assert.Equal(t, repo.HashAPIKey(plain), key.KeyHash)

	got, err := r.ActorByAPIKey(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, officer, got)

	// role changes apply to existing keys
	officer.WardID = "w-2"
	require.NoError(t, r.UpsertActor(ctx, officer))
	got, err = r.ActorByAPIKey(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "w-2", got.WardID)

	keys, err := r.ListAPIKeys(ctx, officer.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	_, err = r.ActorByAPIKey(ctx, plain)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), repo.ErrNotFound)
}
