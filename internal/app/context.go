package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/logging"
	"civicflow/internal/metrics"
	"civicflow/internal/migrate"
	"civicflow/internal/repo"
)

// Runtime bundles everything a command needs against one workspace.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Open migrates the workspace database and builds an engine from the
// workspace config. A missing civicflow.yml falls back to defaults.
func Open(ctx context.Context, workspace string, log *zap.Logger) (*Runtime, error) {
	log = logging.OrNop(log)
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m := metrics.New()
	e := engine.New(conn, cfg.SLAPolicy())
	e.Metrics = m
	log.Debug("workspace opened", zap.String("db", db.Path(workspace)))
	return &Runtime{DB: conn, Config: cfg, Engine: e, Metrics: m, Logger: log}, nil
}

// ResolveActor picks the acting identity for a CLI call. An explicit role
// registers or refreshes the actor; otherwise the stored actor is used.
func ResolveActor(ctx context.Context, r repo.Repo, id, role, wardID string) (domain.Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Actor{}, fmt.Errorf("actor not specified; use --actor-id")
	}
	if role == "" {
		a, err := r.GetActor(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, fmt.Errorf("actor %s unknown; pass --role to register it", id)
		}
		if err != nil {
			return domain.Actor{}, err
		}
		if wardID != "" && wardID != a.WardID {
			return domain.Actor{}, fmt.Errorf("actor %s belongs to ward %q", id, a.WardID)
		}
		return a, nil
	}
	a := domain.Actor{ID: id, Role: domain.Role(strings.ToUpper(role)), WardID: wardID}
	if !a.Role.Valid() {
		return domain.Actor{}, fmt.Errorf("unknown role %s", role)
	}
	if err := r.UpsertActor(ctx, a); err != nil {
		return domain.Actor{}, fmt.Errorf("register actor: %w", err)
	}
	return a, nil
}
