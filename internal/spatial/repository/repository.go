package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"orbit-server/internal/shared/database"
	"orbit-server/internal/spatial"
)

type Repository struct {
	db     *database.DB
	logger *slog.Logger
}

func NewRepository(db *database.DB, logger *slog.Logger) *Repository {
	logger.Debug("Initializing spatial repository")
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// SaveSnapshot upserts every body and entity by id and deletes the rows the
// snapshot no longer contains, in one transaction.
func (r *Repository) SaveSnapshot(ctx context.Context, snap *spatial.Snapshot) error {
	logger := r.logger.With(
		"component", "spatial_repository",
		"operation", "save_snapshot",
		"tick", snap.Tick,
		"bodies", len(snap.Bodies),
		"entities", len(snap.Entities),
	)
	logger.Debug("Persisting spatial snapshot")

	bodiesJSON, err := json.Marshal(snap.Bodies)
	if err != nil {
		logger.Error("Failed to marshal bodies to JSON", "error", err)
		return fmt.Errorf("failed to marshal bodies: %w", err)
	}
	entitiesJSON, err := json.Marshal(snap.Entities)
	if err != nil {
		logger.Error("Failed to marshal entities to JSON", "error", err)
		return fmt.Errorf("failed to marshal entities: %w", err)
	}

	tx, err := r.db.BeginTxContext(ctx)
	if err != nil {
		logger.Error("Failed to begin transaction", "error", err)
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			logger.Error("Failed to rollback transaction", "error", err)
		}
	}()

	bodiesQuery := `
		INSERT INTO celestial_bodies (id, kind, parent_id, name, ux, uy, uz, lx, ly, lz, vx, vy, vz, mass, radius, tick, updated_at)
		SELECT
			data->>'id',
			(data->>'kind')::body_kind,
			NULLIF(data->>'parentId', ''),
			COALESCE(data->>'name', ''),
			(data->'universalPosition'->>0)::double precision,
			(data->'universalPosition'->>1)::double precision,
			(data->'universalPosition'->>2)::double precision,
			(data->'localPosition'->>0)::double precision,
			(data->'localPosition'->>1)::double precision,
			(data->'localPosition'->>2)::double precision,
			(data->'velocity'->>0)::double precision,
			(data->'velocity'->>1)::double precision,
			(data->'velocity'->>2)::double precision,
			(data->>'mass')::double precision,
			(data->>'radius')::double precision,
			$2,
			NOW()
		FROM json_array_elements($1::json) AS data
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			parent_id = EXCLUDED.parent_id,
			name = EXCLUDED.name,
			ux = EXCLUDED.ux, uy = EXCLUDED.uy, uz = EXCLUDED.uz,
			lx = EXCLUDED.lx, ly = EXCLUDED.ly, lz = EXCLUDED.lz,
			vx = EXCLUDED.vx, vy = EXCLUDED.vy, vz = EXCLUDED.vz,
			mass = EXCLUDED.mass,
			radius = EXCLUDED.radius,
			tick = EXCLUDED.tick,
			updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, bodiesQuery, string(bodiesJSON), int64(snap.Tick)); err != nil {
		logger.Error("Failed to upsert celestial bodies", "error", err)
		return fmt.Errorf("failed to upsert celestial bodies: %w", err)
	}

	entitiesQuery := `
		INSERT INTO movable_entities (id, name, ux, uy, uz, vx, vy, vz, dock_state, docked_body_id, last_updated, tick)
		SELECT
			data->>'id',
			COALESCE(data->>'name', ''),
			(data->'universalPosition'->>0)::double precision,
			(data->'universalPosition'->>1)::double precision,
			(data->'universalPosition'->>2)::double precision,
			(data->'velocity'->>0)::double precision,
			(data->'velocity'->>1)::double precision,
			(data->'velocity'->>2)::double precision,
			(data->>'dockState')::dock_state,
			NULLIF(data->>'dockedBodyId', ''),
			(data->>'lastUpdated')::timestamptz,
			$2
		FROM json_array_elements($1::json) AS data
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ux = EXCLUDED.ux, uy = EXCLUDED.uy, uz = EXCLUDED.uz,
			vx = EXCLUDED.vx, vy = EXCLUDED.vy, vz = EXCLUDED.vz,
			dock_state = EXCLUDED.dock_state,
			docked_body_id = EXCLUDED.docked_body_id,
			last_updated = EXCLUDED.last_updated,
			tick = EXCLUDED.tick`

	if _, err := tx.ExecContext(ctx, entitiesQuery, string(entitiesJSON), int64(snap.Tick)); err != nil {
		logger.Error("Failed to upsert movable entities", "error", err)
		return fmt.Errorf("failed to upsert movable entities: %w", err)
	}

	for _, table := range []string{"movable_entities", "celestial_bodies"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE tick < $1`, int64(snap.Tick)); err != nil {
			logger.Error("Failed to prune removed rows", "table", table, "error", err)
			return fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit snapshot transaction", "error", err)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	logger.Debug("Spatial snapshot persisted")
	return nil
}

// LoadSnapshot reads the last persisted state. An empty store yields an
// empty snapshot at tick 0.
func (r *Repository) LoadSnapshot(ctx context.Context) (*spatial.Snapshot, error) {
	logger := r.logger.With("component", "spatial_repository", "operation", "load_snapshot")
	logger.Debug("Loading spatial state")

	snap := &spatial.Snapshot{}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(parent_id, ''), name, ux, uy, uz, lx, ly, lz, vx, vy, vz, mass, radius, tick
		FROM celestial_bodies
		ORDER BY id`)
	if err != nil {
		logger.Error("Failed to query celestial bodies", "error", err)
		return nil, fmt.Errorf("failed to query celestial bodies: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("Failed to close rows", "error", err)
		}
	}()

	for rows.Next() {
		var b spatial.CelestialBody
		var tick int64
		err := rows.Scan(
			&b.ID, &b.Kind, &b.ParentID, &b.Name,
			&b.UniversalPosition[0], &b.UniversalPosition[1], &b.UniversalPosition[2],
			&b.LocalPosition[0], &b.LocalPosition[1], &b.LocalPosition[2],
			&b.Velocity[0], &b.Velocity[1], &b.Velocity[2],
			&b.Mass, &b.Radius, &tick,
		)
		if err != nil {
			logger.Error("Failed to scan celestial body", "error", err)
			return nil, fmt.Errorf("failed to scan celestial body: %w", err)
		}
		if uint64(tick) > snap.Tick {
			snap.Tick = uint64(tick)
		}
		snap.Bodies = append(snap.Bodies, b)
	}
	if err := rows.Err(); err != nil {
		logger.Error("Error during rows iteration", "error", err)
		return nil, fmt.Errorf("error iterating celestial bodies: %w", err)
	}

	entityRows, err := r.db.QueryContext(ctx, `
		SELECT id, name, ux, uy, uz, vx, vy, vz, dock_state, COALESCE(docked_body_id, ''), last_updated
		FROM movable_entities
		ORDER BY id`)
	if err != nil {
		logger.Error("Failed to query movable entities", "error", err)
		return nil, fmt.Errorf("failed to query movable entities: %w", err)
	}
	defer func() {
		if err := entityRows.Close(); err != nil {
			logger.Error("Failed to close rows", "error", err)
		}
	}()

	for entityRows.Next() {
		var e spatial.MovableEntity
		err := entityRows.Scan(
			&e.ID, &e.Name,
			&e.UniversalPosition[0], &e.UniversalPosition[1], &e.UniversalPosition[2],
			&e.Velocity[0], &e.Velocity[1], &e.Velocity[2],
			&e.DockState, &e.DockedBodyID, &e.LastUpdated,
		)
		if err != nil {
			logger.Error("Failed to scan movable entity", "error", err)
			return nil, fmt.Errorf("failed to scan movable entity: %w", err)
		}
		snap.Entities = append(snap.Entities, e)
	}
	if err := entityRows.Err(); err != nil {
		logger.Error("Error during rows iteration", "error", err)
		return nil, fmt.Errorf("error iterating movable entities: %w", err)
	}

	logger.Info("Spatial state loaded", "tick", snap.Tick, "bodies", len(snap.Bodies), "entities", len(snap.Entities))
	return snap, nil
}
