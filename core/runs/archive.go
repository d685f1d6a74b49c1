package runs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/db"
	"github.com/iceos-ai/iceos/common/logger"
)

// Archive persists terminal run snapshots in Postgres for durable
// listing and reporting. Live run state stays in the KV store; a lost
// archive write never fails a run.
type Archive struct {
	db  *db.DB
	log *logger.Logger
}

// NewArchive creates an archive over an established pool.
func NewArchive(database *db.DB, log *logger.Logger) *Archive {
	return &Archive{db: database, log: log.WithComponent("run-archive")}
}

// EnsureSchema creates the archive table when missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id            TEXT PRIMARY KEY,
			blueprint_id  TEXT NOT NULL,
			fingerprint   TEXT NOT NULL,
			status        TEXT NOT NULL,
			estimate_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			finished_at   TIMESTAMPTZ,
			snapshot      JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS runs_blueprint_idx ON runs (blueprint_id, created_at DESC);
	`)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "ensure runs schema")
	}
	return nil
}

// Insert stores a terminal snapshot. Re-inserting the same run id
// overwrites, so retried archival is idempotent.
func (a *Archive) Insert(ctx context.Context, run *Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "encode run %s for archive", run.ID)
	}
	_, err = a.db.Exec(ctx, `
		INSERT INTO runs (id, blueprint_id, fingerprint, status, estimate_usd, cost_usd, created_at, finished_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cost_usd = EXCLUDED.cost_usd,
			finished_at = EXCLUDED.finished_at,
			snapshot = EXCLUDED.snapshot
	`, run.ID, run.BlueprintID, run.Fingerprint, string(run.Status),
		run.EstimateUSD, run.CostUSD, run.CreatedAt, run.FinishedAt, snapshot)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "archive run %s", run.ID)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	BlueprintID string
	Status      Status
	Limit       int
	Offset      int
}

// List returns archived runs, newest first.
func (a *Archive) List(ctx context.Context, filter ListFilter) ([]*Run, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := a.db.Query(ctx, `
		SELECT snapshot FROM runs
		WHERE ($1 = '' OR blueprint_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, filter.BlueprintID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "list archived runs")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, err, "scan archived run")
		}
		var run Run
		if err := json.Unmarshal(snapshot, &run); err != nil {
			a.log.Warn("skipping malformed archived run", "error", err)
			continue
		}
		out = append(out, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "iterate archived runs")
	}
	return out, nil
}

// archiveTimeout bounds the fire-and-forget terminal write.
const archiveTimeout = 10 * time.Second
