// Package store persists the generation ledger in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/types"
)

// ErrNotFound is returned when the ledger has no row for an id.
var ErrNotFound = errors.New("generation not found")

// Open connects to PostgreSQL through the pgx database/sql driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Ledger records every generation and its outcome in the generations table.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const upsertSQL = `
	INSERT INTO generations (id, key_id, status, textured, download_url, seed, vertices, faces, error, submitted_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		status       = EXCLUDED.status,
		textured     = EXCLUDED.textured,
		download_url = EXCLUDED.download_url,
		seed         = COALESCE(EXCLUDED.seed, generations.seed),
		vertices     = EXCLUDED.vertices,
		faces        = EXCLUDED.faces,
		error        = EXCLUDED.error,
		updated_at   = EXCLUDED.updated_at`

// Upsert writes the current state of job.
func (l *Ledger) Upsert(ctx context.Context, job *types.Job) error {
	var (
		textured bool
		url      sql.NullString
		seed     sql.NullInt64
		vertices sql.NullInt64
		faces    sql.NullInt64
	)
	if out := job.Output; out != nil {
		textured = out.Textured
		url = sql.NullString{String: out.DownloadURL, Valid: true}
		seed = sql.NullInt64{Int64: out.Seed, Valid: true}
		vertices = sql.NullInt64{Int64: int64(out.Vertices), Valid: out.Vertices > 0}
		faces = sql.NullInt64{Int64: int64(out.Faces), Valid: out.Faces > 0}
	}
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	submitted := job.SubmittedAt
	if submitted.IsZero() {
		submitted = updated
	}

	_, err := l.db.ExecContext(ctx, upsertSQL,
		job.ID,
		nullString(job.KeyID),
		string(job.Status),
		textured,
		url,
		seed,
		vertices,
		faces,
		nullString(job.Error),
		submitted,
		updated,
	)
	if err != nil {
		return fmt.Errorf("upsert generation %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a generation as a job record without its input.
func (l *Ledger) Get(ctx context.Context, id string) (*types.Job, error) {
	var (
		job      types.Job
		status   string
		keyID    sql.NullString
		textured bool
		url      sql.NullString
		seed     sql.NullInt64
		vertices sql.NullInt64
		faces    sql.NullInt64
		errMsg   sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, key_id, status, textured, download_url, seed, vertices, faces, error, submitted_at, updated_at
		FROM generations
		WHERE id = $1
	`, id).Scan(&job.ID, &keyID, &status, &textured, &url, &seed, &vertices, &faces, &errMsg, &job.SubmittedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query generation %s: %w", id, err)
	}

	job.Status = types.JobStatus(status)
	job.KeyID = keyID.String
	job.Error = errMsg.String
	if job.Status == types.JobCompleted && url.Valid {
		job.Output = &types.GenerationResult{
			DownloadURL: url.String,
			Textured:    textured,
			Seed:        seed.Int64,
			UID:         job.ID,
			Vertices:    int(vertices.Int64),
			Faces:       int(faces.Int64),
		}
	}
	return &job, nil
}

// CountSince returns how many generations keyID submitted since t.
func (l *Ledger) CountSince(ctx context.Context, keyID string, t time.Time) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM generations WHERE key_id = $1 AND submitted_at >= $2`,
		keyID, t,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
