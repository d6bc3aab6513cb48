package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeventeLantos/session-pool/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id           BIGSERIAL PRIMARY KEY,
	session_id   TEXT        NOT NULL,
	destination  TEXT        NOT NULL,
	body         TEXT        NOT NULL,
	attempts     INTEGER     NOT NULL,
	last_error   TEXT,
	enqueued_at  TIMESTAMPTZ NOT NULL,
	dead_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dead_letters_dead_at_idx ON dead_letters (dead_at DESC);
`

// OpenPostgres opens a pgx-backed *sql.DB and checks connectivity.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type PostgresDeadLetterRepo struct {
	db *sql.DB
}

func NewPostgresDeadLetterRepo(db *sql.DB) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: db}
}

func (r *PostgresDeadLetterRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *PostgresDeadLetterRepo) StoreDeadLetter(ctx context.Context, e queue.Entry) error {
	var lastErr sql.NullString
	if e.LastError != "" {
		lastErr = sql.NullString{String: e.LastError, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (session_id, destination, body, attempts, last_error, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.SessionID, e.Destination, e.Text, e.Attempts, lastErr, e.EnqueuedAt.UTC())
	return err
}

func (r *PostgresDeadLetterRepo) ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, destination, body, attempts, last_error, enqueued_at, dead_at
		FROM dead_letters
		ORDER BY dead_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		var d DeadLetter
		var lastErr sql.NullString

		if err := rows.Scan(
			&d.ID,
			&d.SessionID,
			&d.Destination,
			&d.Text,
			&d.Attempts,
			&lastErr,
			&d.EnqueuedAt,
			&d.DeadAt,
		); err != nil {
			return nil, err
		}

		if lastErr.Valid {
			d.LastError = lastErr.String
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
