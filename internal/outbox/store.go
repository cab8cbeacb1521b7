package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ragline/ragline/internal/domain"
)

// Row is a claimed outbox row handed to the reader.
type Row struct {
	ID        int64
	EventID   string
	Payload   []byte // full envelope JSON
	CreatedAt time.Time
	Attempts  int
}

// Store is the relational outbox surface the reader depends on. PgStore is
// the Postgres implementation; tests substitute an in-memory fake.
type Store interface {
	Claim(ctx context.Context, worker string, limit int, visibility time.Duration) ([]Row, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastErr string, retryAfter time.Duration) error
	MarkDead(ctx context.Context, id int64, lastErr string) error
	Release(ctx context.Context, id int64) error
	OldestUnprocessedAge(ctx context.Context) (time.Duration, bool, error)
	PurgeProcessed(ctx context.Context, olderThan time.Duration) (int64, error)
}

const insertOutboxSQL = `
INSERT INTO outbox (
  event_id, event_type, tenant_id, aggregate_id, payload, created_at, attempts
) VALUES ($1, $2, $3, $4, $5::jsonb, $6, 0)
`

// Claim rows oldest-first so per-aggregate ordering survives worker
// concurrency; SKIP LOCKED serializes competing workers per row. The NOT
// EXISTS gate keeps a (tenant, aggregate) pair strictly sequential: while an
// earlier row of the pair is unprocessed, locked or backing off, its
// successors stay invisible to every worker.
const selectClaimSQL = `
SELECT o.id, o.event_id, o.payload, o.created_at, o.attempts
FROM outbox o
WHERE o.processed_at IS NULL
  AND (o.locked_until IS NULL OR o.locked_until <= NOW())
  AND NOT EXISTS (
    SELECT 1 FROM outbox p
    WHERE p.processed_at IS NULL
      AND p.tenant_id = o.tenant_id
      AND p.aggregate_id = o.aggregate_id
      AND p.id < o.id
  )
ORDER BY o.id ASC
LIMIT $1
FOR UPDATE OF o SKIP LOCKED
`

const lockClaimSQL = `
UPDATE outbox
SET locked_by = $2,
    locked_until = $3
WHERE id = $1
`

const markProcessedSQL = `
UPDATE outbox
SET processed_at = NOW(),
    locked_by = NULL,
    locked_until = NULL,
    last_error = NULL
WHERE id = $1
`

const markFailedSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    locked_by = NULL,
    locked_until = $3
WHERE id = $1
`

const markDeadSQL = `
UPDATE outbox
SET processed_at = NOW(),
    locked_by = NULL,
    locked_until = NULL,
    last_error = $2
WHERE id = $1
`

const releaseSQL = `
UPDATE outbox
SET locked_by = NULL,
    locked_until = NULL
WHERE id = $1
`

const oldestUnprocessedSQL = `
SELECT MIN(created_at) FROM outbox WHERE processed_at IS NULL
`

const purgeProcessedSQL = `
DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - $1::interval
`

type PgStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPgStore(db *sql.DB, queryTimeout time.Duration) *PgStore {
	return &PgStore{db: db, queryTimeout: queryTimeout}
}

func (s *PgStore) qCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Claim selects due rows under SKIP LOCKED, pushes their locked_until into
// the future and commits, keeping the row lock short. The bus append happens
// after this transaction commits, never inside it.
func (s *PgStore) Claim(ctx context.Context, worker string, limit int, visibility time.Duration) ([]Row, error) {
	ctx, cancel := s.qCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, domain.ErrTransient("outbox claim begin: " + err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, selectClaimSQL, limit)
	if err != nil {
		return nil, domain.ErrTransient("outbox claim select: " + err.Error())
	}
	defer rows.Close()

	var batch []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.EventID, &r.Payload, &r.CreatedAt, &r.Attempts); err != nil {
			return nil, domain.ErrTransient("outbox claim scan: " + err.Error())
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrTransient("outbox claim rows: " + err.Error())
	}

	if len(batch) == 0 {
		return nil, tx.Commit()
	}

	lockedUntil := time.Now().UTC().Add(visibility)
	for _, r := range batch {
		if _, err := tx.ExecContext(ctx, lockClaimSQL, r.ID, worker, lockedUntil); err != nil {
			return nil, domain.ErrTransient("outbox claim lock: " + err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.ErrTransient("outbox claim commit: " + err.Error())
	}
	return batch, nil
}

func (s *PgStore) MarkProcessed(ctx context.Context, id int64) error {
	ctx, cancel := s.qCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, markProcessedSQL, id)
	return err
}

func (s *PgStore) MarkFailed(ctx context.Context, id int64, lastErr string, retryAfter time.Duration) error {
	ctx, cancel := s.qCtx(ctx)
	defer cancel()
	// locked_until doubles as the retry gate: the row is invisible to Claim
	// until the backoff elapses.
	_, err := s.db.ExecContext(ctx, markFailedSQL, id, lastErr, time.Now().UTC().Add(retryAfter))
	return err
}

func (s *PgStore) MarkDead(ctx context.Context, id int64, lastErr string) error {
	ctx, cancel := s.qCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, markDeadSQL, id, "permanent: "+lastErr)
	return err
}

func (s *PgStore) Release(ctx context.Context, id int64) error {
	ctx, cancel := s.qCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, releaseSQL, id)
	return err
}

func (s *PgStore) OldestUnprocessedAge(ctx context.Context) (time.Duration, bool, error) {
	ctx, cancel := s.qCtx(ctx)
	defer cancel()
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, oldestUnprocessedSQL).Scan(&oldest); err != nil {
		return 0, false, err
	}
	if !oldest.Valid {
		return 0, false, nil
	}
	return time.Since(oldest.Time), true, nil
}

func (s *PgStore) PurgeProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := s.qCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, purgeProcessedSQL, fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// isUniqueViolation detects SQLSTATE 23505 from the pgx driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
