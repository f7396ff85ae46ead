package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLTotalOrderLog persists the operation log with database/sql.
// It runs on both Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLTotalOrderLog struct {
	db *sql.DB
}

// NewSQLTotalOrderLog wraps db. Call Init before first use.
func NewSQLTotalOrderLog(db *sql.DB) *SQLTotalOrderLog {
	return &SQLTotalOrderLog{db: db}
}

const opLogSchema = `
CREATE TABLE IF NOT EXISTS op_log (
	position BIGINT PRIMARY KEY,
	op TEXT NOT NULL,
	envelope TEXT NOT NULL,
	commit_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	committed_at BIGINT NOT NULL
);
`

// Init creates the schema if missing.
func (l *SQLTotalOrderLog) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, opLogSchema); err != nil {
		return fmt.Errorf("init op_log: %w", err)
	}
	return nil
}

// Commit implements TotalOrderLog. The position primary key rejects a second
// writer racing for the same slot.
func (l *SQLTotalOrderLog) Commit(ctx context.Context, op string, envelope json.RawMessage, at time.Time) (*TotalOrderEvent, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		position     uint64
		previousHash = GenesisHash
		lastPos      int64
		lastHash     string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT position, commit_hash FROM op_log ORDER BY position DESC LIMIT 1`,
	).Scan(&lastPos, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read log head: %w", err)
	default:
		position = uint64(lastPos) + 1
		previousHash = lastHash
	}

	at = at.UTC()
	toe := &TotalOrderEvent{
		OrderPosition: position,
		Envelope:      envelope,
		CommitHash:    ComputeCommitHash(position, envelope, previousHash, at, op),
		PreviousHash:  previousHash,
		CommittedAt:   at,
		Op:            op,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO op_log (position, op, envelope, commit_hash, previous_hash, committed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(toe.OrderPosition), toe.Op, string(toe.Envelope), toe.CommitHash, toe.PreviousHash, at.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("append op_log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit op_log: %w", err)
	}
	return toe, nil
}

const opLogColumns = `position, op, envelope, commit_hash, previous_hash, committed_at`

// Get implements TotalOrderLog.
func (l *SQLTotalOrderLog) Get(ctx context.Context, position uint64) (*TotalOrderEvent, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+opLogColumns+` FROM op_log WHERE position = $1`, int64(position))
	toe, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return toe, err
}

// Range implements TotalOrderLog.
func (l *SQLTotalOrderLog) Range(ctx context.Context, start, end uint64) ([]*TotalOrderEvent, error) {
	if start >= end {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+opLogColumns+` FROM op_log WHERE position >= $1 AND position < $2 ORDER BY position ASC`,
		int64(start), int64(end),
	)
	if err != nil {
		return nil, fmt.Errorf("range op_log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TotalOrderEvent
	for rows.Next() {
		toe, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, toe)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Head implements TotalOrderLog.
func (l *SQLTotalOrderLog) Head(ctx context.Context) (*TotalOrderEvent, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+opLogColumns+` FROM op_log ORDER BY position DESC LIMIT 1`)
	toe, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return toe, err
}

// Verify implements TotalOrderLog.
func (l *SQLTotalOrderLog) Verify(ctx context.Context, start, end uint64) (bool, error) {
	events, err := l.Range(ctx, 0, end)
	if err != nil {
		return false, err
	}
	return VerifyChain(events, start)
}

// Len implements TotalOrderLog.
func (l *SQLTotalOrderLog) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM op_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count op_log: %w", err)
	}
	return uint64(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*TotalOrderEvent, error) {
	var (
		pos      int64
		envelope string
		at       int64
		toe      TotalOrderEvent
	)
	if err := r.Scan(&pos, &toe.Op, &envelope, &toe.CommitHash, &toe.PreviousHash, &at); err != nil {
		return nil, err
	}
	toe.OrderPosition = uint64(pos)
	toe.Envelope = json.RawMessage(envelope)
	toe.CommittedAt = time.Unix(at, 0).UTC()
	return &toe, nil
}
