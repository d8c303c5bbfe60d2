package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the durable transfer ledger. Every method opens its own
// context-scoped query against the pooled *sql.DB rather than holding a
// dedicated connection, so there is no long-lived shared session across
// calls — only *sql.DB's own pool persists between them.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) a SQLite-backed ledger at path and ensures
// the schema exists. Durability uses write-ahead logging, matching the
// shared-file cache's storage mode.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS transfers (
    id                TEXT PRIMARY KEY,
    username          TEXT NOT NULL,
    filename          TEXT NOT NULL,
    size              INTEGER NOT NULL,
    start_offset      INTEGER NOT NULL DEFAULT 0,
    requested_at      INTEGER NOT NULL,
    enqueued_at       INTEGER,
    started_at        INTEGER,
    ended_at          INTEGER,
    bytes_transferred INTEGER NOT NULL DEFAULT 0,
    average_speed     REAL NOT NULL DEFAULT 0,
    state             INTEGER NOT NULL DEFAULT 0,
    exception         TEXT,
    removed           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transfers_user_file ON transfers(username, filename);
CREATE INDEX IF NOT EXISTS idx_transfers_removed ON transfers(removed);`
	_, err := s.db.Exec(schema)
	return err
}

func unixPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

// AddOrSupersede marks any existing non-removed row for (username,
// filename) as removed, then inserts t as a fresh row — the "Supersede"
// operation from the glossary. Both steps run in one transaction so a
// concurrent AddOrSupersede for the same pair can never see a state with
// two live rows.
func (s *Store) AddOrSupersede(ctx context.Context, t *Transfer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE transfers SET removed = 1 WHERE username = ? AND filename = ? AND removed = 0`,
		t.Username, t.Filename,
	); err != nil {
		return fmt.Errorf("supersede prior rows: %w", err)
	}

	if err := insertTx(ctx, tx, t); err != nil {
		return err
	}

	return tx.Commit()
}

func insertTx(ctx context.Context, tx *sql.Tx, t *Transfer) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transfers (id, username, filename, size, start_offset, requested_at,
			enqueued_at, started_at, ended_at, bytes_transferred, average_speed, state,
			exception, removed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Username, t.Filename, t.Size, t.StartOffset,
		t.RequestedAt.UTC().Unix(), unixPtr(t.EnqueuedAt), unixPtr(t.StartedAt), unixPtr(t.EndedAt),
		t.BytesTransferred, t.AverageSpeed, int(t.State), t.Exception, boolToInt(t.Removed),
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Update persists the full current state of t, keyed by ID.
func (s *Store) Update(ctx context.Context, t *Transfer) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transfers SET username = ?, filename = ?, size = ?, start_offset = ?,
			requested_at = ?, enqueued_at = ?, started_at = ?, ended_at = ?,
			bytes_transferred = ?, average_speed = ?, state = ?, exception = ?, removed = ?
		 WHERE id = ?`,
		t.Username, t.Filename, t.Size, t.StartOffset,
		t.RequestedAt.UTC().Unix(), unixPtr(t.EnqueuedAt), unixPtr(t.StartedAt), unixPtr(t.EndedAt),
		t.BytesTransferred, t.AverageSpeed, int(t.State), t.Exception, boolToInt(t.Removed),
		t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", t.ID, err)
	}
	return nil
}

// Remove soft-deletes the row with the given id. Whether the transfer is
// in a terminal state is the caller's (upload service's) responsibility
// to check first — this method performs the mutation unconditionally.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transfers SET removed = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove transfer %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove transfer %s rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("remove transfer %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Get reads a single transfer by id. Reads are non-tracking snapshots —
// there is no identity map, so repeated calls always hit the database.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` FROM transfers WHERE id = ?`, id.String())
	return scanTransfer(row)
}

// FindNonTerminal returns the live (non-removed, non-terminal) transfer
// for (username, filename), if any. Used by Enqueue to detect a replayed
// request for a transfer that is still in flight.
func (s *Store) FindNonTerminal(ctx context.Context, username, filename string) (*Transfer, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` FROM transfers WHERE username = ? AND filename = ? AND removed = 0`,
		username, filename,
	)
	if err != nil {
		return nil, fmt.Errorf("find non-terminal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTransferRows(rows)
		if err != nil {
			return nil, err
		}
		if !t.State.IsTerminal() {
			return t, nil
		}
	}
	return nil, rows.Err()
}

// List returns every transfer matching predicate (nil matches all),
// honouring includeRemoved.
func (s *Store) List(ctx context.Context, predicate func(*Transfer) bool, includeRemoved bool) ([]*Transfer, error) {
	query := selectCols + ` FROM transfers`
	var args []any
	if !includeRemoved {
		query += ` WHERE removed = 0`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransferRows(rows)
		if err != nil {
			return nil, err
		}
		if predicate == nil || predicate(t) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

const selectCols = `SELECT id, username, filename, size, start_offset, requested_at,
	enqueued_at, started_at, ended_at, bytes_transferred, average_speed, state, exception, removed`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row *sql.Row) (*Transfer, error) {
	return scanAny(row)
}

func scanTransferRows(rows *sql.Rows) (*Transfer, error) {
	return scanAny(rows)
}

func scanAny(sc scanner) (*Transfer, error) {
	var (
		idStr                                   string
		t                                        Transfer
		requestedAt                             int64
		enqueuedAt, startedAt, endedAt           sql.NullInt64
		state                                    int
		exception                               sql.NullString
		removed                                  int
	)
	if err := sc.Scan(&idStr, &t.Username, &t.Filename, &t.Size, &t.StartOffset,
		&requestedAt, &enqueuedAt, &startedAt, &endedAt,
		&t.BytesTransferred, &t.AverageSpeed, &state, &exception, &removed); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse transfer id: %w", err)
	}
	t.ID = id
	t.RequestedAt = time.Unix(requestedAt, 0).UTC()
	t.EnqueuedAt = timePtr(enqueuedAt)
	t.StartedAt = timePtr(startedAt)
	t.EndedAt = timePtr(endedAt)
	t.State = State(state)
	t.Exception = exception.String
	t.Removed = removed != 0
	return &t, nil
}
