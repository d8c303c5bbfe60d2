package sharedfiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// store wraps one SQLite database (either the live index or its backup)
// with three tables: directories, files, and the filenames full-text
// index.
type store struct {
	path string
	db   *sql.DB
}

func openStore(path string) (*store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open shared-file store %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shared-file store %s: %w", path, err)
	}
	return &store{path: path, db: db}, nil
}

func (s *store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS directories (
    name      TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
    maskedFilename   TEXT PRIMARY KEY,
    originalFilename TEXT NOT NULL,
    host             TEXT NOT NULL DEFAULT '',
    size             INTEGER NOT NULL,
    touchedAt        INTEGER NOT NULL,
    code             INTEGER NOT NULL DEFAULT 0,
    extension        TEXT,
    attributeJson    TEXT,
    timestamp        INTEGER NOT NULL
);
CREATE VIRTUAL TABLE IF NOT EXISTS filenames USING fts5(maskedFilename);
`

// ensureSchema creates the schema if absent. An existing schema that does
// not look valid — i.e. not every expected table is present with the
// expected columns — is dropped and recreated.
func (s *store) ensureSchema(ctx context.Context) error {
	valid, err := s.schemaValid(ctx)
	if err != nil {
		return err
	}
	if valid {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS directories; DROP TABLE IF EXISTS files; DROP TABLE IF EXISTS filenames;`); err != nil {
		return fmt.Errorf("drop invalid schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *store) schemaValid(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('directories','files','filenames')`,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	if n < 3 {
		return false, nil
	}
	// Spot-check expected columns on files; a stale schema from an older
	// version would be missing one of these.
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(files)`)
	if err != nil {
		return false, fmt.Errorf("inspect files columns: %w", err)
	}
	defer rows.Close()
	want := map[string]bool{"maskedFilename": true, "originalFilename": true, "size": true, "timestamp": true}
	found := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan column info: %w", err)
		}
		found[name] = true
	}
	for col := range want {
		if !found[col] {
			return false, nil
		}
	}
	return true, nil
}

func (s *store) upsertDirectory(ctx context.Context, name string, epoch int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO directories (name, timestamp) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET timestamp = excluded.timestamp`,
		name, epoch,
	)
	if err != nil {
		return fmt.Errorf("upsert directory %s: %w", name, err)
	}
	return nil
}

func (s *store) upsertFile(ctx context.Context, f FileRecord, attributeJSON string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert file: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (maskedFilename, originalFilename, host, size, touchedAt, code, extension, attributeJson, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(maskedFilename) DO UPDATE SET
		    originalFilename = excluded.originalFilename,
		    host             = excluded.host,
		    size             = excluded.size,
		    touchedAt        = excluded.touchedAt,
		    code             = excluded.code,
		    extension        = excluded.extension,
		    attributeJson    = excluded.attributeJson,
		    timestamp        = excluded.timestamp`,
		f.MaskedFilename, f.OriginalFilename, f.Host, f.Size, f.TouchedAt.UTC().Unix(), f.Code, f.Extension, attributeJSON, f.ScanEpoch,
	)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", f.MaskedFilename, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM filenames WHERE maskedFilename = ?`, f.MaskedFilename); err != nil {
		return fmt.Errorf("clear filename index for %s: %w", f.MaskedFilename, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO filenames (maskedFilename) VALUES (?)`, f.MaskedFilename); err != nil {
		return fmt.Errorf("index filename %s: %w", f.MaskedFilename, err)
	}

	return tx.Commit()
}

// sweepTombstones deletes every file and directory row whose timestamp
// predates epoch — the rows deleted from disk since the previous scan.
// Returns the number of rows removed from each table. Must never be
// called for a cancelled scan.
func (s *store) sweepTombstones(ctx context.Context, epoch int64) (filesRemoved, dirsRemoved int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT maskedFilename FROM files WHERE timestamp < ?`, epoch)
	if err != nil {
		return 0, 0, fmt.Errorf("select tombstoned files: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan tombstoned file: %w", err)
		}
		stale = append(stale, name)
	}
	rows.Close()

	for _, name := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM filenames WHERE maskedFilename = ?`, name); err != nil {
			return 0, 0, fmt.Errorf("remove tombstoned filename index entry: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE timestamp < ?`, epoch)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep files: %w", err)
	}
	fn, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM directories WHERE timestamp < ?`, epoch)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep directories: %w", err)
	}
	dn, _ := res.RowsAffected()

	return int(fn), int(dn), nil
}

func (s *store) countFiles(ctx context.Context, sharePrefix string) (int, error) {
	var n int
	var err error
	if sharePrefix == "" {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM files`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM files WHERE maskedFilename LIKE ? || '%'`, sharePrefix).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

func (s *store) countDirectories(ctx context.Context, sharePrefix string) (int, error) {
	var n int
	var err error
	if sharePrefix == "" {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM directories`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM directories WHERE name LIKE ? || '%'`, sharePrefix).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count directories: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanFileRecord scans one row in the column order used by Search and by
// browse.go's directory listing queries.
func scanFileRecord(sc rowScanner) (FileRecord, string, error) {
	var (
		fr            FileRecord
		touchedAt     int64
		extension     sql.NullString
		attributeJSON sql.NullString
	)
	if err := sc.Scan(&fr.MaskedFilename, &fr.OriginalFilename, &fr.Host, &fr.Size, &touchedAt, &fr.Code, &extension, &attributeJSON, &fr.ScanEpoch); err != nil {
		return FileRecord{}, "", fmt.Errorf("scan file record: %w", err)
	}
	fr.TouchedAt = time.Unix(touchedAt, 0).UTC()
	fr.Extension = extension.String
	if attributeJSON.Valid && attributeJSON.String != "" {
		_ = json.Unmarshal([]byte(attributeJSON.String), &fr.Attributes)
	}
	return fr, attributeJSON.String, nil
}

func (s *store) resolve(ctx context.Context, masked string) (original, host string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT originalFilename, host FROM files WHERE maskedFilename = ?`, masked).Scan(&original, &host)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("resolve %s: %w", masked, err)
	}
	return original, host, true, nil
}
