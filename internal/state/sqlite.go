package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"guildbot/pkg/logx"
)

// sqliteBlob keeps the document in a single-row table so saves are atomic
// without any file-rename tricks.
type sqliteBlob struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Blob, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS state_doc (
		id  INTEGER PRIMARY KEY CHECK (id = 1),
		doc BLOB NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteBlob{db: db, log: log}, nil
}

func (s *sqliteBlob) Load(ctx context.Context) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM state_doc WHERE id = 1`).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *sqliteBlob) Save(ctx context.Context, b []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_doc(id, doc) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		b,
	)
	return err
}

func (s *sqliteBlob) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
