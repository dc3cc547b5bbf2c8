package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"guildbot/pkg/logx"
)

// Blob is the minimal persistence API for the run document. Load returns
// (nil, nil) when no document has been saved yet.
type Blob interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, b []byte) error
	Close() error
}

// Config configures state persistence.
//
// Driver values:
//   - "file": single JSON file, atomic replace on save
//   - "gist": GitHub Gist holding the document as one file
//   - "sqlite": SQLite database file, single-row document table
//
// If Driver is empty, "file" is assumed.
type Config struct {
	Driver string
	Path   string

	GistID    string
	GistFile  string
	GistToken string

	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured driver.
func Open(cfg Config, log logx.Logger) (Blob, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "gist":
		return openGist(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown state driver: " + driver)
	}
}
