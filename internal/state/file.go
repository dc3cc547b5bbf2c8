package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"guildbot/pkg/logx"
)

// fileBlob stores the document as one JSON file. Saves go through a temp
// file plus rename so a crash mid-write never leaves a torn document.
type fileBlob struct {
	path string
	log  logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Blob, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileBlob{path: path, log: log}, nil
}

func (f *fileBlob) Load(ctx context.Context) ([]byte, error) {
	_ = ctx
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *fileBlob) Save(ctx context.Context, b []byte) error {
	_ = ctx
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *fileBlob) Close() error { return nil }
