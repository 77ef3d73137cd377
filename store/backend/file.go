package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileBackend persists blobs under a base directory, one subdirectory per
// Kind, mirroring the teacher's FileBackend layout.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates subdirectories for each Kind under baseDir if they
// don't already exist.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	for _, kind := range []Kind{KindBackup, KindShare} {
		if err := os.MkdirAll(filepath.Join(baseDir, string(kind)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (b *FileBackend) Fetch(ctx context.Context, id ID, kind Kind) ([]byte, error) {
	path := b.path(id, kind)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	b.log.Debug("fetched blob from file", slog.String("path", path), slog.Int("size", len(data)))
	return data, nil
}

func (b *FileBackend) Store(ctx context.Context, data []byte, kind Kind) (ID, error) {
	id := IDOf(data)
	path := b.path(id, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return id, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	b.log.Debug("stored blob in file", slog.String("path", path), slog.String("id", id.String()))
	return id, nil
}

func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("file backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) path(id ID, kind Kind) string {
	return filepath.Join(b.baseDir, string(kind), id.String())
}

var _ Backend = (*FileBackend)(nil)
