package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-attested-services/interfaces"
)

// FileBackend stores audit artifacts in a local directory, one subdirectory per
// content type, one file per content id.
type FileBackend struct {
	baseDir string
	log     *slog.Logger
}

// NewFileBackend creates the directory layout under baseDir if it is missing.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, ct := range []interfaces.ContentType{interfaces.EnclaveInfoType, interfaces.AuditorSignatureType} {
		if err := os.MkdirAll(filepath.Join(baseDir, ct.String()), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ct, err)
		}
	}

	return &FileBackend{
		baseDir: baseDir,
		log:     log,
	}, nil
}

// Fetch returns ErrContentNotFound if there is no such file.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath := b.getFilePath(id, contentType)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data under its SHA-256 content id.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.getFilePath(id, contentType)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return id, fmt.Errorf("failed to create directory: %w", err)
	}

	// Write then rename so a concurrent Fetch never sees a partial artifact.
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".store-*")
	if err != nil {
		return id, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return "file://" + b.baseDir
}

func (b *FileBackend) getFilePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, contentType.String(), id.String())
}
