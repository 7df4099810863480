package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-attested-services/interfaces"
)

// MultiStorageBackend mirrors audit artifacts across several backends. Store
// succeeds if any backend accepts the content, Fetch returns the first hit.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			m.log.Debug("Fetched content",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id, errors.Join(errs...))
}

func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	var stored int
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		got, err := backend.Store(ctx, data, contentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		if got != id {
			errs = append(errs, fmt.Errorf("%s: returned content id %s, expected %s", backend.Name(), got, id))
			continue
		}
		stored++
	}

	if stored == 0 {
		if len(errs) == 0 {
			return interfaces.ContentID{}, interfaces.ErrBackendUnavailable
		}
		return interfaces.ContentID{}, fmt.Errorf("all backends failed to store data: %w", errors.Join(errs...))
	}
	return id, nil
}

func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
