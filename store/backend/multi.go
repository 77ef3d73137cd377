package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MultiBackend fans a Store out to every configured backend and fetches from
// the first that has the blob, grounded on the teacher's
// MultiStorageBackend. It's how a gateway keeps its backup replicated across
// S3 and IPFS without the rest of the store package knowing either exists.
type MultiBackend struct {
	backends []Backend
	log      *slog.Logger
}

// NewMultiBackend wraps backends for fallback reads and fan-out writes.
func NewMultiBackend(backends []Backend, log *slog.Logger) *MultiBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MultiBackend{backends: backends, log: log}
}

func (m *MultiBackend) Fetch(ctx context.Context, id ID, kind Kind) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, b := range m.backends {
		if !b.Available(ctx) {
			m.log.Debug("backend unavailable", slog.String("backend", b.Name()))
			continue
		}
		data, err := b.Fetch(ctx, id, kind)
		if err == nil {
			m.log.Info("fetched blob", slog.String("backend", b.Name()), slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}

	if len(errs) == 0 {
		return nil, ErrUnavailable
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %v", id, errs)
}

func (m *MultiBackend) Store(ctx context.Context, data []byte, kind Kind) (ID, error) {
	start := time.Now()
	var result ID
	var success bool
	var errs []error

	for _, b := range m.backends {
		if !b.Available(ctx) {
			m.log.Debug("backend unavailable", slog.String("backend", b.Name()))
			continue
		}
		id, err := b.Store(ctx, data, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		if !success {
			result, success = id, true
			m.log.Info("stored blob", slog.String("backend", b.Name()), slog.Duration("duration", time.Since(start)))
		} else if result != id {
			m.log.Warn("inconsistent content addresses across backends", slog.String("backend", b.Name()), slog.String("expected", result.String()), slog.String("actual", id.String()))
		}
	}

	if !success {
		return result, fmt.Errorf("all backends failed to store data: %v", errs)
	}
	return result, nil
}

func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, b := range m.backends {
		if b.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiBackend) Name() string { return "multi-backend" }

func (m *MultiBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, b := range m.backends {
		locations = append(locations, b.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}

var _ Backend = (*MultiBackend)(nil)
