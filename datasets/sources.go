package datasets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lexops/practiceops/pkg/fallback"
	"github.com/lexops/practiceops/pkg/practiceapi"
)

// ErrNoSnapshot means the snapshot database has nothing for a dataset.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is the last payload recorded for a dataset.
type Snapshot struct {
	Payload    []byte
	CapturedAt time.Time
}

// SnapshotStore is the secondary source: the last good payload per dataset.
type SnapshotStore interface {
	Latest(ctx context.Context, id DatasetID) (Snapshot, error)
	Save(ctx context.Context, id DatasetID, payload []byte) error
}

const snapshotSaveTimeout = 5 * time.Second

// Sources builds the fetch function of every dataset. Datasets backed by
// the practice API try it first and fall back to the snapshot database;
// the rest read snapshots only.
type Sources struct {
	api       *practiceapi.Client
	chain     *fallback.Chain
	snapshots SnapshotStore
	logger    *slog.Logger

	saved, saveFailures atomic.Uint64
}

// NewSources wires the sources. api may be nil, in which case every dataset
// reads snapshots only.
func NewSources(api *practiceapi.Client, chain *fallback.Chain, snapshots SnapshotStore, logger *slog.Logger) *Sources {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sources{
		api:       api,
		chain:     chain,
		snapshots: snapshots,
		logger:    logger.With("component", "sources"),
	}
}

// Fetchers returns a fetch function for every dataset in the table.
func (s *Sources) Fetchers() map[DatasetID]FetchFunc {
	out := make(map[DatasetID]FetchFunc, len(builtins))
	for _, b := range builtins {
		if b.apiPath != "" && s.api != nil && s.chain != nil {
			out[b.id] = s.chained(b.id, b.apiPath)
		} else {
			out[b.id] = s.snapshotOnly(b.id)
		}
	}
	return out
}

func (s *Sources) chained(id DatasetID, path string) FetchFunc {
	primary := s.api.Source(path, nil)
	return func(ctx context.Context) ([]byte, error) {
		return s.chain.Fetch(ctx, string(id),
			func(ctx context.Context) ([]byte, error) {
				data, err := primary(ctx)
				if err == nil {
					s.record(ctx, id, data)
				}
				return data, err
			},
			fallback.Source(s.snapshotOnly(id)),
		)
	}
}

func (s *Sources) snapshotOnly(id DatasetID) FetchFunc {
	return func(ctx context.Context) ([]byte, error) {
		snap, err := s.snapshots.Latest(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		return snap.Payload, nil
	}
}

// record saves a fresh primary payload as the next fallback. Failures are
// logged only.
func (s *Sources) record(ctx context.Context, id DatasetID, data []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotSaveTimeout)
	defer cancel()
	if err := s.snapshots.Save(ctx, id, data); err != nil {
		s.saveFailures.Add(1)
		s.logger.Warn("snapshot save failed", "dataset", id, "error", err)
		return
	}
	s.saved.Add(1)
}

// Ingest stores a payload delivered by the system of record as the
// dataset's current snapshot. It is the only writer for datasets that have
// no practice API path.
func (s *Sources) Ingest(ctx context.Context, id DatasetID, payload []byte) error {
	if err := s.snapshots.Save(ctx, id, payload); err != nil {
		s.saveFailures.Add(1)
		return err
	}
	s.saved.Add(1)
	return nil
}

// SnapshotStats returns how many snapshot saves succeeded and failed.
func (s *Sources) SnapshotStats() (saved, failed uint64) {
	return s.saved.Load(), s.saveFailures.Load()
}
