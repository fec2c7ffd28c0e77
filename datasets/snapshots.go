package datasets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// snapshotsDB holds the last good payload of every dataset.
var snapshotsDB = sqldb.NewDatabase("snapshots", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// sqlSnapshots stores snapshots in PostgreSQL, one row per dataset.
type sqlSnapshots struct {
	db *sqldb.Database
}

func newSQLSnapshots(db *sqldb.Database) *sqlSnapshots {
	return &sqlSnapshots{db: db}
}

func (s *sqlSnapshots) Latest(ctx context.Context, id DatasetID) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRow(ctx, `
		SELECT payload, captured_at
		FROM dataset_snapshots
		WHERE dataset = $1
	`, string(id)).Scan(&snap.Payload, &snap.CapturedAt)
	if errors.Is(err, sqldb.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return snap, nil
}

func (s *sqlSnapshots) Save(ctx context.Context, id DatasetID, payload []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dataset_snapshots (dataset, payload, captured_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dataset) DO UPDATE
		SET payload = EXCLUDED.payload, captured_at = EXCLUDED.captured_at
	`, string(id), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
