package cachemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// auditDB keeps the append-only invalidation history.
var auditDB = sqldb.NewDatabase("cache_audit", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// AuditLog is one recorded invalidation.
type AuditLog struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern,omitempty"` // patterns applied, space separated
	Keys        []string  `json:"keys,omitempty"`
	Dataset     string    `json:"dataset,omitempty"`
	Deleted     int       `json:"deleted"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	Latency     int64     `json:"latency_ms"`
}

// AuditStore persists invalidation history.
type AuditStore interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int) ([]AuditLog, error)
}

// AuditLogger stores audit entries in PostgreSQL.
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates an audit logger over db.
func NewAuditLogger(db *sqldb.Database) *AuditLogger {
	return &AuditLogger{db: db}
}

// Insert adds an entry. Duplicate request IDs are ignored.
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	keysJSON, err := json.Marshal(log.Keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}

	_, err = al.db.Exec(ctx, `
		INSERT INTO invalidation_audit
		(pattern, keys, dataset, deleted, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING
	`,
		log.Pattern,
		keysJSON,
		log.Dataset,
		log.Deleted,
		log.TriggeredBy,
		log.Timestamp,
		log.RequestID,
		log.Latency,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetRecent returns entries newest first.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int) ([]AuditLog, error) {
	rows, err := al.db.Query(ctx, `
		SELECT id, pattern, keys, dataset, deleted, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
		ORDER BY timestamp DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		var log AuditLog
		var keysJSON []byte
		if err := rows.Scan(
			&log.ID,
			&log.Pattern,
			&keysJSON,
			&log.Dataset,
			&log.Deleted,
			&log.TriggeredBy,
			&log.Timestamp,
			&log.RequestID,
			&log.Latency,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &log.Keys); err != nil {
				log.Keys = nil
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}
