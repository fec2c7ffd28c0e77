// Package cachemanager administers the shared dataset cache.
//
// Design Choices:
//   - Invalidation deletes from the shared store first, then broadcasts an
//     InvalidationEvent so every datasets instance drops its process-local
//     stale copies (and repeats the delete when its store is process-local).
//   - Patterns are confined to the application namespace so an
//     invalidation can never touch distributed locks of other apps.
//   - Every invalidation is written to an append-only audit table. Audit
//     failures are logged and never fail the request.
//   - The store is optional: when it is unreachable the event is still
//     published and the response says the store was not updated.
package cachemanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"
	"github.com/google/uuid"

	"github.com/lexops/practiceops/pkg/appconfig"
	"github.com/lexops/practiceops/pkg/cachekey"
	"github.com/lexops/practiceops/pkg/cachestore"
	"github.com/lexops/practiceops/pkg/models"
	psevents "github.com/lexops/practiceops/pkg/pubsub"
	"github.com/lexops/practiceops/pkg/utils"
)

const serviceName = "cache-manager"

// Service implements cache administration.
//
//encore:service
type Service struct {
	keys    cachekey.Builder
	store   cachestore.Store
	audit   AuditStore
	metrics *Metrics

	// publish broadcasts invalidations; nil disables broadcasting.
	publish func(ctx context.Context, ev *psevents.InvalidationEvent) error
}

// Metrics tracks invalidation counters.
type Metrics struct {
	Invalidations   atomic.Int64
	KeysDeleted     atomic.Int64
	StoreErrors     atomic.Int64
	PublishFailures atomic.Int64
	AuditFailures   atomic.Int64
}

var secrets struct {
	RedisPassword string
}

// Request and response types for API endpoints.

type InvalidateRequest struct {
	Keys    []string `json:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty"` // e.g. "practiceops:matters:*"
	Dataset string   `json:"dataset,omitempty"` // every key of one dataset
}

type InvalidateResponse struct {
	Deleted      int    `json:"deleted"`
	StoreUpdated bool   `json:"store_updated"`
	Published    bool   `json:"published"`
	RequestID    string `json:"request_id"`
}

type EntryResponse struct {
	Key        string     `json:"key"`
	Found      bool       `json:"found"`
	CachedAt   *time.Time `json:"cached_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	TTLSeconds int        `json:"ttl_seconds,omitempty"`
	Bytes      int        `json:"bytes,omitempty"`
}

type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
	Backend string `json:"backend"`
}

type MetricsResponse struct {
	Store           models.StoreStats `json:"store"`
	Invalidations   int64             `json:"invalidations"`
	KeysDeleted     int64             `json:"keys_deleted"`
	StoreErrors     int64             `json:"store_errors"`
	PublishFailures int64             `json:"publish_failures"`
	AuditFailures   int64             `json:"audit_failures"`
}

type InvalidationsRequest struct {
	Limit  int `query:"limit"`
	Offset int `query:"offset"`
}

type InvalidationsResponse struct {
	Entries []AuditLog `json:"entries"`
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize cache-manager service: %v", err))
	}
}

// initService connects to the shared store and the audit database.
func initService() (*Service, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("service", serviceName)

	store, err := cachestore.Open(cfg.Cache, secrets.RedisPassword, cachestore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	s := newService(cachekey.New(cfg.Namespace), store, NewAuditLogger(auditDB))
	s.publish = publishInvalidation
	return s, nil
}

func newService(keys cachekey.Builder, store cachestore.Store, audit AuditStore) *Service {
	return &Service{
		keys:    keys,
		store:   store,
		audit:   audit,
		metrics: &Metrics{},
	}
}

// Invalidate deletes keys from the shared store and tells every datasets
// instance to drop its copies.
//
//encore:api public method=POST path=/cache/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	return svc.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if req == nil || (len(req.Keys) == 0 && req.Pattern == "" && req.Dataset == "") {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("one of keys, pattern or dataset is required").Err()
	}
	for _, k := range req.Keys {
		if k == "" {
			return nil, errs.B().Code(errs.InvalidArgument).Msg("keys must not be empty").Err()
		}
	}

	keys := req.Keys
	patterns := make([]string, 0, 2)
	if req.Pattern != "" {
		if err := s.checkPattern(req.Pattern); err != nil {
			return nil, errs.B().Code(errs.InvalidArgument).Msg(err.Error()).Err()
		}
		patterns = append(patterns, req.Pattern)
	}
	if req.Dataset != "" {
		// The unscoped copy has no trailing segment for the glob to match.
		keys = append(append([]string(nil), keys...), s.keys.Key(req.Dataset))
		patterns = append(patterns, s.keys.DatasetPattern(req.Dataset))
	}

	start := time.Now()
	resp := &InvalidateResponse{StoreUpdated: true, RequestID: uuid.NewString()}

	if len(keys) > 0 {
		n, err := s.store.Delete(ctx, keys...)
		resp.Deleted += n
		if err != nil {
			resp.StoreUpdated = false
			s.metrics.StoreErrors.Add(1)
			rlog.Warn("invalidate keys failed", "keys", len(keys), "error", err)
		}
	}
	for _, p := range patterns {
		n, err := s.store.DeletePattern(ctx, p)
		resp.Deleted += n
		if err != nil {
			resp.StoreUpdated = false
			s.metrics.StoreErrors.Add(1)
			rlog.Warn("invalidate pattern failed", "pattern", p, "error", err)
		}
	}
	s.metrics.Invalidations.Add(1)
	s.metrics.KeysDeleted.Add(int64(resp.Deleted))

	event := &psevents.InvalidationEvent{
		Version:     psevents.EventVersion1,
		Service:     serviceName,
		Keys:        req.Keys,
		Pattern:     req.Pattern,
		Dataset:     req.Dataset,
		Deleted:     resp.Deleted,
		TriggeredAt: time.Now().UTC(),
		RequestID:   resp.RequestID,
	}
	if s.publish != nil {
		if err := s.publish(ctx, event); err != nil {
			s.metrics.PublishFailures.Add(1)
			rlog.Error("publish invalidation failed", "topic", psevents.TopicDatasetInvalidate, "error", err)
		} else {
			resp.Published = true
		}
	}

	if s.audit != nil {
		entry := AuditLog{
			Pattern:     strings.Join(patterns, " "),
			Keys:        req.Keys,
			Dataset:     req.Dataset,
			Deleted:     resp.Deleted,
			TriggeredBy: serviceName,
			Timestamp:   event.TriggeredAt,
			RequestID:   resp.RequestID,
			Latency:     time.Since(start).Milliseconds(),
		}
		if err := s.audit.Insert(ctx, entry); err != nil {
			s.metrics.AuditFailures.Add(1)
			rlog.Warn("audit insert failed", "request_id", resp.RequestID, "error", err)
		}
	}
	return resp, nil
}

// checkPattern rejects malformed globs and globs outside the namespace.
func (s *Service) checkPattern(pattern string) error {
	if _, err := utils.MatchPattern(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	prefix := s.keys.Namespace + cachekey.Separator
	if !strings.HasPrefix(pattern, prefix) {
		return fmt.Errorf("pattern must start with %q", prefix)
	}
	return nil
}

// GetEntry describes a cached entry without returning its payload.
//
//encore:api public method=GET path=/cache/entries/:key
func GetEntry(ctx context.Context, key string) (*EntryResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	return svc.GetEntry(ctx, key)
}

func (s *Service) GetEntry(ctx context.Context, key string) (*EntryResponse, error) {
	if key == "" {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("key cannot be empty").Err()
	}
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, errs.B().Code(errs.Unavailable).Cause(err).Msg("cache store unavailable").Err()
	}
	resp := &EntryResponse{Key: key, Found: ok}
	if !ok {
		return resp, nil
	}
	entry, err := utils.UnmarshalEntry(raw)
	if err != nil {
		return nil, errs.B().Code(errs.DataLoss).Cause(err).Msg("unreadable cache entry").Err()
	}
	expiresAt := entry.ExpiresAt()
	resp.CachedAt = &entry.CachedAt
	resp.ExpiresAt = &expiresAt
	resp.TTLSeconds = entry.TTLSeconds
	resp.Bytes = len(entry.Value)
	return resp, nil
}

// Health reports whether the shared store is reachable.
//
//encore:api public method=GET path=/cache/health
func Health(ctx context.Context) (*HealthResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	return svc.Health(ctx), nil
}

func (s *Service) Health(ctx context.Context) *HealthResponse {
	healthy := s.store.Healthy(ctx)
	return &HealthResponse{
		Healthy: healthy,
		State:   s.store.Stats().State,
		Backend: backendName(s.store),
	}
}

// GetMetrics returns store and invalidation counters.
//
//encore:api public method=GET path=/cache/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	return svc.GetMetrics(), nil
}

func (s *Service) GetMetrics() *MetricsResponse {
	return &MetricsResponse{
		Store:           s.store.Stats(),
		Invalidations:   s.metrics.Invalidations.Load(),
		KeysDeleted:     s.metrics.KeysDeleted.Load(),
		StoreErrors:     s.metrics.StoreErrors.Load(),
		PublishFailures: s.metrics.PublishFailures.Load(),
		AuditFailures:   s.metrics.AuditFailures.Load(),
	}
}

// GetInvalidations lists recent invalidations, newest first.
//
//encore:api public method=GET path=/cache/invalidations
func GetInvalidations(ctx context.Context, req *InvalidationsRequest) (*InvalidationsResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	return svc.GetInvalidations(ctx, req)
}

func (s *Service) GetInvalidations(ctx context.Context, req *InvalidationsRequest) (*InvalidationsResponse, error) {
	limit, offset := 50, 0
	if req != nil {
		if req.Limit > 0 && req.Limit <= 500 {
			limit = req.Limit
		}
		if req.Offset > 0 {
			offset = req.Offset
		}
	}
	entries, err := s.audit.GetRecent(ctx, limit, offset)
	if err != nil {
		return nil, errs.B().Code(errs.Unavailable).Cause(err).Msg("audit log unavailable").Err()
	}
	return &InvalidationsResponse{Entries: entries}, nil
}

func backendName(store cachestore.Store) string {
	switch store.(type) {
	case *cachestore.RedisStore:
		return "redis"
	case *cachestore.MemoryStore:
		return "memory"
	}
	return fmt.Sprintf("%T", store)
}
