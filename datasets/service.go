// Package datasets streams practice-operations datasets to clients as
// server-sent events.
//
// Design Choices:
//   - Every dataset is a registered descriptor (class, TTL, fetch function)
//     resolved once at startup. An unknown name is rejected before any work
//     starts.
//   - Reads go through one read-through cache per process, so concurrent
//     streams asking for the same dataset share one fetch.
//   - Light datasets run concurrently and stop when the client leaves; heavy
//     datasets run one at a time and always finish, so their result lands
//     in the cache for the next request.
//   - Forced refreshes are serialized across instances by a distributed lock
//     in the shared store.
//   - The shared store is optional. When it is down, reads compute directly
//     and locks fail open.
package datasets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/rlog"

	"github.com/lexops/practiceops/pkg/appconfig"
	"github.com/lexops/practiceops/pkg/cachekey"
	"github.com/lexops/practiceops/pkg/cachestore"
	"github.com/lexops/practiceops/pkg/credential"
	"github.com/lexops/practiceops/pkg/distlock"
	"github.com/lexops/practiceops/pkg/fallback"
	"github.com/lexops/practiceops/pkg/middleware"
	"github.com/lexops/practiceops/pkg/practiceapi"
	psevents "github.com/lexops/practiceops/pkg/pubsub"
	"github.com/lexops/practiceops/pkg/readthrough"
)

//encore:service
type Service struct {
	cfg       *appconfig.Config
	keys      cachekey.Builder
	store     cachestore.Store
	cache     *readthrough.Cache
	locks     *distlock.Mutex
	sources   *Sources
	registry  *Registry
	orch      *Orchestrator
	admission *middleware.KeyedLimiter
	stream    http.Handler
	logger    *slog.Logger

	// notify publishes refresh outcomes; nil disables publishing.
	notify func(ctx context.Context, ev *psevents.DatasetRefreshedEvent)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var secrets struct {
	RedisPassword           string
	PracticeAPIClientSecret string
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize datasets service: %v", err))
	}
}

// initService loads configuration and connects the stores and sources.
func initService() (*Service, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("service", "datasets")

	store, err := cachestore.Open(cfg.Cache, secrets.RedisPassword, cachestore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	if mem, ok := store.(*cachestore.MemoryStore); ok {
		mem.StartJanitor(time.Minute)
	}

	var api *practiceapi.Client
	if cfg.PracticeAPI.BaseURL != "" {
		var creds *credential.Manager
		if cfg.PracticeAPI.TokenURL != "" {
			creds = practiceapi.NewClientCredentials(cfg.PracticeAPI, secrets.PracticeAPIClientSecret,
				credential.WithLogger(logger))
		}
		api, err = practiceapi.New(cfg.PracticeAPI, creds, practiceapi.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	s, err := newService(cfg, store, newSQLSnapshots(snapshotsDB), api, logger)
	if err != nil {
		return nil, err
	}
	s.notify = publishRefreshed

	s.wg.Add(1)
	go s.runAdmissionCleanup(10 * time.Minute)

	rlog.Info("datasets service ready",
		"namespace", cfg.Namespace,
		"store", fmt.Sprintf("%T", store),
		"practice_api", api != nil,
		"datasets", len(s.registry.Descriptors()))
	return s, nil
}

// newService assembles the service from its dependencies. api may be nil.
func newService(cfg *appconfig.Config, store cachestore.Store, snapshots SnapshotStore, api *practiceapi.Client, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var chain *fallback.Chain
	if api != nil {
		opts := []fallback.Option{
			fallback.WithPrimaryTimeout(cfg.Fallback.PrimaryTimeout),
			fallback.WithLogger(logger),
		}
		if creds := api.Credentials(); creds != nil {
			chain = fallback.New(creds, opts...)
		} else {
			chain = fallback.New(nil, opts...)
		}
	}
	sources := NewSources(api, chain, snapshots, logger)

	registry, err := NewRegistry(sources.Fetchers(), cfg.Datasets)
	if err != nil {
		return nil, err
	}

	keys := cachekey.New(cfg.Namespace)
	cache := readthrough.New(store, cfg.ReadThrough, readthrough.WithLogger(logger))

	s := &Service{
		cfg:       cfg,
		keys:      keys,
		store:     store,
		cache:     cache,
		locks:     distlock.New(store, logger),
		sources:   sources,
		registry:  registry,
		orch:      NewOrchestrator(cache, keys, cfg.Stream, logger),
		admission: middleware.NewKeyedLimiter(cfg.Stream.AdmissionRate, cfg.Stream.AdmissionBurst),
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
	s.stream = middleware.RequestLogger(logger,
		middleware.RateLimit(s.admission, admissionKey, http.HandlerFunc(s.serveStream)))
	return s, nil
}

// runAdmissionCleanup drops idle admission buckets.
func (s *Service) runAdmissionCleanup(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.admission.EvictStale(every)
		}
	}
}

// Shutdown stops background work and closes the store.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	_ = s.store.Close()
}

// Stream request and response types

type RefreshRequest struct {
	// Scope is the caller identity the cached copy belongs to; empty
	// refreshes the unscoped copy.
	Scope string `json:"scope,omitempty"`
}

type RefreshResponse struct {
	Dataset    string     `json:"dataset"`
	Scope      string     `json:"scope,omitempty"`
	Refreshed  bool       `json:"refreshed"`
	Skipped    bool       `json:"skipped"`
	Reason     string     `json:"reason,omitempty"`
	Bytes      int        `json:"bytes,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	CachedAt   *time.Time `json:"cached_at,omitempty"`
}

type DescriptorInfo struct {
	Name       string `json:"name"`
	Class      string `json:"class"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type RegistryResponse struct {
	Datasets []DescriptorInfo `json:"datasets"`
}

type IngestSnapshotRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type IngestSnapshotResponse struct {
	Dataset     string `json:"dataset"`
	Bytes       int    `json:"bytes"`
	KeysDeleted int    `json:"keys_deleted"`
}

// Stream opens a server-sent event stream for the requested datasets.
//
//	GET /datasets/stream?datasets=matters,revenue-history&caller=<id>&bypass=true
//
//encore:api public raw method=GET path=/datasets/stream
func Stream(w http.ResponseWriter, req *http.Request) {
	if svc == nil {
		http.Error(w, "service not initialized", http.StatusServiceUnavailable)
		return
	}
	svc.stream.ServeHTTP(w, req)
}

// RefreshDataset recomputes one dataset and overwrites its cached copy. Only
// one instance refreshes a given dataset and scope at a time; the others
// report skipped.
//
//encore:api public method=POST path=/datasets/:name/refresh
func RefreshDataset(ctx context.Context, name string, req *RefreshRequest) (*RefreshResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	id, err := ParseDatasetID(name)
	if err != nil {
		return nil, errs.B().Code(errs.NotFound).Msg(err.Error()).Err()
	}
	scope := ""
	if req != nil {
		scope = req.Scope
	}
	return svc.Refresh(ctx, id, scope)
}

// GetRegistry lists the configured datasets.
//
//encore:api public method=GET path=/datasets/registry
func GetRegistry(ctx context.Context) (*RegistryResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	return svc.Registry(), nil
}

// IngestSnapshot records the current payload of a dataset in the snapshot
// database and drops its cached copies. Nightly exports from the trust
// accounting ledger and the timekeeping warehouse feed trust-balances and
// utilization-history through this endpoint.
//
//encore:api public method=PUT path=/datasets/:name/snapshot
func IngestSnapshot(ctx context.Context, name string, req *IngestSnapshotRequest) (*IngestSnapshotResponse, error) {
	if svc == nil {
		return nil, errs.B().Code(errs.Unavailable).Msg("service not initialized").Err()
	}
	id, err := ParseDatasetID(name)
	if err != nil {
		return nil, errs.B().Code(errs.NotFound).Msg(err.Error()).Err()
	}
	return svc.IngestSnapshot(ctx, id, req)
}

// IngestSnapshot saves req.Payload as the snapshot of id. Cached copies of
// every scope are deleted from the shared store so the next read picks up
// the new snapshot.
func (s *Service) IngestSnapshot(ctx context.Context, id DatasetID, req *IngestSnapshotRequest) (*IngestSnapshotResponse, error) {
	if req == nil || len(req.Payload) == 0 || string(req.Payload) == "null" {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("payload is required").Err()
	}
	if !json.Valid(req.Payload) {
		return nil, errs.B().Code(errs.InvalidArgument).Msg("payload must be valid JSON").Err()
	}

	if err := s.sources.Ingest(ctx, id, req.Payload); err != nil {
		rlog.Error("snapshot ingest failed", "dataset", id, "error", err)
		return nil, errs.B().Code(errs.Unavailable).Msgf("save snapshot %s: %v", id, err).Err()
	}

	resp := &IngestSnapshotResponse{Dataset: string(id), Bytes: len(req.Payload)}
	key := s.keys.Key(string(id))
	pattern := s.keys.DatasetPattern(string(id))
	s.cache.Forget(key)
	if _, err := s.cache.ForgetPattern(pattern); err != nil {
		rlog.Warn("forget stale copies failed", "dataset", id, "error", err)
	}
	if n, err := s.store.Delete(ctx, key); err == nil {
		resp.KeysDeleted += n
	} else {
		rlog.Warn("snapshot ingest: cache delete failed", "dataset", id, "error", err)
	}
	if n, err := s.store.DeletePattern(ctx, pattern); err == nil {
		resp.KeysDeleted += n
	} else {
		rlog.Warn("snapshot ingest: cache pattern delete failed", "dataset", id, "error", err)
	}

	rlog.Info("snapshot ingested", "dataset", id, "bytes", resp.Bytes, "keys_deleted", resp.KeysDeleted)
	return resp, nil
}

func (s *Service) Registry() *RegistryResponse {
	descs := s.registry.Descriptors()
	out := &RegistryResponse{Datasets: make([]DescriptorInfo, len(descs))}
	for i, d := range descs {
		out.Datasets[i] = DescriptorInfo{
			Name:       string(d.ID),
			Class:      string(d.Class),
			TTLSeconds: int(d.TTL / time.Second),
		}
	}
	return out
}

// Refresh recomputes id for scope under the refresh lock.
func (s *Service) Refresh(ctx context.Context, id DatasetID, scope string) (*RefreshResponse, error) {
	d, ok := s.registry.Lookup(id)
	if !ok {
		return nil, errs.B().Code(errs.NotFound).Msgf("unknown dataset %q", id).Err()
	}

	start := time.Now()
	resp := &RefreshResponse{Dataset: string(id), Scope: scope}

	lease := s.locks.Acquire(ctx, s.keys.LockKey("refresh", string(id), scope), s.cfg.Locks.RefreshTTL)
	if !lease.Acquired {
		resp.Skipped = true
		resp.Reason = lease.Reason
		resp.DurationMs = time.Since(start).Milliseconds()
		s.publish(ctx, resp, psevents.RefreshStatusSkipped)
		return resp, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			rlog.Warn("refresh lock release failed", "dataset", id, "error", err)
		}
	}()
	resp.Reason = lease.Reason

	// The refresh holds the lock; let it finish even if the caller leaves.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout(d))
	defer cancel()
	res, err := s.cache.Refresh(fctx, s.orch.CacheKey(id, scope), d.TTL, readthrough.Compute(d.Fetch))
	resp.DurationMs = time.Since(start).Milliseconds()
	if err == nil && res.Stale {
		err = fmt.Errorf("fetch failed, only a stale copy from %s is available", res.CachedAt.Format(time.RFC3339))
	}
	if err != nil {
		resp.Reason = err.Error()
		s.publish(ctx, resp, psevents.RefreshStatusFailed)
		rlog.Error("dataset refresh failed", "dataset", id, "scope", scope, "error", err)
		return nil, errs.B().Code(errs.Unavailable).Msgf("refresh %s: %v", id, err).Err()
	}

	resp.Refreshed = true
	resp.Bytes = len(res.Value)
	cachedAt := res.CachedAt
	resp.CachedAt = &cachedAt
	s.publish(ctx, resp, psevents.RefreshStatusRefreshed)
	rlog.Info("dataset refreshed", "dataset", id, "scope", scope, "bytes", resp.Bytes, "duration_ms", resp.DurationMs)
	return resp, nil
}

func (s *Service) timeout(d Descriptor) time.Duration {
	if d.Class == Heavy {
		return s.cfg.Stream.HeavyTimeout
	}
	return s.cfg.Stream.LightTimeout
}

func (s *Service) publish(ctx context.Context, resp *RefreshResponse, status string) {
	if s.notify == nil {
		return
	}
	reason := resp.Reason
	if status != psevents.RefreshStatusRefreshed && reason == "" {
		reason = status
	}
	s.notify(ctx, &psevents.DatasetRefreshedEvent{
		Version:     psevents.EventVersion1,
		Dataset:     resp.Dataset,
		Scope:       resp.Scope,
		Status:      status,
		Reason:      reason,
		Bytes:       resp.Bytes,
		DurationMs:  resp.DurationMs,
		RefreshedAt: time.Now().UTC(),
	})
}
