package datasets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexops/practiceops/pkg/appconfig"
	"github.com/lexops/practiceops/pkg/cachekey"
	"github.com/lexops/practiceops/pkg/readthrough"
)

// ErrClientDisconnected ends a light dataset whose client went away.
var ErrClientDisconnected = errors.New("client disconnected")

// Orchestrator drives sessions: it loads every requested dataset through
// the read-through cache and reports progress as events.
type Orchestrator struct {
	cache  *readthrough.Cache
	keys   cachekey.Builder
	cfg    appconfig.StreamConfig
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil logger uses slog.Default().
func NewOrchestrator(cache *readthrough.Cache, keys cachekey.Builder, cfg appconfig.StreamConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentLight <= 0 {
		cfg.MaxConcurrentLight = 1
	}
	return &Orchestrator{
		cache:  cache,
		keys:   keys,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
}

// CacheKey returns the cache key of a dataset for a caller scope.
func (o *Orchestrator) CacheKey(id DatasetID, scope string) string {
	return o.keys.Key(string(id), scope)
}

// Run processes every dataset of s and closes its events channel after the
// final complete event. Light datasets run concurrently, heavy ones one at a
// time, and the two groups in parallel. Run returns when every dataset is
// terminal, which for heavy datasets may be well after the client left.
func (o *Orchestrator) Run(s *Session) {
	defer s.close()
	s.emit(initEvent(s.Requested()))

	var light, heavy []Descriptor
	for _, d := range s.Request.Datasets {
		if d.Class == Heavy {
			heavy = append(heavy, d)
		} else {
			light = append(light, d)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var g errgroup.Group
		g.SetLimit(o.cfg.MaxConcurrentLight)
		for _, d := range light {
			g.Go(func() error {
				o.runLight(s, d)
				return nil
			})
		}
		_ = g.Wait()
	}()
	go func() {
		defer wg.Done()
		for _, d := range heavy {
			o.runHeavy(s, d)
		}
	}()
	wg.Wait()

	if n := s.Pending(); n > 0 {
		o.logger.Error("session finished with datasets still pending", "session", s.ID, "pending", n)
	}
	s.emit(completeEvent())
}

func (o *Orchestrator) runLight(s *Session, d Descriptor) {
	start := time.Now()
	if !s.Connected() {
		s.fail(d.ID, ErrClientDisconnected, time.Since(start))
		return
	}
	s.processing(d.ID)

	res, err := o.loadLight(s, d)
	if err == nil && !s.Connected() {
		err = ErrClientDisconnected
	}
	// A compute shared with a session that disconnected fails with that
	// session's cancellation; this session is still here, so try again.
	if err != nil && s.Connected() && (errors.Is(err, ErrClientDisconnected) || errors.Is(err, context.Canceled)) {
		res, err = o.loadLight(s, d)
	}
	o.finish(s, d, res, err, start)
}

func (o *Orchestrator) loadLight(s *Session, d Descriptor) (readthrough.Result, error) {
	ctx, cancel := context.WithTimeout(s.Context(), o.cfg.LightTimeout)
	defer cancel()
	res, err := o.load(ctx, s, d, func(ctx context.Context) ([]byte, error) {
		if !s.Connected() {
			return nil, ErrClientDisconnected
		}
		return d.Fetch(ctx)
	})
	if err != nil {
		switch {
		case !s.Connected():
			err = ErrClientDisconnected
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
			err = fmt.Errorf("%s timed out after %s", d.ID, o.cfg.LightTimeout)
		}
	}
	return res, err
}

// runHeavy ignores disconnect: the fetch keeps going so its result is
// cached for the next request.
func (o *Orchestrator) runHeavy(s *Session, d Descriptor) {
	start := time.Now()
	s.processing(d.ID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.Context()), o.cfg.HeavyTimeout)
	defer cancel()
	res, err := o.load(ctx, s, d, readthrough.Compute(d.Fetch))
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("%s timed out after %s", d.ID, o.cfg.HeavyTimeout)
	}
	if !s.Connected() {
		o.logger.Info("heavy dataset finished after disconnect",
			"session", s.ID, "dataset", d.ID, "elapsed", time.Since(start).Round(time.Millisecond), "error", err)
	}
	o.finish(s, d, res, err, start)
}

func (o *Orchestrator) load(ctx context.Context, s *Session, d Descriptor, compute readthrough.Compute) (readthrough.Result, error) {
	key := o.CacheKey(d.ID, s.Request.Caller)
	if s.Request.Bypass {
		return o.cache.Refresh(ctx, key, d.TTL, compute)
	}
	return o.cache.GetOrCompute(ctx, key, d.TTL, compute)
}

func (o *Orchestrator) finish(s *Session, d Descriptor, res readthrough.Result, err error, start time.Time) {
	elapsed := time.Since(start)
	if err != nil {
		o.logger.Warn("dataset failed", "session", s.ID, "dataset", d.ID, "class", d.Class, "error", err)
		s.fail(d.ID, err, elapsed)
		return
	}
	if res.Stale {
		o.logger.Warn("serving stale dataset", "session", s.ID, "dataset", d.ID, "cached_at", res.CachedAt)
	}
	s.ready(d.ID, res.Value, res.Cached || res.Stale, elapsed)
}
