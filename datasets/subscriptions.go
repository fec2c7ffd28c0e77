package datasets

import (
	"context"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	cachemanager "github.com/lexops/practiceops/cache-manager"
	psevents "github.com/lexops/practiceops/pkg/pubsub"
)

// DatasetRefreshedTopic reports the outcome of every forced refresh.
var DatasetRefreshedTopic = pubsub.NewTopic[*psevents.DatasetRefreshedEvent](
	"dataset-refreshed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

func publishRefreshed(ctx context.Context, ev *psevents.DatasetRefreshedEvent) {
	if _, err := DatasetRefreshedTopic.Publish(ctx, ev); err != nil {
		rlog.Warn("publish refresh outcome failed", "dataset", ev.Dataset, "error", err)
	}
}

// Drop process-local copies of whatever cache-manager invalidated.
var _ = pubsub.NewSubscription(
	cachemanager.DatasetInvalidateTopic,
	"datasets-drop-invalidated",
	pubsub.SubscriptionConfig[*psevents.InvalidationEvent]{
		Handler: HandleInvalidation,
	},
)

// HandleInvalidation drops stale copies for the invalidated keys and
// repeats the delete against this service's store, which matters when the
// store is process-local.
func HandleInvalidation(ctx context.Context, event *psevents.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	return svc.applyInvalidation(ctx, event)
}

func (s *Service) applyInvalidation(ctx context.Context, event *psevents.InvalidationEvent) error {
	if err := event.Validate(); err != nil {
		rlog.Warn("ignoring malformed invalidation event", "error", err)
		return nil
	}

	keys := event.Keys
	if event.Dataset != "" {
		keys = append(append([]string(nil), keys...), s.keys.Key(event.Dataset))
	}

	dropped := 0
	if len(keys) > 0 {
		s.cache.Forget(keys...)
		dropped += len(keys)
		if _, err := s.store.Delete(ctx, keys...); err != nil {
			rlog.Warn("invalidation delete failed", "error", err)
		}
	}

	patterns := make([]string, 0, 2)
	if event.Pattern != "" {
		patterns = append(patterns, event.Pattern)
	}
	if event.Dataset != "" {
		patterns = append(patterns, s.keys.DatasetPattern(event.Dataset))
	}
	for _, p := range patterns {
		n, err := s.cache.ForgetPattern(p)
		if err != nil {
			rlog.Warn("ignoring invalid invalidation pattern", "pattern", p, "error", err)
			continue
		}
		dropped += n
		if _, err := s.store.DeletePattern(ctx, p); err != nil {
			rlog.Warn("invalidation pattern delete failed", "pattern", p, "error", err)
		}
	}

	rlog.Debug("applied invalidation",
		"service", event.Service, "dataset", event.Dataset, "pattern", event.Pattern,
		"keys", len(event.Keys), "dropped", dropped, "request_id", event.RequestID)
	return nil
}
