package cachemanager

import (
	"context"

	"encore.dev/pubsub"

	psevents "github.com/lexops/practiceops/pkg/pubsub"
)

// DatasetInvalidateTopic broadcasts invalidations to every datasets
// instance.
var DatasetInvalidateTopic = pubsub.NewTopic[*psevents.InvalidationEvent](
	"dataset-cache-invalidate",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

func publishInvalidation(ctx context.Context, ev *psevents.InvalidationEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	_, err := DatasetInvalidateTopic.Publish(ctx, ev)
	return err
}
