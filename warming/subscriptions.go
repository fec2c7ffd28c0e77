package warming

import (
	"context"

	"encore.dev/pubsub"

	"github.com/lexops/practiceops/datasets"
	psevents "github.com/lexops/practiceops/pkg/pubsub"
)

// Track refresh outcomes from every instance so /warm/status reflects work
// done elsewhere, including refreshes this instance skipped.
var _ = pubsub.NewSubscription(
	datasets.DatasetRefreshedTopic,
	"warming-track-refreshes",
	pubsub.SubscriptionConfig[*psevents.DatasetRefreshedEvent]{
		Handler: HandleRefreshed,
	},
)

func HandleRefreshed(ctx context.Context, ev *psevents.DatasetRefreshedEvent) error {
	if svc == nil {
		return nil
	}
	if err := ev.Validate(); err != nil {
		// Malformed events are dropped rather than redelivered forever.
		return nil
	}
	svc.recordOutcome(ev)
	return nil
}
