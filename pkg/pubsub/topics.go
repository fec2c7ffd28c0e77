// Package pubsub provides topic names and event type definitions shared by
// the services.
//
// Topic Naming Convention:
//   - dataset-cache-invalidate: shared-store entries were deleted; every
//     instance drops its process-local stale copies
//   - dataset-refreshed: a forced dataset refresh finished (or was skipped)
//
// Design Notes:
//   - No direct Encore dependencies to keep pkg/ reusable across services
//   - Version field in events enables schema evolution without breaking consumers
package pubsub

// Topic name constants. Services declare the Encore topics with the same
// literal names.
const (
	// TopicDatasetInvalidate carries InvalidationEvent.
	// Publishers: cache-manager
	// Subscribers: datasets (every instance), monitoring
	TopicDatasetInvalidate = "dataset-cache-invalidate"

	// TopicDatasetRefreshed carries DatasetRefreshedEvent.
	// Publishers: datasets
	// Subscribers: warming, monitoring
	TopicDatasetRefreshed = "dataset-refreshed"
)

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{
		TopicDatasetInvalidate,
		TopicDatasetRefreshed,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
