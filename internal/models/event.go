package models

// Event types webhooks can subscribe to.
const (
	EventApplicationSubmitted  = "application.submitted"
	EventApplicationProcessing = "application.processing"
	EventApplicationCompleted  = "application.completed"
	EventApplicationFailed     = "application.failed"
	EventBatchCompleted        = "batch.completed"
	EventRateLimitExceeded     = "rate_limit.exceeded"

	// EventWebhookTest is reserved for synthetic deliveries created by the
	// test endpoint. It cannot be subscribed to.
	EventWebhookTest = "webhook.test"
)

var knownEvents = map[string]struct{}{
	EventApplicationSubmitted:  {},
	EventApplicationProcessing: {},
	EventApplicationCompleted:  {},
	EventApplicationFailed:     {},
	EventBatchCompleted:        {},
	EventRateLimitExceeded:     {},
}

// KnownEvent reports whether eventType is a subscribable event type.
func KnownEvent(eventType string) bool {
	_, ok := knownEvents[eventType]
	return ok
}
