package bus

import "time"

// Priority orders delivery within a topic. Critical drains first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// IsValid checks if the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// rank maps priorities to queue indexes, highest first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

const priorityLevels = 4

// Well-known topics. The dead-letter topic for any topic T is "dlq." + T.
const (
	TopicIncidentEvents  = "incident.events"
	TopicAgentUpdate     = "agent.update"
	TopicProviderCall    = "provider.call"
	TopicMetricsSnapshot = "metrics.snapshot"

	DeadLetterPrefix = "dlq."
)

// DeadLetterTopic returns the dead-letter topic for topic.
func DeadLetterTopic(topic string) string {
	return DeadLetterPrefix + topic
}

// Message is one bus envelope. Payload stays in-process and is never
// serialized by the bus itself.
type Message struct {
	ID       string
	Topic    string
	Priority Priority
	Payload  any
	// NotBefore delays delivery until the stated instant; zero means now.
	NotBefore time.Time
	// ExpiresAt drops the message undelivered once passed; zero means never.
	ExpiresAt time.Time
	// Attempt is the delivery attempt count, set by the broker.
	Attempt    int
	EnqueuedAt time.Time
}

// DeadLetter wraps a message that exhausted its delivery attempts.
type DeadLetter struct {
	Original     Message
	SubscriberID string
	Reason       string
	FailedAt     time.Time
}
