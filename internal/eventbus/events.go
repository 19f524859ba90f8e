package eventbus

import "time"

// Domain event types.
const (
	EntryEnqueued     = "queue.enqueued"
	EntryOrchestrated = "entry.orchestrated"
	AnomalyDetected   = "anomaly.detected"
	EvergreenRequeued = "evergreen.requeued"
	PlatformPublished = "platform.published"
	PrioritiesDecayed = "queue.decayed"
)

type EntryEnqueuedEvent struct {
	EntryID   string
	UserID    string
	Platforms []string
	Priority  float64
	PublishAt time.Time
}

type EntryOrchestratedEvent struct {
	EntryID   string
	UserID    string
	Status    string
	Attempted int
	Succeeded int
	Duration  time.Duration
}

type PlatformPublishedEvent struct {
	EntryID  string
	Platform string
	Status   string
	Duration time.Duration
}

type PrioritiesDecayedEvent struct {
	UserID  string
	Updated int
}

type AnomalyDetectedEvent struct {
	Platform string
	Metric   string
	Impact   float64
}

type EvergreenRequeuedEvent struct {
	ContentID string
	UserID    string
	EntryID   string
}

// Publish is a nil-safe helper.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
