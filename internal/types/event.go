package types

import "time"

// Event statuses.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventDegraded  = "degraded"
	EventFailed    = "failed"
)

// StageGeneration is the stage name of the events that open and close a request.
const StageGeneration = "generation"

// StageEvent reports progress of one generation request.
type StageEvent struct {
	UID     string    `json:"uid"`
	Stage   string    `json:"stage"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Terminal reports whether the event closes the request's stream.
func (e StageEvent) Terminal() bool {
	return e.Stage == StageGeneration && (e.Status == EventCompleted || e.Status == EventFailed)
}
