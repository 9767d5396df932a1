package manager

import "time"

// RequestState is the lifecycle state of a single prediction.
type RequestState string

const (
	StateReceived       RequestState = "received"
	StateModelResolving RequestState = "model_resolving"
	StateQueued         RequestState = "queued"
	StateRunning        RequestState = "running"
	StateCompleted      RequestState = "completed"
	StateFailed         RequestState = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s RequestState) String() string { return string(s) }

// Transition records when a request entered a state.
type Transition struct {
	State RequestState
	At    time.Time
}
