package domain

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether a job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type CompositionJob struct {
	ID        JobID
	SessionID SessionID
	Inputs    []InputSource
	Layout    LayoutKind
	OutputURL string
	Status    JobStatus
	StartedAt time.Time
	EndedAt   time.Time
}

// InputSource references one participant's producer feeding the compositor.
type InputSource struct {
	Participant ParticipantID
	ProducerID  ProducerID
	Kind        MediaKind
}

// FrameSize is the composed output resolution.
type FrameSize struct {
	Width  int
	Height int
}

// Placement is one input's rectangle within the composed frame, plus its
// stacking order (higher Z drawn on top).
type Placement struct {
	Participant ParticipantID
	X, Y        int
	Width       int
	Height      int
	Z           int
}
