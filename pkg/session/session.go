package session

import "time"

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle                   State = "idle"
	StateJoining                State = "joining"
	StateWaitingForConfirmation State = "waiting_for_confirmation"
	StateRecording              State = "recording"
	StateStopping               State = "stopping"
	StateCompleted              State = "completed"
	StateFailed                 State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session is one complete attempt to join, record and leave a meeting. It is
// owned exclusively by the coordinator for its lifetime.
type Session struct {
	ID             string
	MeetingURL     string
	State          State
	StartedAt      time.Time
	EndedAt        time.Time
	OutputPath     string
	CaptureStarted bool
	LastErr        error
}

// Snapshot is the read-only view of a session returned by Status and Stop and
// posted to webhooks on terminal states.
type Snapshot struct {
	ID         string `json:"session_id"`
	MeetingURL string `json:"meeting_url"`
	State      State  `json:"state"`
	Elapsed    string `json:"elapsed"`
	OutputPath string `json:"output_path,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	elapsed := time.Since(s.StartedAt)
	if !s.EndedAt.IsZero() {
		elapsed = s.EndedAt.Sub(s.StartedAt)
	}
	snap := Snapshot{
		ID:         s.ID,
		MeetingURL: s.MeetingURL,
		State:      s.State,
		Elapsed:    elapsed.Round(time.Second).String(),
	}
	if s.CaptureStarted {
		snap.OutputPath = s.OutputPath
	}
	if s.LastErr != nil {
		snap.LastError = s.LastErr.Error()
	}
	return snap
}
