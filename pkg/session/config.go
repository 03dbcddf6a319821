package session

import (
	"time"

	"github.com/cloudgroundcontrol/meet-recorder/pkg/capture"
)

// Config is the immutable configuration snapshot taken for a session at
// Start.
type Config struct {
	// JoinTimeout bounds the whole join sequence, navigation included.
	JoinTimeout time.Duration

	// ConfirmationGrace is how long a joined session must hold before
	// recording begins, so an immediate bounce is caught first.
	ConfirmationGrace time.Duration

	// PollInterval is the cadence of the background liveness check.
	PollInterval time.Duration

	Capture capture.Config
}

func (c Config) withDefaults() Config {
	if c.JoinTimeout == 0 {
		c.JoinTimeout = time.Minute
	}
	if c.ConfirmationGrace == 0 {
		c.ConfirmationGrace = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}
