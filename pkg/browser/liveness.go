package browser

import "strings"

// Liveness is the periodic signal of whether the joined meeting is still
// active from the browser's perspective.
type Liveness string

const (
	LivenessActive  Liveness = "active"
	LivenessEnded   Liveness = "ended"
	LivenessRemoved Liveness = "removed"
	LivenessUnknown Liveness = "unknown"
)

var removedMarkers = []string{
	"You've been removed from the meeting",
	"You were removed from the meeting",
}

var endedMarkers = []string{
	"You've left the meeting",
	"The meeting has ended",
	"Return to home screen",
}

var emptyMarkers = []string{
	"Just you",
	"No one else is here",
	"1 joined",
}

func classifyLiveness(pageText string) Liveness {
	for _, m := range removedMarkers {
		if strings.Contains(pageText, m) {
			return LivenessRemoved
		}
	}
	for _, m := range endedMarkers {
		if strings.Contains(pageText, m) {
			return LivenessEnded
		}
	}
	return LivenessActive
}

func meetingIsEmpty(pageText string) bool {
	for _, m := range emptyMarkers {
		if strings.Contains(pageText, m) {
			return true
		}
	}
	return false
}
