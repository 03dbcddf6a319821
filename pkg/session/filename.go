package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEmptySessionID = errors.New("empty session ID")
var ErrExtensionInSessionID = errors.New("session ID contains extension")

const mediaContainer = "mp4"

// MediaFilename names a recording deterministically from the session
// identifier and its start timestamp.
func MediaFilename(id string, startedAt time.Time) (string, error) {
	if id == "" {
		return "", ErrEmptySessionID
	}
	if strings.Contains(id, ".") {
		return "", ErrExtensionInSessionID
	}
	return fmt.Sprintf("%s_%s.%s", id, startedAt.Format("2006-01-02_15-04-05"), mediaContainer), nil
}
