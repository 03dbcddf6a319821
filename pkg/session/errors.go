package session

import "errors"

// Contract errors surfaced directly to the caller
var ErrAlreadyActive = errors.New("a session is already active")
var ErrNotFound = errors.New("session not found")
var ErrNotActive = errors.New("session is not active")
var ErrEmptyMeetingURL = errors.New("empty meeting url")

// Lifecycle failure reasons recorded on the session
var ErrCancelledDuringJoin = errors.New("cancelled during join")
var ErrTeardownPartial = errors.New("teardown partially failed")
