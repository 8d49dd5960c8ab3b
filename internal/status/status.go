// Package status carries turn progress events from the orchestrator to
// connected clients.
package status

import "time"

// EventType classifies a progress event.
type EventType string

// Progress event types.
const (
	EventPlanning      EventType = "planning"
	EventExecuting     EventType = "executing"
	EventRendering     EventType = "rendering"
	EventDone          EventType = "done"
	EventClarification EventType = "clarification"
	EventError         EventType = "error"
)

// Event is one progress update for a session.
type Event struct {
	Type      EventType `json:"type"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Reporter receives progress events for a user's tab session.
type Reporter interface {
	Report(userID, sessionID string, ev Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(userID, sessionID string, ev Event)

// Report calls f.
func (f ReporterFunc) Report(userID, sessionID string, ev Event) { f(userID, sessionID, ev) }

// Nop discards every event.
var Nop Reporter = ReporterFunc(func(string, string, Event) {})
