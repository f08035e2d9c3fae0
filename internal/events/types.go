// Package events provides event management functionality.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Dispatcher lifecycle events
	JobStarted   EventType = "JOB_STARTED"
	JobCompleted EventType = "JOB_COMPLETED"
	JobYielded   EventType = "JOB_YIELDED"

	// Proactive scheduler events
	JobFired EventType = "JOB_FIRED"

	// Interactive activity and change tracking
	UserActivity   EventType = "USER_ACTIVITY"
	ChangeRecorded EventType = "CHANGE_RECORDED"
	ErrorOccurred  EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
