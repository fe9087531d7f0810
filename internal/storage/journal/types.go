package journal

import "time"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the lifecycle records kept in the journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventSubmit   EventType = "SUBMIT"   // Job accepted and queued
	EventStart    EventType = "START"    // Worker picked the job up
	EventComplete EventType = "COMPLETE" // Result version stored
	EventFail     EventType = "FAIL"     // Validation, algorithm or storage failure
	EventCancel   EventType = "CANCEL"   // Cancelled by user
	EventApply    EventType = "APPLY"    // Optimized version applied to a schedule
	EventRollback EventType = "ROLLBACK" // Schedule rolled back to an earlier version
)

// Event represents one journal record
type Event struct {
	Seq         uint64    `json:"seq"`                    // Sequence number (monotonically increasing)
	Type        EventType `json:"type"`                   // Event type
	RunID       string    `json:"run_id,omitempty"`       // Optimization run
	ScheduleID  string    `json:"schedule_id,omitempty"`  // Schedule the event belongs to
	AlgorithmID string    `json:"algorithm_id,omitempty"` // Algorithm used by the run
	VersionID   string    `json:"version_id,omitempty"`   // Version created or applied
	Code        string    `json:"code,omitempty"`         // Error code for FAIL/CANCEL
	Message     string    `json:"message,omitempty"`      // Free text (error message, rollback reason)
	Timestamp   int64     `json:"timestamp"`              // Unix millisecond timestamp
	Checksum    uint32    `json:"checksum"`               // CRC32 checksum over all other fields
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// EventHandler processes one event during Replay. Returning an error stops
// the replay.
type EventHandler func(event Event) error
