// Package trajectory records the narrative arc of a run: chapters of
// agent activity, the events within them, and a final retrospective.
// Writes are append-only JSON under a data directory and are always
// best-effort — a trajectory write failure is logged, never propagated
// to the engine.
package trajectory

import "time"

const schemaVersion = 1

// Status is the trajectory's own lifecycle, distinct from (but tracking)
// the run's.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// EventType enumerates the kinds of events a chapter can record.
type EventType string

const (
	EventNote          EventType = "note"
	EventFinding       EventType = "finding"
	EventStepStarted   EventType = "stepStarted"
	EventStepCompleted EventType = "stepCompleted"
	EventStepFailed    EventType = "stepFailed"
	EventStepSkipped   EventType = "stepSkipped"
	EventStepRetrying  EventType = "stepRetrying"
	EventReflection    EventType = "reflection"
	EventError         EventType = "error"
)

// Task describes what a run was trying to accomplish.
type Task struct {
	Title  string `json:"title"`
	Source string `json:"source"`
}

// Event is a single timestamped occurrence within a chapter.
type Event struct {
	Ts           time.Time   `json:"ts"`
	Type         EventType   `json:"type"`
	Content      string      `json:"content"`
	Significance string      `json:"significance,omitempty"`
	Raw          interface{} `json:"raw,omitempty"`
}

// Chapter groups the events belonging to one phase of a run: the
// planning phase, a parallel batch of steps, a convergence, or the
// closing retrospective.
type Chapter struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	AgentName string     `json:"agentName,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Events    []Event    `json:"events"`
}

// Retrospective is the final summary attached to a trajectory once it
// reaches a terminal status.
type Retrospective struct {
	Summary    string                 `json:"summary"`
	Confidence float64                `json:"confidence"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Trajectory is the full append-only document for one run.
type Trajectory struct {
	ID            string         `json:"id"`
	Version       int            `json:"version"`
	Task          Task           `json:"task"`
	Status        Status         `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Agents        []string       `json:"agents"`
	Chapters      []Chapter      `json:"chapters"`
	Retrospective *Retrospective `json:"retrospective,omitempty"`
}

// Outcome is a single step's contribution to a confidence calculation.
type Outcome struct {
	Completed      bool
	FirstAttempt   bool
	VerifiedPassed bool
}

// Confidence implements the formula: 0.5·(C/N) + 0.25·(F/N) + 0.25·(V/N),
// capped at 1; 0.7 when there are no outcomes.
func Confidence(outcomes []Outcome) float64 {
	n := len(outcomes)
	if n == 0 {
		return 0.7
	}
	var completed, firstAttempt, verified int
	for _, o := range outcomes {
		if o.Completed {
			completed++
		}
		if o.FirstAttempt {
			firstAttempt++
		}
		if o.VerifiedPassed {
			verified++
		}
	}
	score := 0.5*(float64(completed)/float64(n)) +
		0.25*(float64(firstAttempt)/float64(n)) +
		0.25*(float64(verified)/float64(n))
	if score > 1 {
		return 1
	}
	return score
}
