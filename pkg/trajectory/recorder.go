package trajectory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder owns a single trajectory's in-memory state and its on-disk
// mirror. Every mutating call flushes the full document to
// <dir>/active/<id>.json; all flush failures are swallowed and logged,
// never returned, since a trajectory is diagnostic, not load-bearing.
type Recorder struct {
	mu      sync.Mutex
	traj    *Trajectory
	dir     string // trajectory root, containing active/ and completed/
	logger  *slog.Logger
	current *Chapter // pointer into traj.Chapters of the open chapter, if any
}

// NewRecorder creates a recorder for runID and immediately opens a
// Planning chapter. dir is the trajectory root (as returned by
// config.TrajectoryDir).
func NewRecorder(dir, runID, workflowName, source string, agents []string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		dir:    dir,
		logger: logger,
		traj: &Trajectory{
			ID:        runID,
			Version:   schemaVersion,
			Task:      Task{Title: workflowName, Source: source},
			Status:    StatusActive,
			StartedAt: time.Now(),
			Agents:    agents,
		},
	}
	r.openChapter("Planning", "")
	r.flush()
	return r
}

func (r *Recorder) openChapter(title, agentName string) *Chapter {
	r.closeCurrentChapter()
	ch := Chapter{
		ID:        uuid.NewString(),
		Title:     title,
		AgentName: agentName,
		StartedAt: time.Now(),
	}
	r.traj.Chapters = append(r.traj.Chapters, ch)
	r.current = &r.traj.Chapters[len(r.traj.Chapters)-1]
	return r.current
}

func (r *Recorder) closeCurrentChapter() {
	if r.current == nil {
		return
	}
	now := time.Now()
	r.current.EndedAt = &now
}

func (r *Recorder) appendEvent(ev Event) {
	if r.current == nil {
		r.openChapter("Untitled", "")
	}
	ev.Ts = time.Now()
	r.current.Events = append(r.current.Events, ev)
}

// BeginTrack closes the current chapter and opens a new one for a
// parallel batch of step names.
func (r *Recorder) BeginTrack(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openChapter(fmt.Sprintf("Track: %s", joinNames(names)), "")
	r.flush()
}

// BeginConvergence closes the current chapter and opens a new one
// labeled for the convergence point that unblocked further steps.
func (r *Recorder) BeginConvergence(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openChapter(fmt.Sprintf("Convergence: %s", label), "")
	r.flush()
}

// StepStarted records a stepStarted event for agentName's step.
func (r *Recorder) StepStarted(stepName, agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.AgentName == "" {
		r.current.AgentName = agentName
	}
	r.appendEvent(Event{Type: EventStepStarted, Content: fmt.Sprintf("step %q started", stepName)})
	r.flush()
}

// StepCompleted records a stepCompleted event along with a finding
// describing the output.
func (r *Recorder) StepCompleted(stepName, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEvent(Event{Type: EventStepCompleted, Content: fmt.Sprintf("step %q completed", stepName)})
	r.appendEvent(Event{Type: EventFinding, Content: truncateForNote(output)})
	r.flush()
}

// StepFailed records a stepFailed event.
func (r *Recorder) StepFailed(stepName, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEvent(Event{Type: EventStepFailed, Content: fmt.Sprintf("step %q failed: %s", stepName, reason)})
	r.flush()
}

// StepSkipped records a stepSkipped event with the upstream cause.
func (r *Recorder) StepSkipped(stepName, upstreamFailed string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEvent(Event{
		Type:    EventStepSkipped,
		Content: fmt.Sprintf("Upstream dependency %q failed", upstreamFailed),
	})
	r.flush()
}

// StepRetrying records a stepRetrying event for the given attempt
// number (1-indexed).
func (r *Recorder) StepRetrying(stepName string, attempt int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEvent(Event{
		Type:    EventStepRetrying,
		Content: fmt.Sprintf("step %q retrying (attempt %d): %s", stepName, attempt, reason),
	})
	r.flush()
}

// SynthesizeAndReflect is invoked when a parallel batch of two or more
// steps converges. It computes a synthesis string and a confidence
// score from outcomes, then records a reflection event.
func (r *Recorder) SynthesizeAndReflect(stepNames []string, unblocked []string, outcomes []Outcome) (string, float64) {
	confidence := Confidence(outcomes)
	synthesis := fmt.Sprintf("%s converged; unblocks %s", joinNames(stepNames), joinNames(unblocked))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEvent(Event{
		Type:         EventReflection,
		Content:      synthesis,
		Significance: fmt.Sprintf("confidence=%.2f", confidence),
	})
	r.flush()
	return synthesis, confidence
}

// Complete opens a Retrospective chapter, records the final reflection
// event, sets the retrospective fields, marks the trajectory completed,
// and moves the file to completed/.
func (r *Recorder) Complete(summary string, confidence float64, meta map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openChapter("Retrospective", "")
	r.appendEvent(Event{Type: EventReflection, Content: summary, Significance: fmt.Sprintf("confidence=%.2f", confidence)})
	r.closeCurrentChapter()

	now := time.Now()
	r.traj.Status = StatusCompleted
	r.traj.CompletedAt = &now
	r.traj.Retrospective = &Retrospective{Summary: summary, Confidence: confidence, Meta: meta}
	r.flush()
	r.moveToCompleted()
}

// Abandon emits an error event, marks the trajectory abandoned, and
// moves the file to completed/. Used for both aborts and fatal
// fail-fast failures.
func (r *Recorder) Abandon(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEvent(Event{Type: EventError, Content: reason})
	r.closeCurrentChapter()

	now := time.Now()
	r.traj.Status = StatusAbandoned
	r.traj.CompletedAt = &now
	r.traj.Retrospective = &Retrospective{Summary: reason, Confidence: 0}
	r.flush()
	r.moveToCompleted()
}

// Snapshot returns a deep-enough copy of the current trajectory
// document, safe to read concurrently with further recorder calls.
func (r *Recorder) Snapshot() *Trajectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.traj
	cp.Chapters = append([]Chapter(nil), r.traj.Chapters...)
	return &cp
}

// flush is best-effort: failures are logged and never returned, per
// the never-propagates-to-the-engine contract.
func (r *Recorder) flush() {
	path := filepath.Join(r.dir, "active", r.traj.ID+".json")
	data, err := json.MarshalIndent(r.traj, "", "  ")
	if err != nil {
		r.logger.Warn("trajectory marshal failed", "run_id", r.traj.ID, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		r.logger.Warn("trajectory flush failed", "run_id", r.traj.ID, "error", err)
	}
}

func (r *Recorder) moveToCompleted() {
	src := filepath.Join(r.dir, "active", r.traj.ID+".json")
	dst := filepath.Join(r.dir, "completed", r.traj.ID+".json")
	if err := os.Rename(src, dst); err != nil {
		r.logger.Warn("trajectory move to completed failed", "run_id", r.traj.ID, "error", err)
	}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func truncateForNote(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
