// Package registry tracks the set of currently-spawned agent workers
// in an in-memory authoritative map mirrored to a JSON file, so other
// processes (or a restarted CLI) can inspect who's running. All writes
// are serialised through a single consumer goroutine reading a channel
// of operations — a "single-writer queue" — so concurrent Register/
// Unregister calls never interleave a read-modify-write against the
// file.
package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Worker is one entry in the registry.
type Worker struct {
	Name        string    `json:"name"`
	Cli         string    `json:"cli"`
	TaskPreview string    `json:"task"`
	SpawnedAt   time.Time `json:"spawnedAt"`
	Pid         *int      `json:"pid,omitempty"`
	Interactive bool      `json:"interactive"`
	LogFile     string    `json:"logFile"`
}

type fileShape struct {
	Workers []Worker `json:"workers"`
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSnapshot
)

type op struct {
	kind     opKind
	worker   Worker
	name     string
	done     chan struct{}
	snapshot chan []Worker
}

const maxTaskPreviewLen = 120

// Registry is a single-writer, file-backed worker registry.
type Registry struct {
	path    string
	logger  *slog.Logger
	ops     chan op
	workers map[string]Worker
	done    chan struct{}
}

// New creates a registry backed by "<dataDir>/team/workers.json" and
// starts its single-writer goroutine. Call Close to stop it.
func New(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:    path,
		logger:  logger,
		ops:     make(chan op, 64),
		workers: make(map[string]Worker),
		done:    make(chan struct{}),
	}
	r.load()
	go r.run()
	return r
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return // missing file is a cold start, not an error
	}
	var shape fileShape
	if err := json.Unmarshal(data, &shape); err != nil {
		r.logger.Warn("worker registry file corrupt, starting fresh", "path", r.path, "error", err)
		return
	}
	for _, w := range shape.Workers {
		r.workers[w.Name] = w
	}
}

func (r *Registry) run() {
	defer close(r.done)
	for o := range r.ops {
		switch o.kind {
		case opRegister:
			r.workers[o.worker.Name] = o.worker
			r.persist()
		case opUnregister:
			delete(r.workers, o.name)
			r.persist()
		case opSnapshot:
			snap := make([]Worker, 0, len(r.workers))
			for _, w := range r.workers {
				snap = append(snap, w)
			}
			o.snapshot <- snap
		}
		if o.done != nil {
			close(o.done)
		}
	}
}

func (r *Registry) persist() {
	shape := fileShape{Workers: make([]Worker, 0, len(r.workers))}
	for _, w := range r.workers {
		shape.Workers = append(shape.Workers, w)
	}
	data, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		r.logger.Warn("worker registry marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		r.logger.Warn("worker registry mkdir failed", "error", err)
		return
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		r.logger.Warn("worker registry write failed", "error", err)
	}
}

// Register adds or replaces a worker entry. A failure to enqueue (the
// operation queue is full) must not prevent agent execution, so the
// entry is dropped with a warning and this never returns an error —
// callers that need to know it happened can check Workers() afterward.
// Calling Register after Close panics.
func (r *Registry) Register(w Worker) {
	if w.TaskPreview != "" && len(w.TaskPreview) > maxTaskPreviewLen {
		w.TaskPreview = w.TaskPreview[:maxTaskPreviewLen] + "..."
	}
	done := make(chan struct{})
	select {
	case r.ops <- op{kind: opRegister, worker: w, done: done}:
		<-done
	default:
		r.logger.Warn("worker registry queue full, dropping register", "name", w.Name)
	}
}

// Unregister removes a worker entry by name.
func (r *Registry) Unregister(name string) {
	done := make(chan struct{})
	select {
	case r.ops <- op{kind: opUnregister, name: name, done: done}:
		<-done
	default:
		r.logger.Warn("worker registry queue full, dropping unregister", "name", name)
	}
}

// Workers returns a snapshot of the currently-registered workers. The
// in-memory map, not the file, is authoritative; this read goes through
// the same writer queue so it can never race an in-flight mutation.
func (r *Registry) Workers() []Worker {
	reply := make(chan []Worker, 1)
	select {
	case r.ops <- op{kind: opSnapshot, snapshot: reply}:
		return <-reply
	default:
		r.logger.Warn("worker registry queue full, returning empty snapshot")
		return nil
	}
}

// Close stops the writer goroutine, flushing any queued operations
// first.
func (r *Registry) Close() {
	close(r.ops)
	<-r.done
}
