// Package workflow provides the in-process workflow dispatcher. Named
// handlers run on a single worker goroutine fed by a bounded queue;
// dispatch never blocks the caller.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/blakebauman/fleetd/internal/collab"
)

// Handler executes one job. A returned error marks the job failed.
type Handler func(ctx context.Context, payload map[string]any) error

// Job is one dispatched workflow instance.
type Job struct {
	ID      string
	Name    string
	Payload map[string]any
	Status  collab.WorkflowStatus
}

// Dispatcher runs named workflow jobs in the background.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*Job
	queue    chan *Job
	logger   *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue size and starts
// its worker.
func NewDispatcher(queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*Job),
		queue:    make(chan *Job, queueSize),
		logger:   logger,
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Register binds a handler to a workflow name. Must be called before
// jobs of that name are created.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Create enqueues a job and returns its id without waiting for
// execution. Unknown workflow names are logged and dropped; a full queue
// marks the job failed rather than blocking.
func (d *Dispatcher) Create(ctx context.Context, name string, payload map[string]any) (string, error) {
	d.mu.Lock()
	_, known := d.handlers[name]
	d.mu.Unlock()
	if !known {
		d.logger.Warn("dropping unknown workflow", "name", name)
		return "", nil
	}

	job := &Job{
		ID:      uuid.New().String(),
		Name:    name,
		Payload: payload,
		Status:  collab.WorkflowQueued,
	}
	d.mu.Lock()
	d.jobs[job.ID] = job
	d.mu.Unlock()

	select {
	case d.queue <- job:
	default:
		d.setStatus(job.ID, collab.WorkflowFailed)
		d.logger.Warn("workflow queue full, job dropped", "name", name, "id", job.ID)
	}
	return job.ID, nil
}

// Get returns a job's status.
func (d *Dispatcher) Get(ctx context.Context, id string) (collab.WorkflowStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[id]
	if !ok {
		return collab.WorkflowUnknown, fmt.Errorf("unknown workflow id %q", id)
	}
	return job.Status, nil
}

// Cancel marks a queued job cancelled. Running jobs finish; there is no
// preemption.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[id]
	if !ok {
		return fmt.Errorf("unknown workflow id %q", id)
	}
	if job.Status == collab.WorkflowQueued {
		job.Status = collab.WorkflowCancelled
	}
	return nil
}

// Close stops the worker after draining in-flight work.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stopped) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stopped:
			return
		case job := <-d.queue:
			d.mu.Lock()
			if job.Status == collab.WorkflowCancelled {
				d.mu.Unlock()
				continue
			}
			job.Status = collab.WorkflowRunning
			h := d.handlers[job.Name]
			d.mu.Unlock()

			err := h(context.Background(), job.Payload)
			if err != nil {
				d.logger.Warn("workflow failed", "name", job.Name, "id", job.ID, "error", err)
				d.setStatus(job.ID, collab.WorkflowFailed)
			} else {
				d.setStatus(job.ID, collab.WorkflowCompleted)
			}
		}
	}
}

func (d *Dispatcher) setStatus(id string, st collab.WorkflowStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job, ok := d.jobs[id]; ok {
		job.Status = st
	}
}
