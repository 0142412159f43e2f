// ABOUTME: Drives deploy and rollback jobs through registry, queue, stream and agent
// ABOUTME: Each current job is dispatched on its own goroutine; completion promotes the next

package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/harbor-gateway/internal/agent"
	"github.com/2389/harbor-gateway/internal/metrics"
	"github.com/2389/harbor-gateway/internal/registry"
)

// ErrClosed is returned when a request arrives after Shutdown began.
var ErrClosed = errors.New("deploy coordinator closed")

// Forwarder delivers a command to the backend agent.
type Forwarder interface {
	Forward(ctx context.Context, message any) agent.Result
}

// Apps is the subset of the registry the coordinator drives.
type Apps interface {
	Get(name string) (*registry.AppEntry, bool)
	Remove(name string) bool
	RecordDeploy(name string, meta registry.DeployMeta) (*registry.DeployRecord, error)
	MarkDeploy(name, deployID string, status registry.DeployStatus) error
	FinishDeploy(name, deployID string, status registry.DeployStatus, elapsed time.Duration) (*registry.DeployRecord, error)
}

// Request carries caller-supplied deploy parameters.
type Request struct {
	Trigger string
	Payload map[string]any
}

// Accepted describes an enqueued job.
type Accepted struct {
	App      string              `json:"app"`
	DeployID string              `json:"deployId"`
	Kind     registry.DeployKind `json:"kind"`
	Position int                 `json:"position"`
	Started  bool                `json:"started"`
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Apps      Apps
	Queue     *Queue
	Stream    *Stream
	Forwarder Forwarder
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Coordinator owns the deploy lifecycle.
type Coordinator struct {
	apps      Apps
	queue     *Queue
	stream    *Stream
	forwarder Forwarder
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewCoordinator creates a coordinator. Queue and Stream are created when nil.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Queue == nil {
		cfg.Queue = NewQueue()
	}
	if cfg.Stream == nil {
		cfg.Stream = NewStream(cfg.Logger, cfg.Metrics)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		apps:      cfg.Apps,
		queue:     cfg.Queue,
		stream:    cfg.Stream,
		forwarder: cfg.Forwarder,
		logger:    cfg.Logger.With("component", "deploy"),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Queue returns the underlying queue.
func (c *Coordinator) Queue() *Queue { return c.queue }

// Stream returns the underlying event stream.
func (c *Coordinator) Stream() *Stream { return c.stream }

// Deploy enqueues a deploy for app.
func (c *Coordinator) Deploy(app string, req Request) (*Accepted, error) {
	return c.submit(app, registry.KindDeploy, req)
}

// Rollback enqueues a rollback for app. It is serialized with deploys.
func (c *Coordinator) Rollback(app string, req Request) (*Accepted, error) {
	return c.submit(app, registry.KindRollback, req)
}

func (c *Coordinator) submit(app string, kind registry.DeployKind, req Request) (*Accepted, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	// Held until the job is handed off so Shutdown cannot miss it.
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	if _, ok := c.apps.Get(app); !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, app, registry.ErrAppNotFound)
	}

	job := &Job{
		DeployID: uuid.New().String(),
		Kind:     kind,
		Trigger:  req.Trigger,
		Payload:  req.Payload,
	}
	if job.Trigger == "" {
		job.Trigger = "api"
	}

	pos := c.queue.Enqueue(app, job)
	c.logger.Info("deploy enqueued",
		"app", app,
		"deploy_id", job.DeployID,
		"kind", kind,
		"position", pos.Position,
		"started", pos.Started)

	if pos.Started {
		// The queue's copy carries status and timestamps.
		state := c.queue.State(app)
		if state.Current != nil && state.Current.DeployID == job.DeployID {
			c.start(state.Current)
		}
	} else {
		c.stream.Log(app, fmt.Sprintf("%s %s queued at position %d", kind, job.DeployID, pos.Position), "info")
	}

	return &Accepted{
		App:      app,
		DeployID: job.DeployID,
		Kind:     kind,
		Position: pos.Position,
		Started:  pos.Started,
	}, nil
}

// Remove deletes app from the registry and discards its queue slot.
// An in-flight dispatch for the app ends with a streamed failure.
func (c *Coordinator) Remove(app string) bool {
	if !c.apps.Remove(app) {
		return false
	}
	if dropped := c.queue.Remove(app); len(dropped) > 0 {
		c.logger.Info("discarded deploy jobs for removed app", "app", app, "jobs", len(dropped))
	}
	return true
}

// start records the job and launches its dispatch. A job that cannot be
// recorded is failed and the next one is tried.
func (c *Coordinator) start(job *Job) {
	for job != nil {
		_, err := c.apps.RecordDeploy(job.App, registry.DeployMeta{
			DeployID: job.DeployID,
			Kind:     job.Kind,
			Trigger:  job.Trigger,
		})
		if err == nil {
			break
		}

		c.logger.Error("recording deploy", "app", job.App, "deploy_id", job.DeployID, "error", err)
		c.metrics.Deploy(string(job.Kind), string(registry.DeployFailed))
		c.streamFailed(job, err.Error())
		next, cerr := c.queue.Complete(job.App, job.DeployID, registry.DeployFailed)
		if cerr != nil {
			return
		}
		job = next
	}
	if job == nil {
		return
	}

	initial := registry.DeployStarted
	if job.Kind == registry.KindRollback {
		initial = registry.DeployRollingBack
	}
	c.stream.Status(job.App, string(initial), map[string]any{
		"deployId": job.DeployID,
		"kind":     job.Kind,
		"trigger":  job.Trigger,
	})

	c.wg.Add(1)
	go c.dispatch(job)
}

// dispatch forwards the job to the agent and settles it.
func (c *Coordinator) dispatch(job *Job) {
	defer c.wg.Done()

	logger := c.logger.With("app", job.App, "deploy_id", job.DeployID, "kind", job.Kind)

	status, ok := c.execute(job, logger)
	if !ok {
		// The record vanished (app removed or replaced). Free the slot if it is still ours.
		status = registry.DeployFailed
		c.streamFailed(job, "deploy record no longer exists")
	}

	next, err := c.queue.Complete(job.App, job.DeployID, status)
	if err != nil {
		logger.Debug("queue slot gone", "error", err)
		return
	}
	if next != nil {
		c.start(next)
	}
}

// execute runs one job against the agent. It reports false when the
// registry no longer holds the job's record.
func (c *Coordinator) execute(job *Job, logger *slog.Logger) (registry.DeployStatus, bool) {
	if job.Kind == registry.KindDeploy {
		if err := c.apps.MarkDeploy(job.App, job.DeployID, registry.DeployRunning); err != nil {
			logger.Debug("deploy gone before dispatch", "error", err)
			return registry.DeployFailed, false
		}
		c.stream.Status(job.App, string(registry.DeployRunning), map[string]any{"deployId": job.DeployID})
	}

	app, ok := c.apps.Get(job.App)
	if !ok {
		logger.Debug("app removed before dispatch")
		return registry.DeployFailed, false
	}

	msg := make(map[string]any, len(job.Payload)+6)
	for k, v := range job.Payload {
		msg[k] = v
	}
	msg["type"] = string(job.Kind)
	msg["app"] = job.App
	msg["deployId"] = job.DeployID
	msg["uuid"] = app.UUID
	msg["url"] = app.URL
	msg["trigger"] = job.Trigger

	start := time.Now()
	result := c.forwarder.Forward(c.ctx, msg)
	elapsed := time.Since(start)

	status := registry.DeployFinished
	if result.Failed() {
		status = registry.DeployFailed
	}

	if _, err := c.apps.FinishDeploy(job.App, job.DeployID, status, elapsed); err != nil {
		logger.Debug("deploy settled for missing record", "error", err)
		return status, false
	}
	c.metrics.Deploy(string(job.Kind), string(status))

	c.stream.Status(job.App, string(status), map[string]any{
		"deployId": job.DeployID,
		"kind":     job.Kind,
		"elapsed":  elapsed.Milliseconds(),
		"result":   map[string]any(result),
	})
	if status == registry.DeployFailed {
		logger.Warn("deploy failed", "elapsed", elapsed, "error", result.Err())
	} else {
		logger.Info("deploy finished", "elapsed", elapsed)
	}
	return status, true
}

// streamFailed tells subscribers a job ended without a registry outcome.
func (c *Coordinator) streamFailed(job *Job, reason string) {
	c.stream.Status(job.App, string(registry.DeployFailed), map[string]any{
		"deployId": job.DeployID,
		"kind":     job.Kind,
		"error":    reason,
	})
}

// Shutdown stops accepting jobs and waits for in-flight dispatches.
// When ctx expires first, outstanding forwards are cancelled and awaited.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
