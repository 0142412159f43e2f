// ABOUTME: Per-application FIFO of deploy jobs with at most one current job per app
// ABOUTME: Different apps are independent; queue positions are fixed at enqueue time

package deploy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/harbor-gateway/internal/registry"
)

// ErrNotCurrent is returned by Complete when the deploy id is not the app's current job.
var ErrNotCurrent = errors.New("deploy is not current")

// Job is one requested deploy or rollback.
type Job struct {
	DeployID   string                `json:"deployId"`
	App        string                `json:"app"`
	Kind       registry.DeployKind   `json:"kind"`
	Trigger    string                `json:"trigger,omitempty"`
	Payload    map[string]any        `json:"payload,omitempty"`
	Status     registry.DeployStatus `json:"status"`
	EnqueuedAt time.Time             `json:"enqueuedAt"`
	StartedAt  *time.Time            `json:"startedAt,omitempty"`
	FinishedAt *time.Time            `json:"finishedAt,omitempty"`
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Position reports where an enqueued job landed.
// Position 0 with Started means the job became current immediately.
type Position struct {
	Position int  `json:"position"`
	Started  bool `json:"started"`
}

// SlotState is a read-only snapshot of one app's queue.
type SlotState struct {
	App       string `json:"app"`
	Deploying bool   `json:"deploying"`
	Current   *Job   `json:"current"`
	Queue     []*Job `json:"queue"`
}

type slot struct {
	current *Job
	pending []*Job
}

// Queue serializes deploys per application.
type Queue struct {
	mu    sync.RWMutex
	slots map[string]*slot
	now   func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		slots: make(map[string]*slot),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue makes job current if the app is idle, otherwise appends it.
// A missing DeployID is generated. The queue keeps its own copy of job.
func (q *Queue) Enqueue(app string, job *Job) Position {
	j := job.clone()
	j.App = app
	if j.DeployID == "" {
		j.DeployID = uuid.New().String()
		job.DeployID = j.DeployID
	}
	if j.Kind == "" {
		j.Kind = registry.KindDeploy
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	j.EnqueuedAt = now

	s, ok := q.slots[app]
	if !ok {
		s = &slot{}
		q.slots[app] = s
	}

	if s.current == nil {
		j.Status = registry.DeployRunning
		j.StartedAt = &now
		s.current = j
		return Position{Position: 0, Started: true}
	}

	j.Status = registry.DeployStarted
	s.pending = append(s.pending, j)
	return Position{Position: len(s.pending)}
}

// Complete finishes the current job for app and promotes the next one.
// An empty deployID completes whatever is current. The promoted job is
// returned so the caller can dispatch it; nil means the app is now idle.
func (q *Queue) Complete(app, deployID string, status registry.DeployStatus) (*Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete %s: status %s is not terminal", app, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[app]
	if !ok || s.current == nil {
		return nil, fmt.Errorf("complete %s for %q (idle): %w", deployID, app, ErrNotCurrent)
	}
	if deployID != "" && s.current.DeployID != deployID {
		return nil, fmt.Errorf("complete %s for %q (current %s): %w", deployID, app, s.current.DeployID, ErrNotCurrent)
	}

	now := q.now()
	s.current.Status = status
	s.current.FinishedAt = &now

	if len(s.pending) == 0 {
		delete(q.slots, app)
		return nil, nil
	}

	next := s.pending[0]
	s.pending = s.pending[1:]
	next.Status = registry.DeployRunning
	next.StartedAt = &now
	s.current = next
	return next.clone(), nil
}

// Remove discards the app's slot and returns the jobs that were dropped.
func (q *Queue) Remove(app string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[app]
	if !ok {
		return nil
	}
	delete(q.slots, app)

	var dropped []*Job
	if s.current != nil {
		dropped = append(dropped, s.current.clone())
	}
	for _, j := range s.pending {
		dropped = append(dropped, j.clone())
	}
	return dropped
}

// State returns a snapshot of one app's slot. An unknown app is idle.
func (q *Queue) State(app string) SlotState {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stateLocked(app)
}

// IsDeploying reports whether app has a current job.
func (q *Queue) IsDeploying(app string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s, ok := q.slots[app]
	return ok && s.current != nil
}

// Status returns snapshots of every non-idle app, sorted by name.
func (q *Queue) Status() []SlotState {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]SlotState, 0, len(q.slots))
	for app := range q.slots {
		out = append(out, q.stateLocked(app))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App < out[j].App })
	return out
}

func (q *Queue) stateLocked(app string) SlotState {
	st := SlotState{App: app, Queue: []*Job{}}
	s, ok := q.slots[app]
	if !ok {
		return st
	}
	st.Current = s.current.clone()
	st.Deploying = s.current != nil
	for _, j := range s.pending {
		st.Queue = append(st.Queue, j.clone())
	}
	return st
}
