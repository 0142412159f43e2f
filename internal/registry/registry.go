// ABOUTME: In-memory table of deployable applications backed by a Persister
// ABOUTME: Sole writer of AppEntry and DeployRecord; every mutation is persisted synchronously

package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/harbor-gateway/internal/metrics"
)

// Persister stores and restores the full registry snapshot.
type Persister interface {
	Load() (map[string]*AppEntry, error)
	Save(apps map[string]*AppEntry) error
	Close() error
}

// Registry holds every registered application.
// Returned entries are copies; callers never see internal pointers.
type Registry struct {
	mu        sync.RWMutex
	apps      map[string]*AppEntry
	persister Persister
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithMetrics records persistence failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry and loads any previously persisted state.
// A missing or unreadable snapshot yields an empty registry; it is never fatal.
func New(p Persister, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		apps:      make(map[string]*AppEntry),
		persister: p,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	if p != nil {
		apps, err := p.Load()
		if err != nil {
			r.logger.Warn("registry snapshot unreadable, starting empty", "error", err)
		} else {
			for name, app := range apps {
				if app == nil || name == "" {
					continue
				}
				app.Name = name
				app.relink()
				r.apps[name] = app
			}
			if settled := r.settleInterrupted(); settled > 0 {
				r.persistLocked()
			}
			r.logger.Info("registry loaded", "apps", len(r.apps))
		}
	}
	return r
}

// settleInterrupted fails records left in flight by a previous process.
// Nothing can complete them, and an in-flight record blocks new deploys.
func (r *Registry) settleInterrupted() int {
	settled := 0
	now := r.now()
	for name, app := range r.apps {
		interrupted := false
		for _, rec := range app.DeployHistory {
			if !rec.Status.InFlight() {
				continue
			}
			finished := now
			rec.Status = DeployFailed
			rec.FinishedAt = &finished
			interrupted = true
			settled++
			r.logger.Warn("failing deploy interrupted by restart", "app", name, "deploy_id", rec.DeployID)
		}
		if interrupted {
			app.Status = AppStatusFailed
		}
	}
	return settled
}

// Register adds or replaces an application entry.
func (r *Registry) Register(name string, data AppData) (*AppEntry, error) {
	if name == "" {
		return nil, ErrNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	app := &AppEntry{
		Name:          name,
		AppData:       data,
		Status:        AppStatusRegistered,
		Health:        HealthUnknown,
		DeployHistory: []*DeployRecord{},
		CreatedAt:     r.now(),
	}
	if _, exists := r.apps[name]; exists {
		r.logger.Info("replacing registered app", "app", name)
	}
	r.apps[name] = app
	r.persistLocked()

	return app.clone(), nil
}

// Update applies a partial update. Returns nil if the app is unknown.
func (r *Registry) Update(name string, patch AppPatch) *AppEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok {
		return nil
	}
	if patch.UUID != nil {
		app.UUID = *patch.UUID
	}
	if patch.URL != nil {
		app.URL = *patch.URL
	}
	if patch.Type != nil {
		app.Type = *patch.Type
	}
	if patch.Port != nil {
		app.Port = *patch.Port
	}
	r.persistLocked()

	return app.clone()
}

// Get returns a copy of the named app.
func (r *Registry) Get(name string) (*AppEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, false
	}
	return app.clone(), true
}

// List returns copies of all apps sorted by name.
func (r *Registry) List() []*AppEntry {
	r.mu.RLock()
	out := make([]*AppEntry, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered apps.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

// Remove deletes an app and its history. Reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.apps[name]; !ok {
		return false
	}
	delete(r.apps, name)
	r.persistLocked()
	return true
}

// RecordDeploy appends a new in-flight record and marks the app deploying.
// Rollbacks start in rolling_back, everything else in started.
func (r *Registry) RecordDeploy(name string, meta DeployMeta) (*DeployRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("recording deploy for %q: %w", name, ErrAppNotFound)
	}
	if cur := app.inFlight(); cur != nil {
		return nil, fmt.Errorf("recording deploy %s for %q (in flight: %s): %w", meta.DeployID, name, cur.DeployID, ErrDeployInFlight)
	}

	kind := meta.Kind
	if kind == "" {
		kind = KindDeploy
	}
	status := DeployStarted
	if kind == KindRollback {
		status = DeployRollingBack
	}

	rec := &DeployRecord{
		DeployID:  meta.DeployID,
		Kind:      kind,
		Status:    status,
		Trigger:   meta.Trigger,
		StartedAt: r.now(),
	}
	app.DeployHistory = append(app.DeployHistory, rec)
	if excess := len(app.DeployHistory) - HistoryLimit; excess > 0 {
		app.DeployHistory = append([]*DeployRecord(nil), app.DeployHistory[excess:]...)
	}
	app.LastDeploy = rec
	app.Status = AppStatusDeploying
	r.persistLocked()

	cp := *rec
	return &cp, nil
}

// MarkDeploy moves an in-flight record to a non-terminal status such as running.
func (r *Registry) MarkDeploy(name, deployID string, status DeployStatus) error {
	if status.Terminal() {
		return fmt.Errorf("mark deploy: %s is terminal, use FinishDeploy", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok {
		return fmt.Errorf("marking deploy for %q: %w", name, ErrAppNotFound)
	}
	rec := findRecord(app, deployID)
	if rec == nil {
		return fmt.Errorf("marking deploy %s for %q: %w", deployID, name, ErrDeployNotFound)
	}
	rec.Status = status
	r.persistLocked()
	return nil
}

// FinishDeploy sets the terminal status of a record and the resulting app status.
// With an empty deployID the most recent record is used.
func (r *Registry) FinishDeploy(name, deployID string, status DeployStatus, elapsed time.Duration) (*DeployRecord, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finish deploy: %s is not terminal", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("finishing deploy for %q: %w", name, ErrAppNotFound)
	}
	rec := findRecord(app, deployID)
	if rec == nil {
		return nil, fmt.Errorf("finishing deploy %s for %q: %w", deployID, name, ErrDeployNotFound)
	}

	finished := r.now()
	ms := elapsed.Milliseconds()
	rec.Status = status
	rec.FinishedAt = &finished
	rec.ElapsedMS = &ms

	if status == DeployFinished {
		app.Status = AppStatusRunning
	} else {
		app.Status = AppStatusFailed
	}
	r.persistLocked()

	cp := *rec
	return &cp, nil
}

// SetHealth records a probe outcome.
func (r *Registry) SetHealth(name string, health Health, checkedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok {
		return false
	}
	app.Health = health
	t := checkedAt
	app.LastHealthCheck = &t
	r.persistLocked()
	return true
}

// Close releases the persister.
func (r *Registry) Close() error {
	if r.persister == nil {
		return nil
	}
	return r.persister.Close()
}

// findRecord looks up a record by id, or the most recent one when id is empty.
func findRecord(app *AppEntry, deployID string) *DeployRecord {
	if deployID == "" {
		if n := len(app.DeployHistory); n > 0 {
			return app.DeployHistory[n-1]
		}
		return nil
	}
	for i := len(app.DeployHistory) - 1; i >= 0; i-- {
		if app.DeployHistory[i].DeployID == deployID {
			return app.DeployHistory[i]
		}
	}
	return nil
}

// persistLocked writes the snapshot. Must be called with mu held.
// Failures are logged; the in-memory state stays authoritative.
func (r *Registry) persistLocked() {
	if r.persister == nil {
		return
	}
	if err := r.persister.Save(r.apps); err != nil {
		r.metrics.RegistrySaveError()
		r.logger.Error("persisting registry", "error", err)
	}
}
