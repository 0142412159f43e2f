// ABOUTME: App registry data types: registered applications and deploy records
// ABOUTME: Defines status enums and the sentinel errors returned by the registry

package registry

import (
	"errors"
	"time"
)

// ErrAppNotFound is returned when a requested application is not registered
var ErrAppNotFound = errors.New("app not found")

// ErrNameRequired is returned when registering an application without a name
var ErrNameRequired = errors.New("name is required")

// ErrDeployInFlight is returned when recording a deploy while another is still in flight
var ErrDeployInFlight = errors.New("deploy already in flight")

// ErrDeployNotFound is returned when no deploy record matches the given id
var ErrDeployNotFound = errors.New("deploy record not found")

// HistoryLimit is the number of deploy records kept per application.
const HistoryLimit = 20

// AppStatus is the lifecycle state of a registered application
type AppStatus string

const (
	AppStatusRegistered AppStatus = "registered"
	AppStatusDeploying  AppStatus = "deploying"
	AppStatusRunning    AppStatus = "running"
	AppStatusFailed     AppStatus = "failed"
)

// Health is the result of the most recent health probe
type Health string

const (
	HealthUnknown     Health = "unknown"
	HealthHealthy     Health = "healthy"
	HealthUnhealthy   Health = "unhealthy"
	HealthUnreachable Health = "unreachable"
)

// DeployStatus is the state of one deploy attempt
type DeployStatus string

const (
	DeployStarted     DeployStatus = "started"
	DeployRunning     DeployStatus = "running"
	DeployFinished    DeployStatus = "finished"
	DeployFailed      DeployStatus = "failed"
	DeployRollingBack DeployStatus = "rolling_back"
)

// InFlight reports whether the status is non-terminal.
func (s DeployStatus) InFlight() bool {
	switch s {
	case DeployStarted, DeployRunning, DeployRollingBack:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends a deploy.
func (s DeployStatus) Terminal() bool {
	return s == DeployFinished || s == DeployFailed
}

// DeployKind distinguishes forward deploys from rollbacks
type DeployKind string

const (
	KindDeploy   DeployKind = "deploy"
	KindRollback DeployKind = "rollback"
)

// DeployRecord is one deployment attempt
type DeployRecord struct {
	DeployID   string       `json:"deployId"`
	Kind       DeployKind   `json:"kind"`
	Status     DeployStatus `json:"status"`
	Trigger    string       `json:"trigger"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt"`
	ElapsedMS  *int64       `json:"elapsed"` // milliseconds
}

// AppData is the registrant-supplied metadata for an application
type AppData struct {
	UUID string `json:"uuid,omitempty"`
	URL  string `json:"url,omitempty"`
	Type string `json:"type,omitempty"`
	Port int    `json:"port,omitempty"`
}

// AppPatch is a partial update; nil fields are left unchanged
type AppPatch struct {
	UUID *string `json:"uuid,omitempty"`
	URL  *string `json:"url,omitempty"`
	Type *string `json:"type,omitempty"`
	Port *int    `json:"port,omitempty"`
}

// AppEntry is a registered deployable application.
// LastDeploy is nil or points at an element of DeployHistory.
type AppEntry struct {
	Name string `json:"name"`
	AppData

	Status          AppStatus       `json:"status"`
	Health          Health          `json:"health"`
	LastDeploy      *DeployRecord   `json:"lastDeploy"`
	DeployHistory   []*DeployRecord `json:"deployHistory"`
	LastHealthCheck *time.Time      `json:"lastHealthCheck"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// DeployMeta describes a deploy to record
type DeployMeta struct {
	DeployID string
	Kind     DeployKind
	Trigger  string
}

// clone returns a deep copy with LastDeploy re-linked into the copied history.
func (a *AppEntry) clone() *AppEntry {
	if a == nil {
		return nil
	}
	out := *a
	out.DeployHistory = make([]*DeployRecord, len(a.DeployHistory))
	out.LastDeploy = nil
	for i, rec := range a.DeployHistory {
		cp := *rec
		out.DeployHistory[i] = &cp
		if rec == a.LastDeploy {
			out.LastDeploy = out.DeployHistory[i]
		}
	}
	if a.LastHealthCheck != nil {
		t := *a.LastHealthCheck
		out.LastHealthCheck = &t
	}
	return &out
}

// relink restores the LastDeploy invariant after decoding.
func (a *AppEntry) relink() {
	if a.LastDeploy == nil {
		return
	}
	id := a.LastDeploy.DeployID
	a.LastDeploy = nil
	for _, rec := range a.DeployHistory {
		if rec.DeployID == id {
			a.LastDeploy = rec
		}
	}
	if a.LastDeploy == nil && len(a.DeployHistory) > 0 {
		a.LastDeploy = a.DeployHistory[len(a.DeployHistory)-1]
	}
}

// inFlight returns the record that has not finished yet, if any.
func (a *AppEntry) inFlight() *DeployRecord {
	for _, rec := range a.DeployHistory {
		if rec.Status.InFlight() {
			return rec
		}
	}
	return nil
}
