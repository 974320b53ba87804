// Reef is a rolling firmware update engine for Redfish BMC fleets.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package models contains the shared data model used by the engine: jobs,
// workflow steps, target hosts, maintenance blockers, and the open-ended
// details map that carries per-job configuration and results.
package models

import (
	"time"
)

// JobKind selects the orchestrator that processes a job.
type JobKind string

const (
	// JobKindRollingClusterUpdate is the rolling firmware/configuration
	// update across a cluster of hypervisor hosts, one host at a time.
	JobKindRollingClusterUpdate JobKind = "rolling_cluster_update"
)

// JobStatus is the lifecycle state of a job. Status transitions are the
// authoritative cancellation signal: the orchestrator re-reads the status
// at its checkpoints rather than listening for interrupts.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal. Paused is not
// terminal: a paused job is waiting for operator intervention and may be
// re-dispatched.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// ScopeKind identifies which variant of a TargetScope is populated.
type ScopeKind string

const (
	ScopeServers ScopeKind = "servers"
	ScopeGroup   ScopeKind = "group"
	ScopeCluster ScopeKind = "cluster"
)

// TargetScope selects the set of hosts a job operates on: an explicit
// server-ID set, a server group, or a named hypervisor cluster.
type TargetScope struct {
	ServerIDs []string `json:"server_ids,omitempty"`
	GroupID   string   `json:"group_id,omitempty"`
	Cluster   string   `json:"cluster,omitempty"`
}

// Kind returns the populated variant, preferring explicit server IDs.
func (t TargetScope) Kind() ScopeKind {
	switch {
	case len(t.ServerIDs) > 0:
		return ScopeServers
	case t.GroupID != "":
		return ScopeGroup
	default:
		return ScopeCluster
	}
}

// Job represents a fleet operation request and its lifecycle.
type Job struct {
	ID          string      `json:"job_id" db:"id"`
	Kind        JobKind     `json:"kind" db:"kind"`
	Status      JobStatus   `json:"status" db:"status"`
	Details     Details     `json:"details" db:"details_json"`
	Target      TargetScope `json:"target" db:"target_json"`
	CreatedBy   string      `json:"created_by" db:"created_by"`
	ScheduledAt time.Time   `json:"scheduled_at" db:"scheduled_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// NewJob constructs a pending Job. Caller assigns a unique ID (uuid)
// before persistence.
func NewJob(kind JobKind, target TargetScope, createdBy string) Job {
	now := time.Now().UTC()
	return Job{
		Kind:        kind,
		Status:      JobStatusPending,
		Details:     Details{},
		Target:      target,
		CreatedBy:   createdBy,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// BMCEndpoint holds the management-controller access details for one host.
type BMCEndpoint struct {
	Address  string `json:"address" db:"bmc_address"`
	Username string `json:"username" db:"bmc_username"`
	Password string `json:"-" db:"bmc_password"` // never log or serialize
}

// HypervisorRef links a physical server to its hypervisor host record.
// Hosts without a ref still receive firmware but are exempt from
// maintenance/HA/evacuation handling.
type HypervisorRef struct {
	HostName     string `json:"host_name"`
	ManagementIP string `json:"management_ip,omitempty"`
	FallbackIP   string `json:"fallback_ip,omitempty"`
	Cluster      string `json:"cluster,omitempty"`
}

// TargetHost is the logical handle the orchestrator iterates over.
type TargetHost struct {
	ID         string         `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	Model      string         `json:"model,omitempty" db:"model"`
	GroupID    string         `json:"group_id,omitempty" db:"group_id"`
	BMC        BMCEndpoint    `json:"bmc"`
	Hypervisor *HypervisorRef `json:"hypervisor,omitempty"`
}

// BlockerReason classifies why a VM prevents maintenance entry.
type BlockerReason string

const (
	BlockerPassthrough  BlockerReason = "passthrough-device"
	BlockerLocalStorage BlockerReason = "local-storage"
	BlockerVGPU         BlockerReason = "vgpu"
	BlockerFT           BlockerReason = "fault-tolerance"
	BlockerControlPlane BlockerReason = "control-plane-vm"
	BlockerOther        BlockerReason = "other"
)

// BlockerSeverity grades a maintenance blocker.
type BlockerSeverity string

const (
	SeverityCritical BlockerSeverity = "critical"
	SeverityWarning  BlockerSeverity = "warning"
)

// MaintenanceBlocker is one VM preventing a host from entering maintenance.
type MaintenanceBlocker struct {
	VMName         string          `json:"vm_name"`
	Reason         BlockerReason   `json:"reason"`
	Severity       BlockerSeverity `json:"severity"`
	AutoRemediable bool            `json:"auto_remediable"`
	Detail         string          `json:"detail,omitempty"`
}

// NonMigratable reports whether the blocker reason pins the VM to the host
// such that only a power-off can clear it.
func (b MaintenanceBlocker) NonMigratable() bool {
	switch b.Reason {
	case BlockerPassthrough, BlockerLocalStorage, BlockerVGPU, BlockerFT:
		return true
	default:
		return false
	}
}

// BlockerAnalysis is the cached result of a maintenance-blocker scan.
type BlockerAnalysis struct {
	Blockers  []MaintenanceBlocker `json:"blockers"`
	ScannedAt time.Time            `json:"scanned_at"`
}

// FirmwareComponent is one entry of a BMC firmware inventory.
type FirmwareComponent struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Updateable    bool   `json:"updateable"`
	ComponentType string `json:"component_type,omitempty"`
}

// AvailableUpdate describes one update offered by a firmware catalog.
// Inferred entries were propagated from a peer in the same firmware family
// and are advisory only: they are never grounds for issuing an apply.
type AvailableUpdate struct {
	Name             string `json:"name"`
	AvailableVersion string `json:"available_version"`
	CurrentVersion   string `json:"current_version"`
	Criticality      string `json:"criticality,omitempty"`
	RebootRequired   bool   `json:"reboot_required"`
	Inferred         bool   `json:"inferred,omitempty"`
}

// HostCredentials is the engine-local per-host bundle built during
// preflight and consumed by the sequential update loop. It lives for the
// duration of one job.
type HostCredentials struct {
	Username         string
	Password         string
	Validated        bool
	Blockers         *BlockerAnalysis
	AvailableUpdates []AvailableUpdate
	NeedsUpdate      bool
}

// HAStatus is the live high-availability configuration of a cluster.
type HAStatus struct {
	Enabled          bool   `json:"enabled"`
	HostMonitoring   bool   `json:"host_monitoring"`
	AdmissionControl bool   `json:"admission_control"`
	FTVM             string `json:"ft_vm,omitempty"`
}

// HASnapshot preserves the pre-disable HA configuration so it can be
// restored verbatim on every exit path.
type HASnapshot struct {
	WasEnabled       bool `json:"was_enabled"`
	HostMonitoring   bool `json:"host_monitoring"`
	AdmissionControl bool `json:"admission_control"`
}

// StepStatus is the state of one workflow step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepPaused    StepStatus = "paused"
	StepSkipped   StepStatus = "skipped"
	StepWarning   StepStatus = "warning"
)

// IsTerminal reports whether a step status is final for the step.
func (s StepStatus) IsTerminal() bool { return s != StepRunning }

// String returns the string value of the StepStatus.
func (s StepStatus) String() string { return string(s) }

// WorkflowStep is the durable, UI-driving record of one orchestrator step.
// (JobID, StepNumber) is unique; writes are upserts so a resumed pause may
// rewrite the same step number.
type WorkflowStep struct {
	JobID       string     `json:"job_id" db:"job_id"`
	StepNumber  int        `json:"step_number" db:"step_number"`
	Name        string     `json:"name" db:"name"`
	Status      StepStatus `json:"status" db:"status"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Details     Details    `json:"details,omitempty" db:"details_json"`
	Error       string     `json:"error,omitempty" db:"step_error"`
}

// HostResult summarises the outcome of one host in the sequential loop.
type HostResult struct {
	HostID           string   `json:"host_id"`
	HostName         string   `json:"host_name"`
	Updated          bool     `json:"updated"`
	Skipped          bool     `json:"skipped"`
	FailedStep       string   `json:"failed_step,omitempty"`
	Error            string   `json:"error,omitempty"`
	RecoveryAttempts int      `json:"recovery_attempts,omitempty"`
	VMsPoweredOn     []string `json:"vms_powered_on,omitempty"`
	VMsPowerOnFailed []string `json:"vms_power_on_failed,omitempty"`
	VCenterFallback  bool     `json:"vcenter_fallback_used,omitempty"`
}

// CleanupState tracks the mutations a job has made so they can be unwound
// on cancel or failure. Only the orchestrator goroutine mutates it.
type CleanupState struct {
	HostsInMaintenance []*TargetHost
	CurrentHost        *TargetHost
	FirmwareInProgress bool
	HADisabled         bool
	HASnapshot         *HASnapshot
	Cluster            string
	PoweredOffVMs      map[string][]string // host ID -> VM names we powered off
	Actions            []string            // cleanup actions performed, for the job record
}

// NewCleanupState returns an empty cleanup record.
func NewCleanupState() *CleanupState {
	return &CleanupState{PoweredOffVMs: make(map[string][]string)}
}

// TrackMaintenance records that this job placed host into maintenance.
func (c *CleanupState) TrackMaintenance(h *TargetHost) {
	for _, in := range c.HostsInMaintenance {
		if in.ID == h.ID {
			return
		}
	}
	c.HostsInMaintenance = append(c.HostsInMaintenance, h)
}

// UntrackMaintenance removes host from the in-maintenance list after a
// successful exit.
func (c *CleanupState) UntrackMaintenance(hostID string) {
	out := c.HostsInMaintenance[:0]
	for _, in := range c.HostsInMaintenance {
		if in.ID != hostID {
			out = append(out, in)
		}
	}
	c.HostsInMaintenance = out
}

// Record appends an action line to the cleanup audit trail.
func (c *CleanupState) Record(action string) {
	c.Actions = append(c.Actions, action)
}

// TrackPoweredOff records VMs this job powered off on a host.
func (c *CleanupState) TrackPoweredOff(hostID string, vms []string) {
	if len(vms) == 0 {
		return
	}
	c.PoweredOffVMs[hostID] = append(c.PoweredOffVMs[hostID], vms...)
}
