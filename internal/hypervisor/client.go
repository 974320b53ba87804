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

// Package hypervisor defines the cluster-manager interface the engine
// uses for maintenance transitions, HA toggles, and VM power
// operations. It ships a no-op implementation that logs intended
// operations and returns success, so the engine runs end-to-end without
// a cluster manager attached.
package hypervisor

import (
	"context"
	"log/slog"
	"time"

	"reef/pkg/models"
)

// MaintenanceResult is the outcome of an enter-maintenance attempt. On
// failure the structured blocker lists let the orchestrator resolve,
// pause, or skip rather than guessing from an error string.
type MaintenanceResult struct {
	Success              bool
	VMsEvacuated         int
	MaintenanceBlockers  []models.MaintenanceBlocker
	EvacuationBlockers   []models.MaintenanceBlocker
	StallDurationSeconds int
}

// HostStatus is a live connection-state snapshot for one host.
type HostStatus struct {
	Connected     bool
	InMaintenance bool
}

// HADisableResult reports an HA disable and the prior configuration to
// restore afterwards.
type HADisableResult struct {
	Success               bool
	WasEnabled            bool
	PriorHostMonitoring   bool
	PriorAdmissionControl bool
	FTVM                  string
}

// PowerOffResult lists which VMs a power-off touched.
type PowerOffResult struct {
	Success       bool
	VMsPoweredOff []string
	VMsFailed     []string
}

// PowerOnResult lists which VMs a power-on restored.
type PowerOnResult struct {
	Success       bool
	VMsPoweredOn  []string
	VMsAlreadyOn  []string
	VMsFailed     []string
}

// RebalanceResult reports the quiet-period observation outcome.
type RebalanceResult struct {
	Success          bool
	WaitedSeconds    int
	ActiveMigrations []string
}

// ControlPlaneLocation identifies which host currently runs the cluster
// manager's own management VM.
type ControlPlaneLocation struct {
	HostName string
	VMName   string
}

// Client is the cluster-manager surface the orchestrator consumes.
type Client interface {
	// AnalyzeMaintenanceBlockers inspects a host's VMs without mutating
	// anything and reports which would prevent maintenance entry.
	AnalyzeMaintenanceBlockers(ctx context.Context, host string) (*models.BlockerAnalysis, error)

	// EnterMaintenance evacuates a host. On failure the result carries
	// the structured blocker lists.
	EnterMaintenance(ctx context.Context, host string, timeout time.Duration) (*MaintenanceResult, error)
	ExitMaintenance(ctx context.Context, host string) error
	WaitForConnected(ctx context.Context, host string, timeout time.Duration) error
	LiveHostStatus(ctx context.Context, host string) (*HostStatus, error)

	GetClusterHAStatus(ctx context.Context, cluster string) (*models.HAStatus, error)
	// DisableClusterHA fails gracefully when a fault-tolerant VM blocks
	// the disable, reporting the offending VM in the result.
	DisableClusterHA(ctx context.Context, cluster string) (*HADisableResult, error)
	EnableClusterHA(ctx context.Context, cluster string, hostMonitoring, admissionControl bool) error

	PowerOffVMs(ctx context.Context, host string, vmNames []string, graceful bool) (*PowerOffResult, error)
	PowerOnVMs(ctx context.Context, host string, vmNames []string, timeout time.Duration) (*PowerOnResult, error)
	WaitForRebalance(ctx context.Context, cluster string, timeout, quietPeriod time.Duration) (*RebalanceResult, error)

	DetectControlPlaneLocation(ctx context.Context, candidateHosts []string) (*ControlPlaneLocation, error)

	// RefreshSession re-authenticates a long-lived management session.
	// Called before late-phase operations in long jobs.
	RefreshSession(ctx context.Context) error
}

// NoopClient logs intended operations and returns success. It performs
// no network I/O.
type NoopClient struct {
	logger *slog.Logger
	delay  time.Duration // optional artificial per-operation latency
}

var _ Client = (*NoopClient)(nil)

// NewNoopClient constructs the stub. Set delay to introduce artificial
// per-operation latency (e.g. for tests).
func NewNoopClient(logger *slog.Logger, delay time.Duration) *NoopClient {
	return &NoopClient{logger: logger, delay: delay}
}

func (c *NoopClient) log(ctx context.Context, msg string, args ...any) {
	if c.logger != nil {
		c.logger.InfoContext(ctx, "[hypervisor-noop] "+msg, args...)
	}
}

func (c *NoopClient) sleepOrContext(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *NoopClient) AnalyzeMaintenanceBlockers(ctx context.Context, host string) (*models.BlockerAnalysis, error) {
	c.log(ctx, "AnalyzeMaintenanceBlockers", "host", host)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &models.BlockerAnalysis{ScannedAt: time.Now().UTC()}, nil
}

func (c *NoopClient) EnterMaintenance(ctx context.Context, host string, timeout time.Duration) (*MaintenanceResult, error) {
	c.log(ctx, "EnterMaintenance", "host", host, "timeout", timeout)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &MaintenanceResult{Success: true}, nil
}

func (c *NoopClient) ExitMaintenance(ctx context.Context, host string) error {
	c.log(ctx, "ExitMaintenance", "host", host)
	return c.sleepOrContext(ctx)
}

func (c *NoopClient) WaitForConnected(ctx context.Context, host string, timeout time.Duration) error {
	c.log(ctx, "WaitForConnected", "host", host, "timeout", timeout)
	return c.sleepOrContext(ctx)
}

func (c *NoopClient) LiveHostStatus(ctx context.Context, host string) (*HostStatus, error) {
	c.log(ctx, "LiveHostStatus", "host", host)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &HostStatus{Connected: true}, nil
}

func (c *NoopClient) GetClusterHAStatus(ctx context.Context, cluster string) (*models.HAStatus, error) {
	c.log(ctx, "GetClusterHAStatus", "cluster", cluster)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &models.HAStatus{Enabled: false}, nil
}

func (c *NoopClient) DisableClusterHA(ctx context.Context, cluster string) (*HADisableResult, error) {
	c.log(ctx, "DisableClusterHA", "cluster", cluster)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &HADisableResult{Success: true, WasEnabled: false}, nil
}

func (c *NoopClient) EnableClusterHA(ctx context.Context, cluster string, hostMonitoring, admissionControl bool) error {
	c.log(ctx, "EnableClusterHA", "cluster", cluster, "host_monitoring", hostMonitoring, "admission_control", admissionControl)
	return c.sleepOrContext(ctx)
}

func (c *NoopClient) PowerOffVMs(ctx context.Context, host string, vmNames []string, graceful bool) (*PowerOffResult, error) {
	c.log(ctx, "PowerOffVMs", "host", host, "vms", vmNames, "graceful", graceful)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &PowerOffResult{Success: true, VMsPoweredOff: vmNames}, nil
}

func (c *NoopClient) PowerOnVMs(ctx context.Context, host string, vmNames []string, timeout time.Duration) (*PowerOnResult, error) {
	c.log(ctx, "PowerOnVMs", "host", host, "vms", vmNames, "timeout", timeout)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &PowerOnResult{Success: true, VMsPoweredOn: vmNames}, nil
}

func (c *NoopClient) WaitForRebalance(ctx context.Context, cluster string, timeout, quietPeriod time.Duration) (*RebalanceResult, error) {
	c.log(ctx, "WaitForRebalance", "cluster", cluster, "timeout", timeout, "quiet_period", quietPeriod)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &RebalanceResult{Success: true}, nil
}

func (c *NoopClient) DetectControlPlaneLocation(ctx context.Context, candidateHosts []string) (*ControlPlaneLocation, error) {
	c.log(ctx, "DetectControlPlaneLocation", "candidates", candidateHosts)
	if err := c.sleepOrContext(ctx); err != nil {
		return nil, err
	}
	return &ControlPlaneLocation{}, nil
}

func (c *NoopClient) RefreshSession(ctx context.Context) error {
	c.log(ctx, "RefreshSession")
	return c.sleepOrContext(ctx)
}
