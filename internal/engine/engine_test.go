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

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reef/internal/bmc"
	"reef/internal/hypervisor"
	"reef/pkg/models"
)

// ---- fake job store ----

type fakeStore struct {
	mu    sync.Mutex
	job   *models.Job
	hosts []*models.TargetHost
	steps []models.WorkflowStep

	getJobCalls int
	onGetJob    func(n int, job *models.Job)
	statuses    []models.JobStatus
}

func newFakeStore(job *models.Job, hosts ...*models.TargetHost) *fakeStore {
	return &fakeStore{job: job, hosts: hosts}
}

func (s *fakeStore) FetchPending(ctx context.Context, now time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.Status == models.JobStatusPending {
		return []*models.Job{s.job}, nil
	}
	return nil, nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getJobCalls++
	if s.onGetJob != nil {
		s.onGetJob(s.getJobCalls, s.job)
	}
	cp := *s.job
	return &cp, nil
}

func (s *fakeStore) GetJobStatus(ctx context.Context, id string) (models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Status, nil
}

func (s *fakeStore) PatchStatus(ctx context.Context, id string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = status
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) MergeDetails(ctx context.Context, id string, patch models.Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.Details == nil {
		s.job.Details = models.Details{}
	}
	for k, v := range patch {
		s.job.Details[k] = v
	}
	return nil
}

func (s *fakeStore) UpsertStep(ctx context.Context, step models.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.steps {
		if st.StepNumber == step.StepNumber {
			s.steps[i] = step
			return nil
		}
	}
	s.steps = append(s.steps, step)
	return nil
}

func (s *fakeStore) ResolveTargets(ctx context.Context, scope models.TargetScope) ([]*models.TargetHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hosts, nil
}

func (s *fakeStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[models.JobStatus]int{s.job.Status: 1}, nil
}

func (s *fakeStore) stepByName(name string) *models.WorkflowStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.steps {
		if s.steps[i].Name == name {
			return &s.steps[i]
		}
	}
	return nil
}

func (s *fakeStore) status() models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Status
}

func (s *fakeStore) detail(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Details[key]
}

// ---- fake hypervisor ----

type fakeHyp struct {
	mu         sync.Mutex
	enterCalls []string
	exitCalls  []string
	poweredOff map[string][]string
	poweredOn  map[string][]string
	haDisables int
	haEnables  int

	analyzeFn func(host string) (*models.BlockerAnalysis, error)
	enterFn   func(host string) (*hypervisor.MaintenanceResult, error)
	exitFn    func(host string) error
	liveFn    func(host string) (*hypervisor.HostStatus, error)
	disableFn func(cluster string) (*hypervisor.HADisableResult, error)
	detectFn  func(candidates []string) (*hypervisor.ControlPlaneLocation, error)
}

func newFakeHyp() *fakeHyp {
	return &fakeHyp{
		poweredOff: make(map[string][]string),
		poweredOn:  make(map[string][]string),
	}
}

func (f *fakeHyp) AnalyzeMaintenanceBlockers(ctx context.Context, host string) (*models.BlockerAnalysis, error) {
	if f.analyzeFn != nil {
		return f.analyzeFn(host)
	}
	return &models.BlockerAnalysis{ScannedAt: time.Now().UTC()}, nil
}

func (f *fakeHyp) EnterMaintenance(ctx context.Context, host string, timeout time.Duration) (*hypervisor.MaintenanceResult, error) {
	f.mu.Lock()
	f.enterCalls = append(f.enterCalls, host)
	f.mu.Unlock()
	if f.enterFn != nil {
		return f.enterFn(host)
	}
	return &hypervisor.MaintenanceResult{Success: true, VMsEvacuated: 3}, nil
}

func (f *fakeHyp) ExitMaintenance(ctx context.Context, host string) error {
	f.mu.Lock()
	f.exitCalls = append(f.exitCalls, host)
	f.mu.Unlock()
	if f.exitFn != nil {
		return f.exitFn(host)
	}
	return nil
}

func (f *fakeHyp) WaitForConnected(ctx context.Context, host string, timeout time.Duration) error {
	return nil
}

func (f *fakeHyp) LiveHostStatus(ctx context.Context, host string) (*hypervisor.HostStatus, error) {
	if f.liveFn != nil {
		return f.liveFn(host)
	}
	return &hypervisor.HostStatus{Connected: true}, nil
}

func (f *fakeHyp) GetClusterHAStatus(ctx context.Context, cluster string) (*models.HAStatus, error) {
	return &models.HAStatus{Enabled: true}, nil
}

func (f *fakeHyp) DisableClusterHA(ctx context.Context, cluster string) (*hypervisor.HADisableResult, error) {
	f.mu.Lock()
	f.haDisables++
	f.mu.Unlock()
	if f.disableFn != nil {
		return f.disableFn(cluster)
	}
	return &hypervisor.HADisableResult{Success: true, WasEnabled: true, PriorHostMonitoring: true}, nil
}

func (f *fakeHyp) EnableClusterHA(ctx context.Context, cluster string, hostMonitoring, admissionControl bool) error {
	f.mu.Lock()
	f.haEnables++
	f.mu.Unlock()
	return nil
}

func (f *fakeHyp) PowerOffVMs(ctx context.Context, host string, vmNames []string, graceful bool) (*hypervisor.PowerOffResult, error) {
	f.mu.Lock()
	f.poweredOff[host] = append(f.poweredOff[host], vmNames...)
	f.mu.Unlock()
	return &hypervisor.PowerOffResult{Success: true, VMsPoweredOff: vmNames}, nil
}

func (f *fakeHyp) PowerOnVMs(ctx context.Context, host string, vmNames []string, timeout time.Duration) (*hypervisor.PowerOnResult, error) {
	f.mu.Lock()
	f.poweredOn[host] = append(f.poweredOn[host], vmNames...)
	f.mu.Unlock()
	return &hypervisor.PowerOnResult{Success: true, VMsPoweredOn: vmNames}, nil
}

func (f *fakeHyp) WaitForRebalance(ctx context.Context, cluster string, timeout, quietPeriod time.Duration) (*hypervisor.RebalanceResult, error) {
	return &hypervisor.RebalanceResult{Success: true, WaitedSeconds: 45}, nil
}

func (f *fakeHyp) DetectControlPlaneLocation(ctx context.Context, candidates []string) (*hypervisor.ControlPlaneLocation, error) {
	if f.detectFn != nil {
		return f.detectFn(candidates)
	}
	return &hypervisor.ControlPlaneLocation{}, nil
}

func (f *fakeHyp) RefreshSession(ctx context.Context) error { return nil }

// ---- fake BMC ----

type fakeBMC struct {
	host string

	mu           sync.Mutex
	sessions     int
	catalogCalls int
	activeCalls  int
	reboots      int
	queueClears  int
	staleClears  int
	scpExports   int

	createFn  func() error
	checkFn   func(call int) ([]models.AvailableUpdate, error)
	waitJobFn func() (*bmc.JobResult, error)
	activeFn  func(call int) (running, scheduled []bmc.JobEntry, err error)
	rebootFn  func() error
	listFn    func() ([]bmc.JobEntry, error)
}

func newFakeBMC(host string) *fakeBMC { return &fakeBMC{host: host} }

func (f *fakeBMC) Host() string { return f.host }

func (f *fakeBMC) CreateSession(ctx context.Context) error {
	f.mu.Lock()
	f.sessions++
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn()
	}
	return nil
}

func (f *fakeBMC) DeleteSession(ctx context.Context) error { return nil }

func (f *fakeBMC) FirmwareInventory(ctx context.Context) ([]models.FirmwareComponent, error) {
	return []models.FirmwareComponent{{Name: "BIOS", Version: "2.21.2"}}, nil
}

func (f *fakeBMC) CheckAvailableCatalogUpdates(ctx context.Context, catalogURL string) ([]models.AvailableUpdate, error) {
	f.mu.Lock()
	f.catalogCalls++
	n := f.catalogCalls
	f.mu.Unlock()
	if f.checkFn != nil {
		return f.checkFn(n)
	}
	// One update on the first check, nothing after the first pass.
	if n == 1 {
		return []models.AvailableUpdate{{Name: "BIOS", AvailableVersion: "2.22.1", CurrentVersion: "2.21.2", RebootRequired: true}}, nil
	}
	return nil, nil
}

func (f *fakeBMC) InitiateCatalogUpdate(ctx context.Context, catalogURL string) (string, error) {
	return "JID_001", nil
}

func (f *fakeBMC) InitiateSimpleUpdate(ctx context.Context, firmwareURI string, applyTime bmc.ApplyTime) (string, error) {
	return "/redfish/v1/TaskService/Tasks/1", nil
}

func (f *fakeBMC) WaitForTask(ctx context.Context, taskURI string, timeout, pollInterval time.Duration) (*bmc.TaskResult, error) {
	return &bmc.TaskResult{State: "Completed"}, nil
}

func (f *fakeBMC) WaitForJobWithRecovery(ctx context.Context, jobID string, timeout, pollInterval, stallTimeout time.Duration, maxStallRetries int, recovery bmc.RecoveryAction) (*bmc.JobResult, error) {
	if f.waitJobFn != nil {
		return f.waitJobFn()
	}
	return &bmc.JobResult{ID: jobID, State: "Completed", Message: "Job completed successfully."}, nil
}

func (f *fakeBMC) ClearStaleJobs(ctx context.Context, ageThreshold time.Duration) error {
	f.mu.Lock()
	f.staleClears++
	f.mu.Unlock()
	return nil
}

func (f *fakeBMC) ClearJobQueue(ctx context.Context) error {
	f.mu.Lock()
	f.queueClears++
	f.mu.Unlock()
	return nil
}

func (f *fakeBMC) ListJobs(ctx context.Context) ([]bmc.JobEntry, error) {
	if f.listFn != nil {
		return f.listFn()
	}
	return nil, nil
}

func (f *fakeBMC) ActiveFirmwareJobs(ctx context.Context) (running, scheduled []bmc.JobEntry, err error) {
	f.mu.Lock()
	f.activeCalls++
	n := f.activeCalls
	f.mu.Unlock()
	if f.activeFn != nil {
		return f.activeFn(n)
	}
	// One staged component job after the repository job, nothing later.
	if n == 1 {
		return nil, []bmc.JobEntry{{ID: "JID_002", Name: "Firmware Update: BIOS", JobState: "Scheduled"}}, nil
	}
	return nil, nil, nil
}

func (f *fakeBMC) WaitForAllJobsComplete(ctx context.Context, timeout, pollInterval time.Duration) error {
	return nil
}

func (f *fakeBMC) GracefulReboot(ctx context.Context) error {
	f.mu.Lock()
	f.reboots++
	f.mu.Unlock()
	if f.rebootFn != nil {
		return f.rebootFn()
	}
	return nil
}

func (f *fakeBMC) PowerOn(ctx context.Context) error { return nil }

func (f *fakeBMC) ExportSCP(ctx context.Context, target bmc.SCPTarget) ([]byte, error) {
	f.mu.Lock()
	f.scpExports++
	f.mu.Unlock()
	return []byte(`{"SystemConfiguration":{}}`), nil
}

// ---- fixtures ----

func testJob(details models.Details) *models.Job {
	if details == nil {
		details = models.Details{}
	}
	return &models.Job{
		ID:      "job-1",
		Kind:    models.JobKindRollingClusterUpdate,
		Status:  models.JobStatusRunning,
		Details: details,
		Target:  models.TargetScope{Cluster: "prod"},
	}
}

func testHost(n int) *models.TargetHost {
	return &models.TargetHost{
		ID:   fmt.Sprintf("host-%d", n),
		Name: fmt.Sprintf("host-%d", n),
		BMC:  models.BMCEndpoint{Address: fmt.Sprintf("10.0.0.%d", n), Username: "root", Password: "calvin"},
		Hypervisor: &models.HypervisorRef{
			HostName:     fmt.Sprintf("hv-%d", n),
			ManagementIP: fmt.Sprintf("192.0.2.%d", n),
			Cluster:      "prod",
		},
	}
}

type testRig struct {
	store *fakeStore
	hyp   *fakeHyp
	fleet map[string]*fakeBMC
	orch  *Orchestrator
}

func newTestRig(t *testing.T, details models.Details, hosts ...*models.TargetHost) *testRig {
	t.Helper()
	st := newFakeStore(testJob(details), hosts...)
	hyp := newFakeHyp()
	fleet := make(map[string]*fakeBMC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := NewOrchestrator(st, hyp, func(ep models.BMCEndpoint) BMC {
		b, ok := fleet[ep.Address]
		if !ok {
			b = newFakeBMC(ep.Address)
			fleet[ep.Address] = b
		}
		return b
	}, logger, st.job)

	orch.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	orch.dial = func(ctx context.Context, addr string, timeout time.Duration) bool { return true }
	orch.postSleep = 0
	orch.backupDir = t.TempDir()
	return &testRig{store: st, hyp: hyp, fleet: fleet, orch: orch}
}

func (r *testRig) bmc(n int) *fakeBMC {
	return r.fleet[fmt.Sprintf("10.0.0.%d", n)]
}

// redispatch mimics the poller picking the same job up again: a fresh
// orchestrator over the same store, hypervisor, and BMC fleet.
func (r *testRig) redispatch(t *testing.T) {
	t.Helper()
	r.store.job.Status = models.JobStatusRunning
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := NewOrchestrator(r.store, r.hyp, func(ep models.BMCEndpoint) BMC {
		b, ok := r.fleet[ep.Address]
		if !ok {
			b = newFakeBMC(ep.Address)
			r.fleet[ep.Address] = b
		}
		return b
	}, logger, r.store.job)

	orch.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	orch.dial = func(ctx context.Context, addr string, timeout time.Duration) bool { return true }
	orch.postSleep = 0
	orch.backupDir = r.orch.backupDir
	r.orch = orch
}

// ---- scenarios ----

func TestRunAllHostsCurrent(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1), testHost(2))
	for _, n := range []int{1, 2} {
		host := fmt.Sprintf("10.0.0.%d", n)
		rig.fleet[host] = newFakeBMC(host)
		rig.fleet[host].checkFn = func(int) ([]models.AvailableUpdate, error) { return nil, nil }
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	assert.Equal(t, true, rig.store.detail("no_updates_needed"))
	assert.Empty(t, rig.hyp.enterCalls, "no host should enter maintenance")
	assert.Zero(t, rig.hyp.haDisables, "HA must stay untouched on the early-exit path")
}

func TestRunHappyPathTwoHosts(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1), testHost(2))

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	assert.Equal(t, 2, rig.store.detail("hosts_updated"))
	assert.Equal(t, 0, rig.store.detail("hosts_failed"))

	assert.Equal(t, []string{"hv-1", "hv-2"}, rig.hyp.enterCalls)
	assert.Equal(t, []string{"hv-1", "hv-2"}, rig.hyp.exitCalls)
	assert.Equal(t, 1, rig.hyp.haDisables)
	assert.Equal(t, 1, rig.hyp.haEnables, "HA must be restored exactly once")

	for _, n := range []int{1, 2} {
		b := rig.bmc(n)
		require.NotNil(t, b)
		assert.Equal(t, 1, b.reboots, "host %d should reboot once", n)
		assert.Equal(t, 1, b.scpExports, "host %d should be backed up", n)
	}

	ha := rig.store.stepByName("Re-enable cluster HA")
	require.NotNil(t, ha)
	assert.Equal(t, models.StepCompleted, ha.Status)
}

func TestControlPlaneHostOrderedLast(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1), testHost(2), testHost(3))
	rig.hyp.detectFn = func([]string) (*hypervisor.ControlPlaneLocation, error) {
		return &hypervisor.ControlPlaneLocation{HostName: "hv-2", VMName: "vcenter-01"}, nil
	}
	rig.hyp.liveFn = func(host string) (*hypervisor.HostStatus, error) {
		return &hypervisor.HostStatus{Connected: true, InMaintenance: host == "hv-3"}, nil
	}

	require.NoError(t, rig.orch.resolveTargets(context.Background()))

	var order []string
	for _, h := range rig.orch.hosts {
		order = append(order, h.Name)
	}
	assert.Equal(t, []string{"host-3", "host-1", "host-2"}, order,
		"in-maintenance host first, control-plane host last")
}

func TestBlockerScanPausesForIntervention(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1))
	rig.hyp.analyzeFn = func(host string) (*models.BlockerAnalysis, error) {
		return &models.BlockerAnalysis{
			ScannedAt: time.Now().UTC(),
			Blockers: []models.MaintenanceBlocker{{
				VMName:   "db-prod-01",
				Reason:   models.BlockerPassthrough,
				Severity: models.SeverityCritical,
			}},
		}, nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusPaused, rig.store.status())
	assert.NotNil(t, rig.store.detail("maintenance_blockers"))
	assert.Equal(t, 1, rig.hyp.haEnables, "HA must be restored before pausing")
	assert.Empty(t, rig.hyp.enterCalls)

	step := rig.store.stepByName("Maintenance blocker scan")
	require.NotNil(t, step)
	assert.Equal(t, models.StepPaused, step.Status)
}

func TestAutoPowerOffResolvesBlocker(t *testing.T) {
	blocker := models.MaintenanceBlocker{
		VMName:         "gpu-worker-7",
		Reason:         models.BlockerVGPU,
		Severity:       models.SeverityCritical,
		AutoRemediable: true,
	}
	rig := newTestRig(t, models.Details{"auto_power_off_enabled": true}, testHost(1))
	rig.hyp.analyzeFn = func(string) (*models.BlockerAnalysis, error) {
		return &models.BlockerAnalysis{ScannedAt: time.Now().UTC(), Blockers: []models.MaintenanceBlocker{blocker}}, nil
	}
	attempts := 0
	rig.hyp.enterFn = func(string) (*hypervisor.MaintenanceResult, error) {
		attempts++
		if attempts == 1 {
			return &hypervisor.MaintenanceResult{MaintenanceBlockers: []models.MaintenanceBlocker{blocker}}, nil
		}
		return &hypervisor.MaintenanceResult{Success: true, VMsEvacuated: 2}, nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	assert.Equal(t, 2, attempts, "maintenance retried after the power-off")
	assert.Equal(t, []string{"gpu-worker-7"}, rig.hyp.poweredOff["hv-1"])
	assert.Equal(t, []string{"gpu-worker-7"}, rig.hyp.poweredOn["hv-1"], "powered-off VM restored after update")
}

func TestStallRecoveryCountSurfaces(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1))
	rig.fleet["10.0.0.1"] = newFakeBMC("10.0.0.1")
	rig.fleet["10.0.0.1"].waitJobFn = func() (*bmc.JobResult, error) {
		return &bmc.JobResult{ID: "JID_001", State: "Completed", Message: "Job completed successfully.", RecoveryAttempts: 1}, nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	require.Len(t, rig.orch.results, 1)
	assert.Equal(t, 1, rig.orch.results[0].RecoveryAttempts)
	assert.True(t, rig.orch.results[0].Updated)
}

func TestHardCancelDuringRebootWaitRunsCleanup(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1))
	b := newFakeBMC("10.0.0.1")
	rig.fleet["10.0.0.1"] = b
	b.rebootFn = func() error {
		// Operator cancels while the host is going down.
		_ = rig.store.PatchStatus(context.Background(), "job-1", models.JobStatusCancelled)
		return nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCancelled, rig.store.status())
	assert.Equal(t, []string{"hv-1"}, rig.hyp.exitCalls, "cancelled host must leave maintenance")
	assert.Equal(t, 1, rig.hyp.haEnables, "HA must be restored by cleanup")
	assert.Equal(t, 1, b.queueClears, "stale queue entries cleared on the cancelled host")

	cleanup, ok := rig.store.detail("cleanup_details").(models.Details)
	require.True(t, ok)
	actions, ok := cleanup["cleanup_actions"].([]string)
	require.True(t, ok)
	assert.Contains(t, actions, "exit_maintenance: host-1")
	assert.Contains(t, actions, "enable_cluster_ha")
	assert.Contains(t, actions, "clear_job_queue: host-1")

	step := rig.store.stepByName("Cleanup")
	require.NotNil(t, step)
	assert.Equal(t, models.StepCompleted, step.Status)
}

func TestGracefulCancelStopsAtHostBoundary(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1), testHost(2))
	rig.hyp.exitFn = func(host string) error {
		// Graceful cancel lands while host 1 wraps up.
		_ = rig.store.MergeDetails(context.Background(), "job-1", models.Details{"graceful_cancel": true})
		return nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCancelled, rig.store.status())
	assert.Equal(t, 2, rig.store.detail("stopped_before_host"))
	assert.Equal(t, 1, rig.store.detail("hosts_updated"), "host 1 finishes before the stop")
	assert.Equal(t, []string{"hv-1"}, rig.hyp.enterCalls, "host 2 never starts")
	assert.Equal(t, 1, rig.hyp.haEnables, "HA restored on the graceful path")
}

func TestHostFailurePausesWithoutContinueOnFailure(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1), testHost(2))
	rig.hyp.enterFn = func(host string) (*hypervisor.MaintenanceResult, error) {
		if host == "hv-1" {
			return nil, fmt.Errorf("vim fault: operation timed out")
		}
		return &hypervisor.MaintenanceResult{Success: true}, nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusPaused, rig.store.status())
	assert.Equal(t, "host-1", rig.store.detail("failed_host"))
	assert.Equal(t, "Enter maintenance", rig.store.detail("failed_step"))
	assert.Equal(t, 1, rig.hyp.haEnables, "HA restored before pausing")
	assert.Equal(t, []string{"hv-1"}, rig.hyp.enterCalls, "host 2 never attempted")
}

func TestHostFailureContinuesWhenConfigured(t *testing.T) {
	rig := newTestRig(t, models.Details{"continue_on_failure": true}, testHost(1), testHost(2))
	rig.hyp.enterFn = func(host string) (*hypervisor.MaintenanceResult, error) {
		if host == "hv-1" {
			return nil, fmt.Errorf("vim fault: operation timed out")
		}
		return &hypervisor.MaintenanceResult{Success: true}, nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	assert.Equal(t, 1, rig.store.detail("hosts_failed"))
	assert.Equal(t, 1, rig.store.detail("hosts_updated"))
	assert.Equal(t, []string{"hv-1", "hv-2"}, rig.hyp.enterCalls)
}

func TestPreflightProbeFailureFailsJob(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1), testHost(2))
	bad := newFakeBMC("10.0.0.2")
	bad.createFn = func() error { return fmt.Errorf("dial tcp: connection refused") }
	rig.fleet["10.0.0.2"] = bad

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusFailed, rig.store.status())
	assert.Zero(t, rig.hyp.haDisables, "no mutation before pre-flight passes")
	assert.Empty(t, rig.hyp.enterCalls)

	step := rig.store.stepByName("Pre-flight checks")
	require.NotNil(t, step)
	assert.Equal(t, models.StepFailed, step.Status)
}

func TestSkippedHostsExcludedFromRun(t *testing.T) {
	rig := newTestRig(t, models.Details{"skipped_hosts": []string{"host-2"}}, testHost(1), testHost(2))

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	assert.Equal(t, []string{"hv-1"}, rig.hyp.enterCalls)
	assert.Equal(t, 1, rig.store.detail("hosts_updated"))
}

func TestPausedRedispatchRepausesWithoutResolutions(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1))
	rig.fleet["10.0.0.1"] = newFakeBMC("10.0.0.1")
	rig.fleet["10.0.0.1"].checkFn = func(int) ([]models.AvailableUpdate, error) {
		return []models.AvailableUpdate{{Name: "BIOS", AvailableVersion: "2.20.0"}}, nil
	}
	rig.hyp.analyzeFn = func(host string) (*models.BlockerAnalysis, error) {
		return &models.BlockerAnalysis{
			ScannedAt: time.Now().UTC(),
			Blockers: []models.MaintenanceBlocker{{
				VMName:   "db-prod-01",
				Reason:   models.BlockerPassthrough,
				Severity: models.SeverityCritical,
			}},
		}, nil
	}

	require.NoError(t, rig.orch.Execute(context.Background()))
	require.Equal(t, models.JobStatusPaused, rig.store.status())

	// Re-dispatch with the blocker still unresolved: the job must pause
	// again without ever entering maintenance.
	rig.redispatch(t)
	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusPaused, rig.store.status())
	assert.Empty(t, rig.hyp.enterCalls, "no maintenance entry across either dispatch")
	assert.Equal(t, rig.hyp.haDisables, rig.hyp.haEnables, "every HA disable is matched by a restore")
}

func TestAllHostsCurrentRunsTwiceWithoutHAToggle(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1), testHost(2))
	for _, n := range []int{1, 2} {
		host := fmt.Sprintf("10.0.0.%d", n)
		b := newFakeBMC(host)
		b.checkFn = func(int) ([]models.AvailableUpdate, error) { return nil, nil }
		rig.fleet[host] = b
	}

	require.NoError(t, rig.orch.Execute(context.Background()))
	require.Equal(t, models.JobStatusCompleted, rig.store.status())

	rig.redispatch(t)
	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	assert.Zero(t, rig.hyp.haDisables)
	assert.Zero(t, rig.hyp.haEnables)
	assert.Empty(t, rig.hyp.enterCalls)
	for _, n := range []int{1, 2} {
		assert.Zero(t, rig.bmc(n).reboots)
	}
}

func TestWriteBackupKeepsPriorRunArtifacts(t *testing.T) {
	rig := newTestRig(t, nil, testHost(1))
	h := testHost(1)

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	rig.orch.now = func() time.Time { return base }
	first, err := rig.orch.writeBackup(h, []byte(`{"run":1}`))
	require.NoError(t, err)

	rig.orch.now = func() time.Time { return base.Add(time.Minute) }
	second, err := rig.orch.writeBackup(h, []byte(`{"run":2}`))
	require.NoError(t, err)

	require.NotEqual(t, first, second, "each run must produce its own artifact")
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, `{"run":1}`, string(data))
	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, `{"run":2}`, string(data))
}

func TestResumeFromHostSkipsEarlierHosts(t *testing.T) {
	rig := newTestRig(t, models.Details{"resume_from_host": "host-2"},
		testHost(1), testHost(2), testHost(3))

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusCompleted, rig.store.status())
	assert.Equal(t, 2, rig.store.detail("hosts_updated"))
	assert.Equal(t, 1, rig.store.detail("hosts_skipped"))
	assert.Equal(t, []string{"hv-2", "hv-3"}, rig.hyp.enterCalls)
	if b := rig.bmc(1); b != nil {
		assert.Zero(t, b.reboots, "resumed-past host must not be rebooted")
	}
}

func TestNoEligibleHostsFailsJob(t *testing.T) {
	rig := newTestRig(t, models.Details{"skipped_hosts": []string{"host-1"}}, testHost(1))

	require.NoError(t, rig.orch.Execute(context.Background()))

	assert.Equal(t, models.JobStatusFailed, rig.store.status())
	assert.Equal(t, "no eligible hosts", rig.store.detail("error"))
}

func TestPollerClaimsAndRunsJob(t *testing.T) {
	job := testJob(nil)
	job.Status = models.JobStatusPending
	st := newFakeStore(job, testHost(1))
	hyp := newFakeHyp()
	fleet := make(map[string]*fakeBMC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := NewPoller(st, hyp, func(ep models.BMCEndpoint) BMC {
		b, ok := fleet[ep.Address]
		if !ok {
			b = newFakeBMC(ep.Address)
			b.checkFn = func(int) ([]models.AvailableUpdate, error) { return nil, nil }
			fleet[ep.Address] = b
		}
		return b
	}, logger, time.Hour, t.TempDir())

	p.tick(context.Background())
	p.wg.Wait()

	assert.Equal(t, models.JobStatusCompleted, st.status())
	require.NotEmpty(t, st.statuses)
	assert.Equal(t, models.JobStatusRunning, st.statuses[0], "claim transitions pending to running first")
}
