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

// Package engine contains the rolling cluster update orchestrator: the
// job poller, the phased workflow state machine, and the pre-flight,
// backup, blocker-scan, and cleanup helpers it drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"reef/internal/bmc"
	"reef/internal/ctxkeys"
	"reef/internal/hypervisor"
	"reef/internal/journal"
	"reef/internal/metrics"
	"reef/pkg/models"
)

// JobStore is the slice of the store the orchestrator consumes.
type JobStore interface {
	FetchPending(ctx context.Context, now time.Time) ([]*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetJobStatus(ctx context.Context, id string) (models.JobStatus, error)
	PatchStatus(ctx context.Context, id string, status models.JobStatus) error
	MergeDetails(ctx context.Context, id string, patch models.Details) error
	UpsertStep(ctx context.Context, step models.WorkflowStep) error
	ResolveTargets(ctx context.Context, scope models.TargetScope) ([]*models.TargetHost, error)
}

// BMC is the per-host adapter surface the orchestrator uses.
// *bmc.Client satisfies it.
type BMC interface {
	Host() string
	CreateSession(ctx context.Context) error
	DeleteSession(ctx context.Context) error
	FirmwareInventory(ctx context.Context) ([]models.FirmwareComponent, error)
	CheckAvailableCatalogUpdates(ctx context.Context, catalogURL string) ([]models.AvailableUpdate, error)
	InitiateCatalogUpdate(ctx context.Context, catalogURL string) (string, error)
	InitiateSimpleUpdate(ctx context.Context, firmwareURI string, applyTime bmc.ApplyTime) (string, error)
	WaitForTask(ctx context.Context, taskURI string, timeout, pollInterval time.Duration) (*bmc.TaskResult, error)
	WaitForJobWithRecovery(ctx context.Context, jobID string, timeout, pollInterval, stallTimeout time.Duration, maxStallRetries int, recovery bmc.RecoveryAction) (*bmc.JobResult, error)
	ClearStaleJobs(ctx context.Context, ageThreshold time.Duration) error
	ClearJobQueue(ctx context.Context) error
	ListJobs(ctx context.Context) ([]bmc.JobEntry, error)
	ActiveFirmwareJobs(ctx context.Context) (running, scheduled []bmc.JobEntry, err error)
	WaitForAllJobsComplete(ctx context.Context, timeout, pollInterval time.Duration) error
	GracefulReboot(ctx context.Context) error
	PowerOn(ctx context.Context) error
	ExportSCP(ctx context.Context, target bmc.SCPTarget) ([]byte, error)
}

var _ BMC = (*bmc.Client)(nil)

// Default timing knobs. Overridable on the Orchestrator for tests.
const (
	defaultPOSTSleep          = 180 * time.Second
	defaultBMCProbeInterval   = 10 * time.Second
	defaultRebootWaitCeiling  = 30 * time.Minute
	defaultHypProbeTimeoutMin = 5 * time.Second
	defaultHypProbeTimeoutMax = 10 * time.Second
	defaultVCFallbackAfter    = 10 * time.Minute
	defaultExitMaintWait      = 5 * time.Minute
	defaultFirmwareJobTimeout = 45 * time.Minute
	defaultJobPollInterval    = 10 * time.Second
	blockerCacheTTL           = 24 * time.Hour
)

// Flow-control sentinels inside one job run. The phase that raises one
// has already written the corresponding job status.
var (
	errJobCancelled = errors.New("job cancelled")
	errJobPaused    = errors.New("job paused")
)

// Orchestrator executes one rolling cluster update job. It is built per
// job and runs on a single goroutine; only the fan-out helpers
// (backups, pre-flight probes) spawn bounded workers.
type Orchestrator struct {
	store  JobStore
	hyp    hypervisor.Client
	newBMC func(models.BMCEndpoint) BMC
	logger *slog.Logger

	job     *models.Job
	opts    Options
	rec     *journal.Recorder
	cleanup *models.CleanupState

	hosts   []*models.TargetHost
	creds   map[string]*models.HostCredentials
	clients map[string]BMC
	results []*models.HostResult

	gracefulCancelSeen bool
	stoppedBeforeHost  int
	backupDir          string

	// Fakeable timing/IO knobs.
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	dial      func(ctx context.Context, addr string, timeout time.Duration) (ok bool)
	postSleep time.Duration

	bmcProbeInterval  time.Duration
	rebootWaitCeiling time.Duration
	vcFallbackAfter   time.Duration
	exitMaintWait     time.Duration
	jobPollInterval   time.Duration
}

// NewOrchestrator builds the runner for one job.
func NewOrchestrator(store JobStore, hyp hypervisor.Client, newBMC func(models.BMCEndpoint) BMC, logger *slog.Logger, job *models.Job) *Orchestrator {
	return &Orchestrator{
		store:   store,
		hyp:     hyp,
		newBMC:  newBMC,
		logger:  logger,
		job:     job,
		opts:    ParseOptions(job.Details),
		rec:     journal.NewRecorder(store, job.ID, logger),
		cleanup: models.NewCleanupState(),
		creds:   make(map[string]*models.HostCredentials),
		clients: make(map[string]BMC),

		now:   func() time.Time { return time.Now().UTC() },
		sleep: sleepContext,
		dial: func(ctx context.Context, addr string, timeout time.Duration) bool {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return false
			}
			_ = conn.Close()
			return true
		},
		postSleep:         defaultPOSTSleep,
		bmcProbeInterval:  defaultBMCProbeInterval,
		rebootWaitCeiling: defaultRebootWaitCeiling,
		vcFallbackAfter:   defaultVCFallbackAfter,
		exitMaintWait:     defaultExitMaintWait,
		jobPollInterval:   defaultJobPollInterval,
	}
}

// Execute runs the job to a terminal (or paused) status. The returned
// error is only for unexpected store failures; workflow failures end in
// a terminal job status and a nil return.
func (o *Orchestrator) Execute(ctx context.Context) error {
	ctx = ctxkeys.WithJobID(ctx, o.job.ID)
	start := o.now()
	o.logger.InfoContext(ctx, "job started", "kind", string(o.job.Kind), "target", o.job.Target.Kind())

	err := o.run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errJobCancelled), errors.Is(err, errJobPaused):
		// Status already written by the raising phase.
		err = nil
	default:
		// Unexpected failure path: restore HA if we still owe it, then fail.
		o.restoreHA(ctx)
		ferr := o.failJob(ctx, err.Error())
		if ferr != nil {
			return ferr
		}
	}
	o.logger.InfoContext(ctx, "job finished", "elapsed", o.now().Sub(start))
	return err
}

func (o *Orchestrator) run(ctx context.Context) error {
	// P0 + P0.5: resolve and order the target set.
	if err := o.resolveTargets(ctx); err != nil {
		return err
	}

	// P1: pre-flight. May end the job early with "all hosts current".
	done, err := o.preflight(ctx)
	if err != nil || done {
		return err
	}

	// P2: HA disable (cluster targets only).
	if err := o.disableHA(ctx); err != nil {
		return err
	}

	// P3: comprehensive blocker scan; may pause the job.
	if err := o.blockerScan(ctx); err != nil {
		o.restoreHA(ctx)
		return err
	}

	// P4: SCP backups.
	if o.opts.BackupSCP {
		o.backupSCP(ctx)
	}

	// P5: sequential per-host loop.
	if err := o.updateHosts(ctx); err != nil {
		return err
	}

	// P6: HA re-enable on the normal path.
	o.restoreHA(ctx)

	// P7: terminal status.
	return o.finishJob(ctx)
}

// resolveTargets materialises and orders the host list (P0/P0.5).
func (o *Orchestrator) resolveTargets(ctx context.Context) error {
	step := o.rec.Begin(ctx, "Resolve targets")
	hosts, err := o.store.ResolveTargets(ctx, o.job.Target)
	if err != nil {
		step.Fail(ctx, err, nil)
		return fmt.Errorf("resolve targets: %w", err)
	}

	eligible := make([]*models.TargetHost, 0, len(hosts))
	skipped := make([]string, 0)
	for _, h := range hosts {
		if o.opts.SkipsHost(h) || resolutionFor(o.job.Details, h).SkipHost {
			skipped = append(skipped, h.Name)
			continue
		}
		eligible = append(eligible, h)
	}
	if len(eligible) == 0 {
		err := errors.New("no eligible hosts")
		step.Fail(ctx, err, models.Details{"skipped_hosts": skipped})
		_ = o.failJob(ctx, err.Error())
		return errJobCancelled
	}

	o.hosts = o.orderHosts(ctx, eligible)
	o.cleanup.Cluster = o.job.Target.Cluster

	names := make([]string, len(o.hosts))
	for i, h := range o.hosts {
		names[i] = h.Name
	}
	step.Complete(ctx, models.Details{
		"host_order":    names,
		"host_count":    len(o.hosts),
		"skipped_hosts": skipped,
	})
	return nil
}

// orderHosts applies the P0.5 rules: hosts already in maintenance move
// to the front, and the host carrying the hypervisor control-plane VM
// goes last regardless of anything else.
func (o *Orchestrator) orderHosts(ctx context.Context, hosts []*models.TargetHost) []*models.TargetHost {
	candidates := make([]string, 0, len(hosts))
	byHV := make(map[string]*models.TargetHost)
	for _, h := range hosts {
		if h.Hypervisor != nil {
			candidates = append(candidates, h.Hypervisor.HostName)
			byHV[h.Hypervisor.HostName] = h
		}
	}

	var controlPlane *models.TargetHost
	if len(candidates) > 0 {
		loc, err := o.hyp.DetectControlPlaneLocation(ctx, candidates)
		if err != nil {
			o.logger.WarnContext(ctx, "control-plane detection failed", "err", err.Error())
		} else if loc != nil && loc.HostName != "" {
			controlPlane = byHV[loc.HostName]
			if controlPlane != nil {
				o.logger.InfoContext(ctx, "control-plane host scheduled last",
					"host", controlPlane.Name, "vm", loc.VMName)
			}
		}
	}

	inMaint := make([]*models.TargetHost, 0)
	rest := make([]*models.TargetHost, 0, len(hosts))
	for _, h := range hosts {
		if controlPlane != nil && h.ID == controlPlane.ID {
			continue
		}
		if h.Hypervisor != nil {
			if st, err := o.hyp.LiveHostStatus(ctx, h.Hypervisor.HostName); err == nil && st.InMaintenance {
				inMaint = append(inMaint, h)
				continue
			}
		}
		rest = append(rest, h)
	}

	ordered := append(inMaint, rest...)
	if controlPlane != nil {
		ordered = append(ordered, controlPlane)
	}
	return ordered
}

// disableHA snapshots and disables cluster HA (P2). A fault-tolerant VM
// blocking the disable is a warning, not a failure: the update proceeds
// with HA enabled.
func (o *Orchestrator) disableHA(ctx context.Context) error {
	cluster := o.job.Target.Cluster
	if cluster == "" {
		return nil
	}
	step := o.rec.Begin(ctx, "Disable cluster HA")
	phaseStart := o.now()
	res, err := o.hyp.DisableClusterHA(ctx, cluster)
	metrics.ObservePhase(metrics.PhaseHADisable, o.now().Sub(phaseStart))
	if err != nil {
		step.Fail(ctx, err, nil)
		_ = o.failJob(ctx, fmt.Sprintf("disable HA on cluster %s: %v", cluster, err))
		return errJobCancelled
	}
	if !res.Success {
		msg := "HA disable blocked"
		if res.FTVM != "" {
			msg = fmt.Sprintf("HA disable blocked by fault-tolerant VM %s; proceeding with HA enabled", res.FTVM)
		}
		o.logger.WarnContext(ctx, "ha disable blocked", "cluster", cluster, "ft_vm", res.FTVM)
		step.Warn(ctx, msg, models.Details{"ft_vm": res.FTVM})
		return nil
	}
	o.cleanup.HADisabled = res.WasEnabled
	o.cleanup.HASnapshot = &models.HASnapshot{
		WasEnabled:       res.WasEnabled,
		HostMonitoring:   res.PriorHostMonitoring,
		AdmissionControl: res.PriorAdmissionControl,
	}
	step.Complete(ctx, models.Details{
		"was_enabled":       res.WasEnabled,
		"host_monitoring":   res.PriorHostMonitoring,
		"admission_control": res.PriorAdmissionControl,
	})
	return nil
}

// restoreHA re-enables HA if this job disabled it. Attempted on every
// exit path; idempotent: the first attempt clears the flag so cleanup
// and the normal path do not double-toggle. Failure never changes the
// job's terminal status, but it is the loudest non-terminal alarm.
func (o *Orchestrator) restoreHA(ctx context.Context) {
	if !o.cleanup.HADisabled || o.cleanup.HASnapshot == nil {
		return
	}
	snap := o.cleanup.HASnapshot
	o.cleanup.HADisabled = false

	step := o.rec.Begin(ctx, "Re-enable cluster HA")
	phaseStart := o.now()
	err := o.hyp.EnableClusterHA(ctx, o.cleanup.Cluster, snap.HostMonitoring, snap.AdmissionControl)
	metrics.ObservePhase(metrics.PhaseHAEnable, o.now().Sub(phaseStart))
	if err != nil {
		o.logger.ErrorContext(ctx, "HA restore failed", "cluster", o.cleanup.Cluster, "err", err.Error())
		step.Fail(ctx, err, models.Details{"ha_restore_failed": true})
		o.mergeDetails(ctx, models.Details{"ha_restore_failed": true})
		return
	}
	o.cleanup.Actions = append(o.cleanup.Actions, "enable_cluster_ha")
	step.Complete(ctx, models.Details{
		"host_monitoring":   snap.HostMonitoring,
		"admission_control": snap.AdmissionControl,
	})
}

// checkCancellation is the polled cancellation checkpoint. It reads the
// authoritative job record: a cancelled status is a hard cancel, the
// graceful_cancel details flag defers to the next host boundary.
func (o *Orchestrator) checkCancellation(ctx context.Context) (hard, graceful bool) {
	job, err := o.store.GetJob(ctx, o.job.ID)
	if err != nil {
		o.logger.WarnContext(ctx, "cancellation check failed", "err", err.Error())
		return false, o.gracefulCancelSeen
	}
	if job.Status == models.JobStatusCancelled {
		return true, false
	}
	if job.Details.Bool("graceful_cancel", false) {
		if !o.gracefulCancelSeen {
			o.gracefulCancelSeen = true
			o.logger.InfoContext(ctx, "graceful cancel requested; finishing current host")
		}
		return false, true
	}
	return false, false
}

// finishJob writes the P7 terminal status from the accumulated host
// results.
func (o *Orchestrator) finishJob(ctx context.Context) error {
	updated, failed, skipped := 0, 0, 0
	failedHosts := make([]string, 0)
	powerOnFailed := make([]string, 0)
	for _, r := range o.results {
		switch {
		case r.Error != "":
			failed++
			failedHosts = append(failedHosts, r.HostName)
		case r.Skipped:
			skipped++
		case r.Updated:
			updated++
		}
		powerOnFailed = append(powerOnFailed, r.VMsPowerOnFailed...)
	}

	summary := models.Details{
		"hosts_updated":       updated,
		"hosts_failed":        failed,
		"hosts_skipped":       skipped,
		"host_results":        o.results,
		"vms_power_on_failed": powerOnFailed,
	}
	if o.gracefulCancelSeen {
		summary["graceful_cancel"] = true
		summary["stopped_before_host"] = o.stoppedBeforeHost
		o.mergeDetails(ctx, summary)
		if err := o.store.PatchStatus(ctx, o.job.ID, models.JobStatusCancelled); err != nil {
			return fmt.Errorf("patch status: %w", err)
		}
		return nil
	}

	status := models.JobStatusCompleted
	if failed > 0 && !o.opts.ContinueOnFailure {
		status = models.JobStatusFailed
		summary["error"] = fmt.Sprintf("update failed on: %s", joinFirst(failedHosts, 5))
	}
	o.mergeDetails(ctx, summary)
	if err := o.store.PatchStatus(ctx, o.job.ID, status); err != nil {
		return fmt.Errorf("patch status: %w", err)
	}
	o.logger.InfoContext(ctx, "job terminal", "status", status.String(),
		"updated", updated, "failed", failed, "skipped", skipped)
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, msg string) error {
	o.mergeDetails(ctx, models.Details{"error": msg})
	if err := o.store.PatchStatus(ctx, o.job.ID, models.JobStatusFailed); err != nil {
		return fmt.Errorf("patch status: %w", err)
	}
	o.logger.ErrorContext(ctx, "job failed", "err", msg)
	return nil
}

// pauseJob writes a paused status with the intervention context.
func (o *Orchestrator) pauseJob(ctx context.Context, patch models.Details) {
	o.mergeDetails(ctx, patch)
	if err := o.store.PatchStatus(ctx, o.job.ID, models.JobStatusPaused); err != nil {
		o.logger.ErrorContext(ctx, "pause status write failed", "err", err.Error())
	}
}

// mergeDetails patches the job's details, logging rather than failing
// on store errors. Values are sanitised the same way journal details are.
func (o *Orchestrator) mergeDetails(ctx context.Context, patch models.Details) {
	if err := o.store.MergeDetails(ctx, o.job.ID, journal.Sanitize(patch)); err != nil {
		o.logger.ErrorContext(ctx, "details merge failed", "err", err.Error())
	}
}

func (o *Orchestrator) clientFor(h *models.TargetHost) BMC {
	if c, ok := o.clients[h.ID]; ok {
		return c
	}
	c := o.newBMC(h.BMC)
	o.clients[h.ID] = c
	return c
}

func (o *Orchestrator) resultFor(h *models.TargetHost) *models.HostResult {
	for _, r := range o.results {
		if r.HostID == h.ID {
			return r
		}
	}
	r := &models.HostResult{HostID: h.ID, HostName: h.Name}
	o.results = append(o.results, r)
	return r
}

func joinFirst(items []string, n int) string {
	if len(items) > n {
		items = items[:n]
	}
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
