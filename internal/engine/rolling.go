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
	"errors"
	"fmt"

	"reef/internal/ctxkeys"
	"reef/internal/hypervisor"
	"reef/internal/metrics"
	"reef/pkg/models"
)

// updateHosts is Phase 5: the strictly sequential per-host loop with
// cancellation checkpoints at every host boundary.
func (o *Orchestrator) updateHosts(ctx context.Context) error {
	resuming := o.opts.ResumeFromHost != ""

	for i, h := range o.hosts {
		// (a) cancellation checkpoint.
		hard, graceful := o.checkCancellation(ctx)
		if hard {
			return o.runCleanup(ctx)
		}
		if graceful {
			o.stoppedBeforeHost = i + 1
			o.logger.InfoContext(ctx, "graceful cancel: stopping before next host", "next_host", h.Name)
			return nil
		}

		if resuming {
			if h.ID != o.opts.ResumeFromHost && h.Name != o.opts.ResumeFromHost {
				r := o.resultFor(h)
				r.Skipped = true
				continue
			}
			resuming = false
		}
		if o.opts.SkipsHost(h) {
			r := o.resultFor(h)
			r.Skipped = true
			continue
		}

		res := o.resultFor(h)
		err := o.updateHost(ctx, h, res)
		if errors.Is(err, errJobCancelled) {
			return o.runCleanup(ctx)
		}
		if err != nil {
			res.Error = err.Error()
			o.logger.ErrorContext(ctx, "host update failed",
				"host", h.Name, "step", res.FailedStep, "err", err.Error())
			if !o.opts.ContinueOnFailure {
				// Re-enable HA before pausing so the invariant holds even
				// if the operator never resumes.
				o.restoreHA(ctx)
				o.pauseJob(ctx, models.Details{
					"paused_reason": "host update failure requires operator intervention",
					"failed_host":   h.Name,
					"failed_step":   res.FailedStep,
					"error":         fmt.Sprintf("%s: %s", res.FailedStep, res.Error),
				})
				return errJobPaused
			}
		}
	}
	return nil
}

// updateHost runs steps (b) through (k) for one host.
func (o *Orchestrator) updateHost(ctx context.Context, h *models.TargetHost, res *models.HostResult) (err error) {
	ctx = ctxkeys.WithHost(ctx, h.Name)
	client := o.clientFor(h)
	o.cleanup.CurrentHost = h
	defer func() {
		// (k) release per-host cleanup handles. On a hard cancel the
		// cleanup pass still needs them.
		if errors.Is(err, errJobCancelled) {
			return
		}
		o.cleanup.CurrentHost = nil
		o.cleanup.FirmwareInProgress = false
	}()

	wasInMaintenance := false
	if h.Hypervisor != nil {
		if st, err := o.hyp.LiveHostStatus(ctx, h.Hypervisor.HostName); err == nil {
			wasInMaintenance = st.InMaintenance
		}
	}

	// (b) per-host pre-update check: reuse the pre-flight cache when
	// present, otherwise check fresh for catalog jobs.
	cred := o.creds[h.ID]
	if cred == nil {
		cred = &models.HostCredentials{Username: h.BMC.Username, Password: h.BMC.Password, NeedsUpdate: true}
		o.creds[h.ID] = cred
	}
	if len(cred.AvailableUpdates) == 0 && o.opts.FirmwareSource == SourceDellOnlineCatalog && !o.opts.CheckUpdatesInPreflight {
		if updates, err := client.CheckAvailableCatalogUpdates(ctx, o.opts.CatalogURL); err == nil {
			cred.AvailableUpdates = updates
			cred.NeedsUpdate = len(updates) > 0
		}
	}
	if !cred.NeedsUpdate {
		step := o.rec.Begin(ctx, "Update check: "+h.Name)
		step.Skip(ctx, models.Details{"reason": "no updates available"})
		res.Skipped = true
		// Restore capacity for hosts that were parked in maintenance.
		if wasInMaintenance && h.Hypervisor != nil {
			if err := o.exitMaintenance(ctx, h, res); err != nil {
				res.FailedStep = "Exit maintenance"
				return err
			}
		}
		return nil
	}

	// (c) enter maintenance.
	if h.Hypervisor != nil && !wasInMaintenance {
		if err := o.enterMaintenance(ctx, h, res); err != nil {
			res.FailedStep = "Enter maintenance"
			return err
		}
	} else if wasInMaintenance {
		// Already parked: treat it as ours to exit once done.
		o.cleanup.TrackMaintenance(h)
	}

	// (d)+(e) apply firmware; reboots are handled per source mode.
	updated, err := o.applyFirmware(ctx, h, client, res)
	if err != nil {
		if res.FailedStep == "" {
			res.FailedStep = "Apply firmware"
		}
		return err
	}
	res.Updated = updated

	// (f) verify: refresh inventory into the step record.
	if updated {
		step := o.rec.Begin(ctx, "Verify firmware: "+h.Name)
		phaseStart := o.now()
		inv, verr := client.FirmwareInventory(ctx)
		metrics.ObservePhase(metrics.PhaseVerify, o.now().Sub(phaseStart))
		if verr != nil {
			res.FailedStep = "Verify firmware"
			step.Fail(ctx, verr, nil)
			return verr
		}
		step.Complete(ctx, models.Details{"components": inv})
	}

	// (g) exit maintenance.
	if h.Hypervisor != nil {
		if err := o.exitMaintenance(ctx, h, res); err != nil {
			res.FailedStep = "Exit maintenance"
			return err
		}
	}

	// (h) power the job's powered-off VMs back on. Failures surface in
	// the result but never fail the host: the operator needs capacity
	// back regardless.
	o.powerOnTrackedVMs(ctx, h, res)

	// (i) rebalance wait.
	if o.job.Target.Cluster != "" && o.opts.RebalanceWaitEnabled && h.Hypervisor != nil {
		if err := o.rebalanceWait(ctx, h, res); err != nil {
			res.FailedStep = "Rebalance wait"
			return err
		}
	}

	// (j) refresh the hypervisor session for the next host.
	if h.Hypervisor != nil {
		if err := o.hyp.RefreshSession(ctx); err != nil {
			o.logger.WarnContext(ctx, "hypervisor session refresh failed", "err", err.Error())
		}
	}
	return nil
}

// enterMaintenance is step (c): pre-emptive power-offs, the maintenance
// request, and one auto-resolve retry on blocker failure.
func (o *Orchestrator) enterMaintenance(ctx context.Context, h *models.TargetHost, res *models.HostResult) error {
	step := o.rec.Begin(ctx, "Enter maintenance: "+h.Name)
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseMaintEnter, o.now().Sub(phaseStart)) }()
	hvHost := h.Hypervisor.HostName

	// Operator-designated and pattern-matched VMs go down first.
	preOff := resolutionFor(o.job.Details, h).PowerOffVMs
	if cred := o.creds[h.ID]; cred != nil && cred.Blockers != nil {
		for _, b := range cred.Blockers.Blockers {
			if matchesAnyPattern(o.opts.AutoPowerOffPatterns, b.VMName) && !containsString(preOff, b.VMName) {
				preOff = append(preOff, b.VMName)
			}
		}
	}
	if len(preOff) > 0 {
		if err := o.powerOffVMs(ctx, h, preOff); err != nil {
			step.Fail(ctx, err, models.Details{"power_off_vms": preOff})
			return err
		}
	}

	mres, err := o.hyp.EnterMaintenance(ctx, hvHost, o.opts.MaintenanceTimeout)
	if err == nil && mres.Success {
		o.cleanup.TrackMaintenance(h)
		step.Complete(ctx, models.Details{"vms_evacuated": mres.VMsEvacuated})
		return nil
	}

	blockers := collectBlockers(mres)
	if o.opts.AutoPowerOffEnabled && len(blockers) > 0 {
		targets := make([]string, 0, len(blockers))
		for _, b := range blockers {
			if o.autoPowerOffCovers(b) {
				targets = append(targets, b.VMName)
			}
		}
		if len(targets) > 0 {
			o.logger.InfoContext(ctx, "auto-resolving maintenance blockers",
				"host", h.Name, "strategy", o.opts.PowerOffStrategy, "vms", targets)
			if perr := o.powerOffVMs(ctx, h, targets); perr == nil {
				mres, err = o.hyp.EnterMaintenance(ctx, hvHost, o.opts.MaintenanceTimeout)
				if err == nil && mres.Success {
					o.cleanup.TrackMaintenance(h)
					step.Complete(ctx, models.Details{
						"vms_evacuated":     mres.VMsEvacuated,
						"auto_powered_off":  targets,
						"blockers_resolved": len(targets),
					})
					return nil
				}
				blockers = collectBlockers(mres)
			}
		}
	}

	if err == nil {
		err = fmt.Errorf("maintenance entry blocked by %d VM(s): %s",
			len(blockers), joinFirst(blockerNames(blockers), 3))
	}
	step.Fail(ctx, err, models.Details{"blockers": blockers})
	return err
}

func collectBlockers(mres *hypervisor.MaintenanceResult) []models.MaintenanceBlocker {
	if mres == nil {
		return nil
	}
	out := append([]models.MaintenanceBlocker{}, mres.MaintenanceBlockers...)
	return append(out, mres.EvacuationBlockers...)
}

func blockerNames(blockers []models.MaintenanceBlocker) []string {
	names := make([]string, 0, len(blockers))
	for _, b := range blockers {
		names = append(names, b.VMName)
	}
	return names
}

// powerOffVMs powers VMs off gracefully and tracks them for restore.
func (o *Orchestrator) powerOffVMs(ctx context.Context, h *models.TargetHost, vms []string) error {
	pres, err := o.hyp.PowerOffVMs(ctx, h.Hypervisor.HostName, vms, true)
	if err != nil {
		return fmt.Errorf("power off VMs on %s: %w", h.Name, err)
	}
	o.cleanup.TrackPoweredOff(h.ID, pres.VMsPoweredOff)
	if len(pres.VMsFailed) > 0 {
		return fmt.Errorf("power off failed for: %s", joinFirst(pres.VMsFailed, 3))
	}
	return nil
}

// exitMaintenance is step (g): wait until the cluster manager sees the
// host connected, then release it.
func (o *Orchestrator) exitMaintenance(ctx context.Context, h *models.TargetHost, res *models.HostResult) error {
	step := o.rec.Begin(ctx, "Exit maintenance: "+h.Name)
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseMaintExit, o.now().Sub(phaseStart)) }()
	hvHost := h.Hypervisor.HostName

	if err := o.hyp.WaitForConnected(ctx, hvHost, o.exitMaintWait); err != nil {
		step.Fail(ctx, err, nil)
		return fmt.Errorf("host %s not reconnected: %w", h.Name, err)
	}
	if err := o.hyp.ExitMaintenance(ctx, hvHost); err != nil {
		step.Fail(ctx, err, nil)
		return fmt.Errorf("exit maintenance on %s: %w", h.Name, err)
	}
	o.cleanup.UntrackMaintenance(h.ID)
	step.Complete(ctx, nil)
	return nil
}

// powerOnTrackedVMs is step (h).
func (o *Orchestrator) powerOnTrackedVMs(ctx context.Context, h *models.TargetHost, res *models.HostResult) {
	vms := o.cleanup.PoweredOffVMs[h.ID]
	if len(vms) == 0 || h.Hypervisor == nil {
		return
	}
	step := o.rec.Begin(ctx, "Power on VMs: "+h.Name)
	pres, err := o.hyp.PowerOnVMs(ctx, h.Hypervisor.HostName, vms, 5*defaultBMCProbeInterval)
	if err != nil {
		res.VMsPowerOnFailed = append(res.VMsPowerOnFailed, vms...)
		step.Warn(ctx, "power-on failed: "+err.Error(), models.Details{"vms": vms})
		return
	}
	res.VMsPoweredOn = append(res.VMsPoweredOn, pres.VMsPoweredOn...)
	res.VMsPoweredOn = append(res.VMsPoweredOn, pres.VMsAlreadyOn...)
	res.VMsPowerOnFailed = append(res.VMsPowerOnFailed, pres.VMsFailed...)
	delete(o.cleanup.PoweredOffVMs, h.ID)
	if len(pres.VMsFailed) > 0 {
		step.Warn(ctx, fmt.Sprintf("%d VM(s) failed to power on", len(pres.VMsFailed)),
			models.Details{"powered_on": pres.VMsPoweredOn, "failed": pres.VMsFailed})
		return
	}
	step.Complete(ctx, models.Details{"powered_on": pres.VMsPoweredOn})
}

// rebalanceWait is step (i): wait for a continuous quiet period with no
// VM migrations.
func (o *Orchestrator) rebalanceWait(ctx context.Context, h *models.TargetHost, res *models.HostResult) error {
	step := o.rec.Begin(ctx, "Rebalance wait: "+h.Name)
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseRebalance, o.now().Sub(phaseStart)) }()

	rres, err := o.hyp.WaitForRebalance(ctx, o.job.Target.Cluster,
		o.opts.RebalanceWaitTimeout, o.opts.RebalanceQuietPeriod)
	if err != nil {
		step.Fail(ctx, err, nil)
		return fmt.Errorf("rebalance wait after %s: %w", h.Name, err)
	}
	if !rres.Success {
		err := fmt.Errorf("cluster did not settle within %s (active: %s)",
			o.opts.RebalanceWaitTimeout, joinFirst(rres.ActiveMigrations, 3))
		step.Fail(ctx, err, models.Details{"waited_seconds": rres.WaitedSeconds})
		return err
	}
	step.Complete(ctx, models.Details{"waited_seconds": rres.WaitedSeconds})
	return nil
}
