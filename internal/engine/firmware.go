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
	"strings"

	"reef/internal/bmc"
	"reef/internal/journal"
	"reef/internal/metrics"
	"reef/pkg/models"
)

// applyFirmware is steps (d) and (e): stage updates from the configured
// source and drive the reboots they need. Reports whether anything was
// actually installed.
func (o *Orchestrator) applyFirmware(ctx context.Context, h *models.TargetHost, client BMC, res *models.HostResult) (bool, error) {
	switch o.opts.FirmwareSource {
	case SourceLocalRepository:
		if o.opts.FirmwareURI == "" {
			return false, errors.New("local_repository source requires firmware_uri")
		}
		return o.applyCatalogPasses(ctx, h, client, res, o.opts.FirmwareURI, 1)
	case SourceManual:
		if o.opts.FirmwareURI == "" {
			return false, errors.New("manual source requires firmware_uri")
		}
		return o.applyManual(ctx, h, client, res)
	default:
		return o.applyCatalogPasses(ctx, h, client, res, o.opts.CatalogURL, o.opts.MaxCatalogPasses)
	}
}

// applyCatalogPasses runs repository-based update rounds against repoURL.
// Some components (iDRAC itself, staged BIOS chains) only surface their
// successors after the first round installs, so online catalog jobs get
// more than one pass. Each pass stages, reboots if anything was staged,
// and re-checks; the loop exits early when the BMC reports nothing left.
func (o *Orchestrator) applyCatalogPasses(ctx context.Context, h *models.TargetHost, client BMC, res *models.HostResult, repoURL string, maxPasses int) (bool, error) {
	updated := false

	for pass := 1; pass <= maxPasses; pass++ {
		name := fmt.Sprintf("Apply firmware: %s (pass %d/%d)", h.Name, pass, maxPasses)
		step := o.rec.Begin(ctx, name)
		phaseStart := o.now()

		passUpdated, err := o.runCatalogPass(ctx, h, client, res, repoURL, step)
		metrics.ObservePhase(metrics.PhaseApply, o.now().Sub(phaseStart))
		if err != nil {
			if errors.Is(err, errJobCancelled) {
				step.Skip(ctx, models.Details{"reason": "job cancelled"})
				return updated, err
			}
			res.FailedStep = name
			step.Fail(ctx, err, nil)
			return updated, err
		}
		if !passUpdated {
			step.Complete(ctx, models.Details{"updates_applied": false})
			break
		}
		updated = true
		step.Complete(ctx, models.Details{"updates_applied": true})

		if pass == maxPasses {
			break
		}
		remaining, cerr := client.CheckAvailableCatalogUpdates(ctx, repoURL)
		if cerr != nil {
			o.logger.WarnContext(ctx, "post-pass update check failed; assuming another pass needed",
				"host", h.Name, "err", cerr.Error())
			continue
		}
		if len(applicableUpdates(remaining, o.opts.ComponentFilter)) == 0 {
			break
		}
	}
	return updated, nil
}

// runCatalogPass stages one InstallFromRepository round and reboots the
// host if updates landed in the job queue.
func (o *Orchestrator) runCatalogPass(ctx context.Context, h *models.TargetHost, client BMC, res *models.HostResult, repoURL string, step *journal.Step) (bool, error) {
	if o.opts.ClearStaleJobsBeforeUpdate {
		if err := client.ClearStaleJobs(ctx, o.opts.StaleJobMaxAge); err != nil {
			o.logger.WarnContext(ctx, "stale job cleanup failed", "host", h.Name, "err", err.Error())
		}
	}

	// FirmwareInProgress guards the window where the install job itself
	// is running; the cleanup pass must not clear the queue under it.
	o.cleanup.FirmwareInProgress = true
	jobID, err := client.InitiateCatalogUpdate(ctx, repoURL)
	if err != nil {
		return false, err
	}
	step.Update(ctx, models.Details{"repo_job_id": jobID})

	jr, err := client.WaitForJobWithRecovery(ctx, jobID,
		defaultFirmwareJobTimeout, o.jobPollInterval,
		o.opts.StallTimeout, o.opts.MaxStallRetries, o.opts.StallRecoveryAction)
	if jr != nil {
		res.RecoveryAttempts += jr.RecoveryAttempts
	}
	if err != nil {
		return false, err
	}
	o.cleanup.FirmwareInProgress = false
	if bmc.ContainsNoApplicableUpdates(jr.Message) {
		return false, nil
	}

	// The repository job finished; individual component jobs may be
	// running (immediate) or parked waiting for a reboot (staged).
	running, scheduled, err := client.ActiveFirmwareJobs(ctx)
	if err != nil {
		return false, err
	}
	if len(running) > 0 {
		if err := client.WaitForAllJobsComplete(ctx, defaultFirmwareJobTimeout, o.jobPollInterval); err != nil {
			return false, err
		}
	}
	if len(scheduled) > 0 {
		step.Update(ctx, models.Details{"staged_jobs": jobNames(scheduled)})
		if err := o.rebootAndWait(ctx, h, client, res); err != nil {
			return false, err
		}
		if err := client.WaitForAllJobsComplete(ctx, defaultFirmwareJobTimeout, o.jobPollInterval); err != nil {
			return false, err
		}
	}
	return len(running)+len(scheduled) > 0, nil
}

// applyManual stages a single firmware image with SimpleUpdate and
// reboots to apply it.
func (o *Orchestrator) applyManual(ctx context.Context, h *models.TargetHost, client BMC, res *models.HostResult) (bool, error) {
	step := o.rec.Begin(ctx, "Apply firmware: "+h.Name)
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseApply, o.now().Sub(phaseStart)) }()

	o.cleanup.FirmwareInProgress = true
	taskURI, err := client.InitiateSimpleUpdate(ctx, o.opts.FirmwareURI, bmc.ApplyOnReset)
	if err != nil {
		step.Fail(ctx, err, nil)
		return false, err
	}
	step.Update(ctx, models.Details{"task_uri": taskURI, "firmware_uri": o.opts.FirmwareURI})

	// OnReset stages the image: the task parks until the host restarts,
	// so the reboot comes first and the wait happens on the far side.
	if err := o.rebootAndWait(ctx, h, client, res); err != nil {
		step.Fail(ctx, err, nil)
		return false, err
	}
	if err := client.WaitForAllJobsComplete(ctx, defaultFirmwareJobTimeout, o.jobPollInterval); err != nil {
		step.Fail(ctx, err, nil)
		return false, err
	}
	o.cleanup.FirmwareInProgress = false
	step.Complete(ctx, nil)
	return true, nil
}

// applicableUpdates filters a catalog answer through the component
// filter, dropping peer-inferred advisories.
func applicableUpdates(updates []models.AvailableUpdate, filter []string) []models.AvailableUpdate {
	out := make([]models.AvailableUpdate, 0, len(updates))
	for _, u := range updates {
		if u.Inferred {
			continue
		}
		if len(filter) > 0 && !matchesComponentFilter(filter, u.Name) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func matchesComponentFilter(filter []string, name string) bool {
	lower := strings.ToLower(name)
	for _, f := range filter {
		if strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

func jobNames(entries []bmc.JobEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.ID+" "+e.Name)
	}
	return names
}
