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

	"reef/internal/metrics"
	"reef/pkg/models"
)

// runCleanup unwinds cluster-level state after a hard cancel. Order
// matters: hosts leave maintenance before HA comes back so the cluster
// manager does not immediately evacuate them again, and the job queue
// clear comes last because it only touches the cancelled host's BMC.
// Each action is best-effort; one failure never blocks the rest.
func (o *Orchestrator) runCleanup(ctx context.Context) error {
	step := o.rec.Begin(ctx, "Cleanup")
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseCleanup, o.now().Sub(phaseStart)) }()

	if o.cleanup.FirmwareInProgress && o.cleanup.CurrentHost != nil {
		h := o.cleanup.CurrentHost
		o.cleanup.Record("firmware update in progress on " + h.Name + "; flash not interrupted")
		o.logger.WarnContext(ctx, "cancelled with firmware update in flight; leaving flash to finish",
			"host", h.Name)
		if jobs, err := o.clientFor(h).ListJobs(ctx); err == nil {
			for _, j := range jobs {
				if j.Active() {
					o.cleanup.Record("in-flight BMC job " + j.ID + " (" + j.JobState + ")")
				}
			}
		}
	}

	for _, h := range append([]*models.TargetHost(nil), o.cleanup.HostsInMaintenance...) {
		if h.Hypervisor == nil {
			continue
		}
		if err := o.hyp.ExitMaintenance(ctx, h.Hypervisor.HostName); err != nil {
			o.logger.WarnContext(ctx, "cleanup: exit maintenance failed",
				"host", h.Name, "err", err.Error())
			o.cleanup.Record("exit_maintenance failed: " + h.Name)
			continue
		}
		o.cleanup.Record("exit_maintenance: " + h.Name)
		o.cleanup.UntrackMaintenance(h.ID)
	}

	o.restoreHA(ctx)

	if h := o.cleanup.CurrentHost; h != nil && !o.cleanup.FirmwareInProgress {
		if err := o.clientFor(h).ClearJobQueue(ctx); err != nil {
			o.logger.WarnContext(ctx, "cleanup: job queue clear failed",
				"host", h.Name, "err", err.Error())
			o.cleanup.Record("clear_job_queue failed: " + h.Name)
		} else {
			o.cleanup.Record("clear_job_queue: " + h.Name)
		}
	}

	details := models.Details{"cleanup_actions": o.cleanup.Actions}
	step.Complete(ctx, details)
	o.mergeDetails(ctx, models.Details{"cleanup_details": map[string]any{
		"cleanup_actions": o.cleanup.Actions,
	}})
	o.logger.InfoContext(ctx, "cleanup finished", "actions", len(o.cleanup.Actions))
	return errJobCancelled
}
