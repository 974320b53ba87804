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
	"path"

	"reef/internal/metrics"
	"reef/pkg/models"
)

// blockerScan is Phase 3: after HA disable (the point of no return),
// query live blockers for every host, apply pre-supplied resolutions,
// and either auto-skip (scheduled jobs) or pause for the operator.
func (o *Orchestrator) blockerScan(ctx context.Context) error {
	withHV := 0
	for _, h := range o.hosts {
		if h.Hypervisor != nil {
			withHV++
		}
	}
	if withHV == 0 {
		return nil
	}

	step := o.rec.Begin(ctx, "Maintenance blocker scan")
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseBlockerScan, o.now().Sub(phaseStart)) }()

	if hard, _ := o.checkCancellation(ctx); hard {
		step.Skip(ctx, models.Details{"reason": "job cancelled"})
		return o.runCleanup(ctx)
	}

	unresolved := make(map[string][]models.MaintenanceBlocker)
	autoSkipped := make([]string, 0)

	for _, h := range o.hosts {
		if h.Hypervisor == nil {
			continue
		}
		analysis, err := o.hyp.AnalyzeMaintenanceBlockers(ctx, h.Hypervisor.HostName)
		if err != nil {
			o.logger.WarnContext(ctx, "live blocker scan failed", "host", h.Name, "err", err.Error())
			continue
		}
		if cred, ok := o.creds[h.ID]; ok {
			cred.Blockers = analysis
		}
		remaining := o.unresolvedBlockers(h, analysis.Blockers)
		if len(remaining) == 0 {
			continue
		}
		if o.opts.ScheduledExecution && o.opts.ScheduledAutoSkipBlocked {
			o.opts.SkippedHosts = append(o.opts.SkippedHosts, h.ID)
			autoSkipped = append(autoSkipped, h.Name)
			continue
		}
		unresolved[h.Name] = remaining
	}

	if len(unresolved) == 0 {
		details := models.Details{"hosts_scanned": withHV}
		if len(autoSkipped) > 0 {
			details["auto_skipped_hosts"] = autoSkipped
			step.Warn(ctx, fmt.Sprintf("auto-skipped %d blocked host(s)", len(autoSkipped)), details)
			return nil
		}
		step.Complete(ctx, details)
		return nil
	}

	// Pause for operator intervention. The blocker manifest goes to both
	// the job details and the step details: the journal copy is the
	// recovery safety net if the job-status write fails.
	manifest := models.Details{}
	for host, blockers := range unresolved {
		manifest[host] = blockers
	}
	pauseDetails := models.Details{
		"maintenance_blockers": manifest,
		"paused_reason":        "maintenance blockers require operator intervention",
	}
	step.Pause(ctx, pauseDetails)
	o.pauseJob(ctx, pauseDetails)
	o.logger.InfoContext(ctx, "job paused for blocker intervention", "blocked_hosts", len(unresolved))
	return errJobPaused
}

// unresolvedBlockers filters a host's blocker list down to the entries
// no pre-supplied resolution, pattern, or auto-power-off policy covers.
func (o *Orchestrator) unresolvedBlockers(h *models.TargetHost, blockers []models.MaintenanceBlocker) []models.MaintenanceBlocker {
	res := resolutionFor(o.job.Details, h)
	remaining := make([]models.MaintenanceBlocker, 0)
	for _, b := range blockers {
		if b.Severity != models.SeverityCritical {
			continue
		}
		if b.Reason == models.BlockerControlPlane {
			// Handled by ordering, not power-off.
			continue
		}
		if containsString(res.PowerOffVMs, b.VMName) || matchesAnyPattern(o.opts.AutoPowerOffPatterns, b.VMName) {
			continue
		}
		if o.opts.AutoPowerOffEnabled && o.autoPowerOffCovers(b) {
			continue
		}
		remaining = append(remaining, b)
	}
	return remaining
}

// autoPowerOffCovers applies the configured power_off_strategy.
func (o *Orchestrator) autoPowerOffCovers(b models.MaintenanceBlocker) bool {
	if !b.AutoRemediable {
		return false
	}
	switch o.opts.PowerOffStrategy {
	case StrategyAll:
		return b.Reason != models.BlockerControlPlane
	default:
		return b.NonMigratable()
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func matchesAnyPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
