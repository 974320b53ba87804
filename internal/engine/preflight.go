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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reef/internal/bmc"
	"reef/internal/metrics"
	"reef/pkg/models"
)

func asAdapterError(err error, target **bmc.AdapterError) bool {
	return errors.As(err, target)
}

// preflight is Phase 1: connectivity probes, cached blocker analysis,
// and (for catalog jobs) the update-availability check. Returns
// done=true when the job reached a terminal state here, either an
// "all hosts current" early success or a probe failure.
func (o *Orchestrator) preflight(ctx context.Context) (done bool, err error) {
	step := o.rec.Begin(ctx, "Pre-flight checks")
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhasePreflight, o.now().Sub(phaseStart)) }()

	// Connectivity probes fan out to a small bounded pool: independent
	// BMC endpoints have no ordering dependency, and the throttler still
	// caps the wire.
	var mu sync.Mutex
	probeFailures := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, h := range o.hosts {
		h := h
		g.Go(func() error {
			client := o.clientFor(h)
			if err := client.CreateSession(gctx); err != nil {
				mu.Lock()
				probeFailures[h.Name] = err.Error()
				mu.Unlock()
				return nil
			}
			_ = client.DeleteSession(gctx)
			mu.Lock()
			o.creds[h.ID] = &models.HostCredentials{
				Username:    h.BMC.Username,
				Password:    h.BMC.Password,
				Validated:   true,
				NeedsUpdate: true,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		step.Fail(ctx, err, nil)
		return false, err
	}

	// One unreachable BMC fails the whole pre-flight before any mutation.
	if len(probeFailures) > 0 {
		msg := fmt.Sprintf("pre-flight connectivity failed for %d host(s)", len(probeFailures))
		step.Fail(ctx, fmt.Errorf("%s", msg), models.Details{"probe_failures": probeFailures})
		if err := o.failJob(ctx, msg); err != nil {
			return false, err
		}
		return true, nil
	}

	// Cached maintenance-blocker analysis, 24h TTL keyed in job details.
	cache := o.blockerCache()
	cacheDirty := false
	for _, h := range o.hosts {
		if h.Hypervisor == nil {
			continue
		}
		if cached, ok := cache[h.ID]; ok && o.now().Sub(cached.ScannedAt) < blockerCacheTTL {
			o.creds[h.ID].Blockers = cached
			continue
		}
		analysis, aerr := o.hyp.AnalyzeMaintenanceBlockers(ctx, h.Hypervisor.HostName)
		if aerr != nil {
			o.logger.WarnContext(ctx, "blocker analysis failed in preflight", "host", h.Name, "err", aerr.Error())
			continue
		}
		o.creds[h.ID].Blockers = analysis
		cache[h.ID] = analysis
		cacheDirty = true
	}
	if cacheDirty {
		o.mergeDetails(ctx, models.Details{"blocker_cache": cache})
	}

	// Update-availability check for catalog jobs.
	checked := false
	if o.opts.FirmwareSource == SourceDellOnlineCatalog && o.opts.CheckUpdatesInPreflight {
		checked = true
		if err := o.checkAvailableUpdates(ctx, step); err != nil {
			return false, err
		}
	}

	needsUpdate := 0
	for _, h := range o.hosts {
		if o.creds[h.ID].NeedsUpdate {
			needsUpdate++
		}
	}
	step.Complete(ctx, models.Details{
		"hosts_checked":   len(o.hosts),
		"hosts_needing":   needsUpdate,
		"updates_checked": checked,
	})

	// All current: succeed without touching HA, maintenance, or backups.
	if checked && needsUpdate == 0 {
		o.mergeDetails(ctx, models.Details{
			"no_updates_needed": true,
			"hosts_checked":     len(o.hosts),
		})
		if err := o.store.PatchStatus(ctx, o.job.ID, models.JobStatusCompleted); err != nil {
			return false, fmt.Errorf("patch status: %w", err)
		}
		o.logger.InfoContext(ctx, "all hosts current; completing without mutation")
		return true, nil
	}
	return false, nil
}

// checkAvailableUpdates lists catalog updates per host and caches them
// in the credentials bundle. Updates seen on one host are propagated to
// peers in the same firmware family as advisory-only inferred entries.
func (o *Orchestrator) checkAvailableUpdates(ctx context.Context, step interface {
	Update(context.Context, models.Details)
}) error {
	inventories := make(map[string][]models.FirmwareComponent)
	var allSeen []models.AvailableUpdate

	for i, h := range o.hosts {
		client := o.clientFor(h)
		updates, err := client.CheckAvailableCatalogUpdates(ctx, o.opts.CatalogURL)
		if err != nil {
			var aerr *bmc.AdapterError
			if asAdapterError(err, &aerr) && aerr.Code == bmc.CodeCatalogUnreachable {
				// Terminal for the check; the orchestrator surfaces the
				// air-gap hint and keeps the host marked as needing work.
				o.logger.WarnContext(ctx, "catalog unreachable during preflight",
					"host", h.Name, "err", aerr.Message)
				o.mergeDetails(ctx, models.Details{"catalog_hint": aerr.Message})
				continue
			}
			o.logger.WarnContext(ctx, "update check failed; assuming updates needed",
				"host", h.Name, "err", err.Error())
			continue
		}
		cred := o.creds[h.ID]
		cred.AvailableUpdates = updates
		cred.NeedsUpdate = len(updates) > 0
		allSeen = append(allSeen, updates...)

		if inv, ierr := client.FirmwareInventory(ctx); ierr == nil {
			inventories[h.ID] = inv
		}
		step.Update(ctx, models.Details{"update_checks_done": i + 1, "hosts_total": len(o.hosts)})
	}

	// Advisory second pass: never grounds for an apply, only visibility.
	for _, h := range o.hosts {
		inv, ok := inventories[h.ID]
		if !ok {
			continue
		}
		if inferred := bmc.InferPeerUpdates(allSeen, inv); len(inferred) > 0 {
			cred := o.creds[h.ID]
			cred.AvailableUpdates = append(cred.AvailableUpdates, dedupeInferred(cred.AvailableUpdates, inferred)...)
		}
	}
	return nil
}

// dedupeInferred drops inferred entries that duplicate a directly
// observed update for the same component.
func dedupeInferred(direct, inferred []models.AvailableUpdate) []models.AvailableUpdate {
	out := make([]models.AvailableUpdate, 0, len(inferred))
	for _, inf := range inferred {
		dup := false
		for _, d := range direct {
			if d.Name == inf.Name && !d.Inferred {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, inf)
		}
	}
	return out
}

// blockerCache reads the cached analyses out of the job details.
func (o *Orchestrator) blockerCache() map[string]*models.BlockerAnalysis {
	cache := make(map[string]*models.BlockerAnalysis)
	raw := o.job.Details.Map("blocker_cache")
	for hostID := range raw {
		entry := raw.Map(hostID)
		if entry == nil {
			continue
		}
		scanned, err := time.Parse(time.RFC3339, entry.String("scanned_at", ""))
		if err != nil {
			continue
		}
		analysis := &models.BlockerAnalysis{ScannedAt: scanned}
		if blockers, ok := entry["blockers"].([]any); ok {
			for _, b := range blockers {
				bm, ok := b.(map[string]any)
				if !ok {
					continue
				}
				bd := models.Details(bm)
				analysis.Blockers = append(analysis.Blockers, models.MaintenanceBlocker{
					VMName:         bd.String("vm_name", ""),
					Reason:         models.BlockerReason(bd.String("reason", string(models.BlockerOther))),
					Severity:       models.BlockerSeverity(bd.String("severity", string(models.SeverityWarning))),
					AutoRemediable: bd.Bool("auto_remediable", false),
					Detail:         bd.String("detail", ""),
				})
			}
		}
		cache[hostID] = analysis
	}
	return cache
}
