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
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"reef/internal/bmc"
	"reef/internal/metrics"
	"reef/pkg/models"
)

// backupSCP is Phase 4: export a configuration profile for every host
// that needs updates. Failures are warnings; a missing backup never
// aborts the job.
func (o *Orchestrator) backupSCP(ctx context.Context) {
	targets := make([]*models.TargetHost, 0, len(o.hosts))
	for _, h := range o.hosts {
		if cred, ok := o.creds[h.ID]; ok && cred.NeedsUpdate {
			targets = append(targets, h)
		}
	}
	if len(targets) == 0 {
		return
	}

	step := o.rec.Begin(ctx, "Configuration backup")
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseBackup, o.now().Sub(phaseStart)) }()

	limit := 1
	if o.opts.ParallelBackups {
		limit = o.opts.MaxParallelBackups
	}

	var mu sync.Mutex
	saved := make(map[string]any)
	failures := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, h := range targets {
		h := h
		g.Go(func() error {
			data, err := o.clientFor(h).ExportSCP(gctx, bmc.SCPTargetAll)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[h.Name] = err.Error()
				return nil
			}
			path, werr := o.writeBackup(h, data)
			if werr != nil {
				failures[h.Name] = werr.Error()
				return nil
			}
			saved[h.Name] = models.Details{"path": path, "bytes": len(data)}
			return nil
		})
	}
	_ = g.Wait()

	details := models.Details{"backups": saved, "failures": failures}
	if len(failures) > 0 {
		o.logger.WarnContext(ctx, "scp backup incomplete", "failed", len(failures), "saved", len(saved))
		step.Warn(ctx, fmt.Sprintf("%d backup(s) failed", len(failures)), details)
		return
	}
	step.Complete(ctx, details)
}

func (o *Orchestrator) writeBackup(h *models.TargetHost, data []byte) (string, error) {
	dir := o.backupDir
	if dir == "" {
		dir = "backups"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	// Stamped per run: a re-dispatched job must not overwrite the
	// profile taken before its first attempt.
	stamp := o.now().Format("20060102T150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s_scp.json", o.job.ID, h.Name, stamp))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}
