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
	"log/slog"
	"sync"
	"time"

	"reef/internal/hypervisor"
	"reef/internal/metrics"
	"reef/pkg/models"
)

// DefaultPollInterval is how often the poller scans for pending jobs.
const DefaultPollInterval = 10 * time.Second

// PollerStore is the JobStore plus the poller's own queries.
type PollerStore interface {
	JobStore
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// Poller claims pending jobs from the store and runs one orchestrator
// goroutine per claimed job. Jobs for the same store row are never
// double-claimed: the claim transitions pending -> running before the
// goroutine starts.
type Poller struct {
	store    PollerStore
	hyp      hypervisor.Client
	newBMC   func(models.BMCEndpoint) BMC
	logger   *slog.Logger
	interval time.Duration

	backupDir string

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewPoller wires a poller. backupDir may be empty for the default.
func NewPoller(store PollerStore, hyp hypervisor.Client, newBMC func(models.BMCEndpoint) BMC, logger *slog.Logger, interval time.Duration, backupDir string) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		store:     store,
		hyp:       hyp,
		newBMC:    newBMC,
		logger:    logger,
		interval:  interval,
		backupDir: backupDir,
		running:   make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to
// reach a checkpoint and return.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("job poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("job poller stopping; waiting for in-flight jobs")
			p.wg.Wait()
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	jobs, err := p.store.FetchPending(ctx, time.Now().UTC())
	if err != nil {
		p.logger.Error("fetch pending jobs failed", "err", err.Error())
		return
	}
	for _, job := range jobs {
		p.dispatch(ctx, job)
	}
	p.publishGauges(ctx)
}

func (p *Poller) dispatch(ctx context.Context, job *models.Job) {
	if job.Kind != models.JobKindRollingClusterUpdate {
		p.logger.Warn("skipping job of unknown kind", "job_id", job.ID, "kind", string(job.Kind))
		return
	}
	p.mu.Lock()
	if _, busy := p.running[job.ID]; busy {
		p.mu.Unlock()
		return
	}
	p.running[job.ID] = struct{}{}
	p.mu.Unlock()

	if err := p.store.PatchStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		p.logger.Error("claim job failed", "job_id", job.ID, "err", err.Error())
		p.release(job.ID)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(job.ID)

		orch := NewOrchestrator(p.store, p.hyp, p.newBMC, p.logger, job)
		if p.backupDir != "" {
			orch.backupDir = p.backupDir
		}
		if err := orch.Execute(ctx); err != nil {
			p.logger.Error("job execution error", "job_id", job.ID, "err", err.Error())
		}
	}()
}

func (p *Poller) release(jobID string) {
	p.mu.Lock()
	delete(p.running, jobID)
	p.mu.Unlock()
}

func (p *Poller) publishGauges(ctx context.Context) {
	counts, err := p.store.CountJobsByStatus(ctx)
	if err != nil {
		return
	}
	for _, st := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusRunning, models.JobStatusPaused,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	} {
		metrics.SetJobsByStatus(st.String(), counts[st])
	}
}
