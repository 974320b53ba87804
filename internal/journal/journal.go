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

// Package journal records workflow steps for a job. Step numbers are
// assigned monotonically by the single orchestrator goroutine; writes are
// upserts on (job, step_number) so a resumed pause can re-run the same
// step. Step details are deep-sanitised before persistence; the journal
// never fails a job over a serialisation problem.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"reef/pkg/models"
)

// StepStore is the persistence surface the recorder writes through.
type StepStore interface {
	UpsertStep(ctx context.Context, step models.WorkflowStep) error
}

// Recorder journals workflow steps for one job.
type Recorder struct {
	store  StepStore
	jobID  string
	logger *slog.Logger
	next   int
	now    func() time.Time
}

// NewRecorder returns a recorder starting at step number 1.
func NewRecorder(store StepStore, jobID string, logger *slog.Logger) *Recorder {
	return NewRecorderAt(store, jobID, logger, 1)
}

// NewRecorderAt returns a recorder starting at the given step number.
// Used when re-dispatching a paused job so the paused step is rewritten
// in place.
func NewRecorderAt(store StepStore, jobID string, logger *slog.Logger, next int) *Recorder {
	if next < 1 {
		next = 1
	}
	return &Recorder{
		store:  store,
		jobID:  jobID,
		logger: logger,
		next:   next,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Step is an in-flight workflow step. Exactly one terminal call
// (Complete, Fail, Skip, Warn, Pause) finishes it.
type Step struct {
	r         *Recorder
	Number    int
	Name      string
	startedAt time.Time
}

// Begin assigns the next step number and journals the step as running.
func (r *Recorder) Begin(ctx context.Context, name string) *Step {
	st := &Step{r: r, Number: r.next, Name: name, startedAt: r.now()}
	r.next++
	r.write(ctx, st, models.StepRunning, nil, "", false)
	return st
}

// Complete marks the step completed with optional details.
func (st *Step) Complete(ctx context.Context, details models.Details) {
	st.r.write(ctx, st, models.StepCompleted, details, "", true)
}

// Fail marks the step failed, recording the error text.
func (st *Step) Fail(ctx context.Context, err error, details models.Details) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	st.r.write(ctx, st, models.StepFailed, details, msg, true)
}

// Skip marks the step skipped.
func (st *Step) Skip(ctx context.Context, details models.Details) {
	st.r.write(ctx, st, models.StepSkipped, details, "", true)
}

// Warn marks the step completed-with-warning.
func (st *Step) Warn(ctx context.Context, msg string, details models.Details) {
	if details == nil {
		details = models.Details{}
	}
	details = details.Clone()
	details["warning"] = msg
	st.r.write(ctx, st, models.StepWarning, details, "", true)
}

// Pause marks the step paused. The step row carries the full manifest the
// operator needs; it is the recovery safety net if the job-status write
// is lost.
func (st *Step) Pause(ctx context.Context, details models.Details) {
	st.r.write(ctx, st, models.StepPaused, details, "", true)
}

// Update rewrites the step while still running, refreshing its details.
// Used by long poll loops to surface progress.
func (st *Step) Update(ctx context.Context, details models.Details) {
	st.r.write(ctx, st, models.StepRunning, details, "", false)
}

func (r *Recorder) write(ctx context.Context, st *Step, status models.StepStatus, details models.Details, errMsg string, terminal bool) {
	step := models.WorkflowStep{
		JobID:      r.jobID,
		StepNumber: st.Number,
		Name:       st.Name,
		Status:     status,
		StartedAt:  st.startedAt,
		Details:    Sanitize(details),
		Error:      errMsg,
	}
	if terminal {
		t := r.now()
		step.CompletedAt = &t
	}
	if err := r.store.UpsertStep(ctx, step); err != nil && r.logger != nil {
		r.logger.WarnContext(ctx, "journal write failed",
			"step", st.Name, "number", st.Number, "status", status.String(), "err", err)
	}
}

// NextNumber returns the step number the next Begin will use.
func (r *Recorder) NextNumber() int { return r.next }

// Sanitize deep-copies details, replacing any value that does not survive
// JSON marshalling with its string form. Offending fields are dropped
// only if even the string form cannot be represented.
func Sanitize(d models.Details) models.Details {
	if d == nil {
		return nil
	}
	out := make(models.Details, len(d))
	for k, v := range d {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64, json.Number, time.Time:
		return t
	case models.Details:
		return Sanitize(t)
	case map[string]any:
		return Sanitize(models.Details(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	case []string:
		return t
	default:
		if _, err := json.Marshal(v); err == nil {
			return v
		}
		return fmt.Sprintf("%v", v)
	}
}
