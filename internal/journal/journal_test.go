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

package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reef/pkg/models"
)

type fakeStepStore struct {
	writes []models.WorkflowStep
	err    error
}

func (f *fakeStepStore) UpsertStep(_ context.Context, step models.WorkflowStep) error {
	f.writes = append(f.writes, step)
	return f.err
}

func (f *fakeStepStore) last() models.WorkflowStep {
	return f.writes[len(f.writes)-1]
}

func newTestRecorder(store StepStore) *Recorder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRecorder(store, "job-1", logger)
}

func TestBeginAssignsSequentialNumbers(t *testing.T) {
	fs := &fakeStepStore{}
	r := newTestRecorder(fs)
	ctx := context.Background()

	s1 := r.Begin(ctx, "Pre-flight checks")
	s2 := r.Begin(ctx, "Disable cluster HA")

	assert.Equal(t, 1, s1.Number)
	assert.Equal(t, 2, s2.Number)
	assert.Equal(t, 3, r.NextNumber())

	require.Len(t, fs.writes, 2)
	assert.Equal(t, "job-1", fs.writes[0].JobID)
	assert.Equal(t, models.StepRunning, fs.writes[0].Status)
	assert.Nil(t, fs.writes[0].CompletedAt)
}

func TestRecorderAtResumesNumbering(t *testing.T) {
	fs := &fakeStepStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRecorderAt(fs, "job-1", logger, 7)
	st := r.Begin(context.Background(), "Enter maintenance: esx-a")
	assert.Equal(t, 7, st.Number)

	// A starting number below 1 is clamped.
	r = NewRecorderAt(fs, "job-1", logger, 0)
	assert.Equal(t, 1, r.NextNumber())
}

func TestTerminalCallsSetStatusAndCompletedAt(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		finish func(st *Step)
		want   models.StepStatus
		errMsg string
	}{
		{"complete", func(st *Step) { st.Complete(ctx, models.Details{"n": 1}) }, models.StepCompleted, ""},
		{"fail", func(st *Step) { st.Fail(ctx, errors.New("bmc unreachable"), nil) }, models.StepFailed, "bmc unreachable"},
		{"skip", func(st *Step) { st.Skip(ctx, nil) }, models.StepSkipped, ""},
		{"pause", func(st *Step) { st.Pause(ctx, models.Details{"paused_reason": "blockers"}) }, models.StepPaused, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStepStore{}
			r := newTestRecorder(fs)
			st := r.Begin(ctx, "step")
			tc.finish(st)

			got := fs.last()
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.errMsg, got.Error)
			require.NotNil(t, got.CompletedAt)
			assert.Equal(t, st.Number, got.StepNumber)
		})
	}
}

func TestWarnInjectsWarningDetail(t *testing.T) {
	fs := &fakeStepStore{}
	r := newTestRecorder(fs)
	ctx := context.Background()

	details := models.Details{"host": "esx-a"}
	st := r.Begin(ctx, "Power on VMs: esx-a")
	st.Warn(ctx, "2 VMs failed to power on", details)

	got := fs.last()
	assert.Equal(t, models.StepWarning, got.Status)
	assert.Equal(t, "2 VMs failed to power on", got.Details["warning"])
	assert.Equal(t, "esx-a", got.Details["host"])
	// Warn clones before injecting; the caller's map is untouched.
	_, mutated := details["warning"]
	assert.False(t, mutated)
}

func TestUpdateKeepsStepRunning(t *testing.T) {
	fs := &fakeStepStore{}
	r := newTestRecorder(fs)
	ctx := context.Background()

	st := r.Begin(ctx, "Apply firmware: esx-a (pass 1/2)")
	st.Update(ctx, models.Details{"repo_job_id": "JID_001"})
	st.Complete(ctx, nil)

	require.Len(t, fs.writes, 3)
	assert.Equal(t, models.StepRunning, fs.writes[1].Status)
	assert.Nil(t, fs.writes[1].CompletedAt)
	assert.Equal(t, "JID_001", fs.writes[1].Details["repo_job_id"])
	// All writes reuse the same step number.
	assert.Equal(t, fs.writes[0].StepNumber, fs.writes[2].StepNumber)
}

func TestWriteFailureDoesNotPanic(t *testing.T) {
	fs := &fakeStepStore{err: errors.New("disk full")}
	r := newTestRecorder(fs)
	ctx := context.Background()

	st := r.Begin(ctx, "Cleanup")
	st.Complete(ctx, nil)
	assert.Len(t, fs.writes, 2)
}

func TestSanitizePreservesJSONSafeValues(t *testing.T) {
	now := time.Now().UTC()
	in := models.Details{
		"count":   3,
		"ratio":   0.5,
		"name":    "esx-a",
		"ok":      true,
		"when":    now,
		"hosts":   []string{"a", "b"},
		"nested":  models.Details{"k": "v"},
		"rawmap":  map[string]any{"x": 1},
		"mixed":   []any{"a", 2},
		"nothing": nil,
	}

	out := Sanitize(in)
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, 0.5, out["ratio"])
	assert.Equal(t, []string{"a", "b"}, out["hosts"])
	assert.Equal(t, models.Details{"k": "v"}, out["nested"])
	assert.Equal(t, models.Details{"x": 1}, out["rawmap"])
	assert.Equal(t, []any{"a", 2}, out["mixed"])
	assert.Nil(t, out["nothing"])

	assert.Nil(t, Sanitize(nil))
}

func TestSanitizeStringifiesUnmarshalableValues(t *testing.T) {
	out := Sanitize(models.Details{
		"bad":  make(chan int),
		"good": func() any { type pair struct{ A, B int }; return pair{1, 2} }(),
	})
	if _, ok := out["bad"].(string); !ok {
		t.Fatalf("unmarshalable value not stringified: %T", out["bad"])
	}
	assert.NotNil(t, out["good"])
}
