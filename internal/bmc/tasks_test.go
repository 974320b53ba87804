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

package bmc

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reef/internal/throttle"
)

func TestWaitForTaskCompletes(t *testing.T) {
	polls := 0
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		polls++
		if polls < 3 {
			return jsonResp(http.StatusOK, map[string]any{
				"TaskState": "Running", "PercentComplete": polls * 30,
			}, nil), nil
		}
		return jsonResp(http.StatusOK, map[string]any{
			"TaskState": "Completed", "TaskStatus": "OK", "PercentComplete": 100,
			"Messages": []map[string]any{{"Message": "done"}},
		}, nil), nil
	})
	res, err := c.WaitForTask(context.Background(), "/redfish/v1/TaskService/Tasks/1", time.Hour, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Completed", res.State)
	assert.Equal(t, []string{"done"}, res.Messages)
	assert.Equal(t, 3, polls)
}

func TestWaitForTaskException(t *testing.T) {
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		return jsonResp(http.StatusOK, map[string]any{
			"TaskState": "Exception",
			"Messages":  []map[string]any{{"Message": "firmware image rejected"}},
		}, nil), nil
	})
	_, err := c.WaitForTask(context.Background(), "/redfish/v1/TaskService/Tasks/1", time.Hour, time.Second)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeTaskFailed, aerr.Code)
	assert.Contains(t, aerr.Message, "firmware image rejected")
}

func TestWaitForTaskTimesOut(t *testing.T) {
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		return jsonResp(http.StatusAccepted, map[string]any{}, nil), nil
	})
	// Fake sleep advances the fake clock, so the deadline passes quickly.
	_, err := c.WaitForTask(context.Background(), "/redfish/v1/TaskService/Tasks/1", 30*time.Second, 10*time.Second)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeTimeout, aerr.Code)
}

func TestWaitForJobStallRecovery(t *testing.T) {
	polls := 0
	var rebooted bool
	c, _ := newTestClient(nil)
	doer := &fakeDoer{handler: func(req throttle.Request) (*throttle.Response, error) {
		if strings.Contains(req.URL, "ComputerSystem.Reset") {
			rebooted = true
			return jsonResp(http.StatusNoContent, nil, nil), nil
		}
		polls++
		switch {
		case !rebooted:
			// Stuck at 42% until the recovery reboot lands.
			return jsonResp(http.StatusOK, JobEntry{ID: "JID_1", JobState: "Running", PercentComplete: 42}, nil), nil
		case polls < 20:
			return jsonResp(http.StatusOK, JobEntry{ID: "JID_1", JobState: "Running", PercentComplete: 90}, nil), nil
		default:
			return jsonResp(http.StatusOK, JobEntry{ID: "JID_1", JobState: "Completed", PercentComplete: 100, Message: "Job completed successfully"}, nil), nil
		}
	}}
	c.doer = doer

	res, err := c.WaitForJobWithRecovery(context.Background(), "JID_1",
		time.Hour, 10*time.Second, time.Minute, 2, RecoverReboot)
	require.NoError(t, err)
	assert.True(t, rebooted)
	assert.Equal(t, "Completed", res.State)
	assert.Equal(t, 1, res.RecoveryAttempts)
}

func TestWaitForJobStallRecoveriesExhausted(t *testing.T) {
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		if strings.Contains(req.URL, "ComputerSystem.Reset") {
			return jsonResp(http.StatusNoContent, nil, nil), nil
		}
		return jsonResp(http.StatusOK, JobEntry{ID: "JID_1", JobState: "Running", PercentComplete: 42}, nil), nil
	})
	_, err := c.WaitForJobWithRecovery(context.Background(), "JID_1",
		time.Hour, 10*time.Second, time.Minute, 1, RecoverReboot)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeTimeout, aerr.Code)
	assert.Contains(t, aerr.Message, "stalled")
}

func TestWaitForJobFailureIsTyped(t *testing.T) {
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		return jsonResp(http.StatusOK, JobEntry{ID: "JID_1", JobState: "Failed", Message: "download failed"}, nil), nil
	})
	res, err := c.WaitForJobWithRecovery(context.Background(), "JID_1",
		time.Hour, 10*time.Second, 0, 0, RecoverNone)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, CodeJobFailed, aerr.Code)
	require.NotNil(t, res)
	assert.Equal(t, "Failed", res.State)
}

func TestWaitForJobNoApplicableIsSuccess(t *testing.T) {
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		return jsonResp(http.StatusOK, JobEntry{
			ID: "JID_1", JobState: "Failed",
			Message: "SUP029: No Applicable Update was found",
		}, nil), nil
	})
	res, err := c.WaitForJobWithRecovery(context.Background(), "JID_1",
		time.Hour, 10*time.Second, 0, 0, RecoverNone)
	require.NoError(t, err, "a no-applicable-updates outcome is not a failure")
	assert.Equal(t, "Failed", res.State)
}

func TestClearStaleJobsDeletesFailedOnly(t *testing.T) {
	var deleted []string
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		if req.Method == http.MethodDelete {
			deleted = append(deleted, req.URL)
			return jsonResp(http.StatusOK, map[string]any{}, nil), nil
		}
		return jsonResp(http.StatusOK, map[string]any{
			"Members": []JobEntry{
				{ID: "JID_1", JobState: "Failed"},
				{ID: "JID_2", JobState: "Completed"},
				{ID: "JID_3", JobState: "CompletedWithErrors"},
				{ID: "JID_4", JobState: "Running"},
			},
		}, nil), nil
	})
	require.NoError(t, c.ClearStaleJobs(context.Background(), 0))
	require.Len(t, deleted, 2)
	assert.Contains(t, deleted[0], "JID_1")
	assert.Contains(t, deleted[1], "JID_3")
}

func TestActiveFirmwareJobsSplit(t *testing.T) {
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		return jsonResp(http.StatusOK, map[string]any{
			"Members": []JobEntry{
				{ID: "JID_1", JobType: "FirmwareUpdate", JobState: "Running"},
				{ID: "JID_2", JobType: "FirmwareUpdate", JobState: "Scheduled"},
				{ID: "JID_3", JobType: "RebootNoForce", JobState: "Scheduled"},
				{ID: "JID_4", JobType: "FirmwareUpdate", JobState: "Completed"},
				{ID: "JID_5", JobType: "ExportConfiguration", JobState: "Running"},
			},
		}, nil), nil
	})
	running, scheduled, err := c.ActiveFirmwareJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "JID_1", running[0].ID)
	require.Len(t, scheduled, 2)
}

func TestWaitForAllJobsComplete(t *testing.T) {
	polls := 0
	c, _ := newTestClient(func(req throttle.Request) (*throttle.Response, error) {
		polls++
		state := "Running"
		if polls >= 3 {
			state = "Completed"
		}
		return jsonResp(http.StatusOK, map[string]any{
			"Members": []JobEntry{{ID: "JID_1", JobState: state}},
		}, nil), nil
	})
	require.NoError(t, c.WaitForAllJobsComplete(context.Background(), time.Hour, 10*time.Second))
	assert.Equal(t, 3, polls)
}
