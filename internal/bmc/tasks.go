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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"reef/internal/metrics"
	"reef/internal/throttle"
)

// RecoveryAction is what WaitForJobWithRecovery does when a BMC job
// stops advancing.
type RecoveryAction string

const (
	RecoverReboot     RecoveryAction = "reboot"
	RecoverClearQueue RecoveryAction = "clear_queue"
	RecoverNone       RecoveryAction = "none"
)

// TaskResult is a terminal Redfish task response.
type TaskResult struct {
	State    string
	Status   string
	Messages []string
	Raw      json.RawMessage
}

// JobResult is a terminal iDRAC job queue entry.
type JobResult struct {
	ID               string
	State            string
	Message          string
	PercentComplete  int
	RecoveryAttempts int
}

// JobEntry is one row of the BMC's internal job queue.
type JobEntry struct {
	ID              string `json:"Id"`
	Name            string `json:"Name"`
	JobState        string `json:"JobState"`
	JobType         string `json:"JobType"`
	Message         string `json:"Message"`
	PercentComplete int    `json:"PercentComplete"`
	StartTime       string `json:"StartTime"`
}

// Active reports whether the job has not reached a terminal state.
func (j JobEntry) Active() bool { return !j.terminal() }

func (j JobEntry) terminal() bool {
	switch j.JobState {
	case "Completed", "Failed", "CompletedWithErrors", "RebootFailed", "RebootCompleted":
		return true
	}
	return false
}

func (j JobEntry) failed() bool {
	switch j.JobState {
	case "Failed", "CompletedWithErrors", "RebootFailed":
		return true
	}
	return false
}

// firmwareJob reports whether a queue entry is a firmware or reboot job
// relevant to an in-flight catalog update.
func (j JobEntry) firmwareJob() bool {
	t := strings.ToLower(j.JobType)
	return strings.Contains(t, "update") || strings.Contains(t, "firmware") || strings.Contains(t, "reboot") || strings.Contains(t, "repository")
}

// WaitForTask polls a task URI until it reaches a terminal state.
// Progress logging is monotone: a PercentComplete regression is logged
// once and otherwise ignored.
func (c *Client) WaitForTask(ctx context.Context, taskURI string, timeout, pollInterval time.Duration) (*TaskResult, error) {
	deadline := c.now().Add(timeout)
	lastLogged := -1

	for {
		if c.now().After(deadline) {
			return nil, &AdapterError{Code: CodeTimeout,
				Message: fmt.Sprintf("task %s did not complete within %s", taskURI, timeout)}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, _, err := c.doer.Do(ctx, c.Host(), throttle.Request{
			Method: http.MethodGet,
			URL:    c.buildURL(taskURI),
			Header: c.authHeader(),
			Op:     metrics.OpTaskPoll,
		})
		if err != nil {
			return nil, c.wrapTransport("task poll", err)
		}

		switch {
		case resp.StatusCode == http.StatusAccepted:
			// Still running; fall through to sleep.
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var task struct {
				TaskState       string `json:"TaskState"`
				TaskStatus      string `json:"TaskStatus"`
				PercentComplete int    `json:"PercentComplete"`
				Messages        []struct {
					Message string `json:"Message"`
				} `json:"Messages"`
			}
			if err := json.Unmarshal(resp.Body, &task); err != nil {
				return nil, &AdapterError{Code: CodeUnknown, Message: fmt.Sprintf("decode task: %v", err)}
			}
			if task.PercentComplete > lastLogged {
				c.logf(ctx, "task progress", "task", taskURI, "state", task.TaskState, "percent", task.PercentComplete)
				lastLogged = task.PercentComplete
			}
			switch task.TaskState {
			case "Completed":
				msgs := make([]string, 0, len(task.Messages))
				for _, m := range task.Messages {
					msgs = append(msgs, m.Message)
				}
				return &TaskResult{State: task.TaskState, Status: task.TaskStatus, Messages: msgs, Raw: resp.Body}, nil
			case "Exception", "Killed", "Cancelled":
				msg := task.TaskStatus
				if len(task.Messages) > 0 {
					msg = task.Messages[0].Message
				}
				return nil, &AdapterError{Code: CodeTaskFailed,
					Message: fmt.Sprintf("task %s ended %s: %s", taskURI, task.TaskState, msg)}
			}
		default:
			return nil, mapResponseError(resp.StatusCode, resp.Body)
		}

		if err := c.sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// WaitForJobWithRecovery polls an iDRAC job until terminal, with stall
// detection: if PercentComplete has not advanced for stallTimeout, it
// executes the recovery action and resumes polling, at most
// maxStallRetries times per invocation.
func (c *Client) WaitForJobWithRecovery(ctx context.Context, jobID string, timeout, pollInterval, stallTimeout time.Duration, maxStallRetries int, recovery RecoveryAction) (*JobResult, error) {
	deadline := c.now().Add(timeout)
	lastPercent := -1
	lastAdvance := c.now()
	recoveries := 0

	for {
		if c.now().After(deadline) {
			return nil, &AdapterError{Code: CodeTimeout,
				Message: fmt.Sprintf("job %s did not complete within %s", jobID, timeout)}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if entry.PercentComplete > lastPercent {
			c.logf(ctx, "job progress", "job_id", jobID, "state", entry.JobState, "percent", entry.PercentComplete)
			lastPercent = entry.PercentComplete
			lastAdvance = c.now()
		}

		if entry.terminal() {
			result := &JobResult{
				ID:               entry.ID,
				State:            entry.JobState,
				Message:          entry.Message,
				PercentComplete:  entry.PercentComplete,
				RecoveryAttempts: recoveries,
			}
			if entry.failed() && !ContainsNoApplicableUpdates(entry.Message) {
				return result, &AdapterError{Code: CodeJobFailed,
					Message: fmt.Sprintf("job %s ended %s: %s", jobID, entry.JobState, entry.Message)}
			}
			return result, nil
		}

		if stallTimeout > 0 && c.now().Sub(lastAdvance) >= stallTimeout {
			if recoveries >= maxStallRetries || recovery == RecoverNone {
				return nil, &AdapterError{Code: CodeTimeout,
					Message: fmt.Sprintf("job %s stalled at %d%% for %s (recoveries exhausted)", jobID, lastPercent, stallTimeout)}
			}
			recoveries++
			c.logf(ctx, "job stalled, attempting recovery", "job_id", jobID,
				"percent", lastPercent, "action", string(recovery), "attempt", recoveries)
			switch recovery {
			case RecoverReboot:
				if err := c.GracefulReboot(ctx); err != nil {
					return nil, fmt.Errorf("stall recovery reboot: %w", err)
				}
			case RecoverClearQueue:
				if err := c.ClearStaleJobs(ctx, 0); err != nil {
					return nil, fmt.Errorf("stall recovery queue clear: %w", err)
				}
			}
			lastAdvance = c.now()
		}

		if err := c.sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// GetJob reads one job queue entry.
func (c *Client) GetJob(ctx context.Context, jobID string) (*JobEntry, error) {
	var entry JobEntry
	if err := c.getJSON(ctx, metrics.OpJobPoll, jobPath(jobID), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListJobs reads the BMC's internal job queue.
func (c *Client) ListJobs(ctx context.Context) ([]JobEntry, error) {
	var coll struct {
		Members []JobEntry `json:"Members"`
	}
	if err := c.getJSON(ctx, metrics.OpJobPoll, pathManagerJobs+"?$expand=*($levels=1)", &coll); err != nil {
		return nil, err
	}
	return coll.Members, nil
}

// ClearStaleJobs removes failed and completed-with-errors jobs (and,
// when ageThreshold > 0, scheduled jobs older than the threshold) from
// the BMC's internal queue. Must run before initiating a new firmware
// update or the BMC may reject the request.
func (c *Client) ClearStaleJobs(ctx context.Context, ageThreshold time.Duration) error {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return err
	}
	cleared := 0
	for _, j := range jobs {
		stale := j.failed()
		if !stale && ageThreshold > 0 && j.JobState == "Scheduled" {
			if started, perr := time.Parse(time.RFC3339, j.StartTime); perr == nil && c.now().Sub(started) > ageThreshold {
				stale = true
			}
		}
		if !stale {
			continue
		}
		if err := c.deleteJob(ctx, j.ID); err != nil {
			return fmt.Errorf("clear job %s: %w", j.ID, err)
		}
		cleared++
	}
	if cleared > 0 {
		c.logf(ctx, "stale jobs cleared", "count", cleared)
	}
	return nil
}

// ClearJobQueue deletes every entry in the queue via the Dell job
// service. Cleanup uses this so a cancelled update leaves no orphan
// scheduled jobs.
func (c *Client) ClearJobQueue(ctx context.Context) error {
	return c.postAction(ctx, metrics.OpJobQueueClear, pathDeleteJobQueue,
		map[string]any{"JobID": "JID_CLEARALL"}, nil)
}

func (c *Client) deleteJob(ctx context.Context, jobID string) error {
	resp, _, err := c.doer.Do(ctx, c.Host(), throttle.Request{
		Method: http.MethodDelete,
		URL:    c.buildURL(jobPath(jobID)),
		Header: c.authHeader(),
		Op:     metrics.OpJobQueueClear,
	})
	if err != nil {
		return c.wrapTransport("delete job", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return mapResponseError(resp.StatusCode, resp.Body)
	}
	return nil
}

// ActiveFirmwareJobs returns the running and scheduled firmware/reboot
// jobs in the queue, split by whether they are already executing.
func (c *Client) ActiveFirmwareJobs(ctx context.Context) (running, scheduled []JobEntry, err error) {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, j := range jobs {
		if !j.firmwareJob() || j.terminal() {
			continue
		}
		switch j.JobState {
		case "Running", "Downloading", "Downloaded":
			running = append(running, j)
		case "Scheduled", "Waiting", "New", "ReadyForExecution":
			scheduled = append(scheduled, j)
		}
	}
	return running, scheduled, nil
}

// WaitForAllJobsComplete waits until every job in the queue is
// terminal. Used after the reboot that follows a catalog-staged update.
func (c *Client) WaitForAllJobsComplete(ctx context.Context, timeout, pollInterval time.Duration) error {
	deadline := c.now().Add(timeout)
	for {
		if c.now().After(deadline) {
			return &AdapterError{Code: CodeTimeout,
				Message: fmt.Sprintf("BMC jobs did not all complete within %s", timeout)}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		jobs, err := c.ListJobs(ctx)
		if err != nil {
			return err
		}
		pending := 0
		for _, j := range jobs {
			if !j.terminal() {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		c.logf(ctx, "waiting for bmc jobs", "pending", pending)
		if err := c.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}
