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
	"encoding/json"
	"fmt"
	"strings"
)

// Adapter error codes. BMC-surfaced codes keep the iDRAC message ID so
// operators can look them up in Dell documentation.
const (
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeNoTaskURI          = "NO_TASK_URI"
	CodeNoJobID            = "NO_JOB_ID"
	CodeVersionDetection   = "VERSION_DETECTION_FAILED"
	CodeCatalogUnreachable = "CATALOG_UNREACHABLE"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeTimeout            = "TIMEOUT"
	CodeTaskFailed         = "TASK_FAILED"
	CodeJobFailed          = "JOB_FAILED"
	CodeUnknown            = "UNKNOWN"
)

// AdapterError is the typed failure every BMC operation surfaces.
// Retryable with a WaitHint means the caller may retry after that many
// seconds; Retryable=false is terminal for the operation.
type AdapterError struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	WaitHint  int // seconds
}

func (e *AdapterError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("bmc: %s: %s (status %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("bmc: %s: %s", e.Code, e.Message)
}

// messageRule maps an iDRAC extended-info message ID prefix to adapter
// error semantics. First match wins.
type messageRule struct {
	prefix    string
	code      string
	retryable bool
	waitHint  int
	hint      string
}

var messageRules = []messageRule{
	// Lifecycle Controller busy or another job in flight; settles on its own.
	{prefix: "RAC0508", code: "RAC0508", retryable: true, waitHint: 60},
	{prefix: "SYS403", code: "SYS403", retryable: true, waitHint: 60},
	{prefix: "FWU001", code: "FWU001", retryable: true, waitHint: 120},
	{prefix: "RES001", code: "RES001", retryable: true, waitHint: 30},
	// Repository/catalog not reachable from the BMC's own network.
	{prefix: "SWC0700", code: CodeCatalogUnreachable, retryable: false,
		hint: "BMC cannot reach the update catalog; use Local Repository for air-gapped networks"},
	{prefix: "SWC0701", code: CodeCatalogUnreachable, retryable: false,
		hint: "BMC cannot reach the update catalog; use Local Repository for air-gapped networks"},
	{prefix: "AUTH001", code: CodeAuthFailed, retryable: false},
	{prefix: "AUTH002", code: CodeAuthFailed, retryable: false},
}

// extendedInfo is the error envelope Redfish services return alongside
// non-2xx statuses.
type extendedInfo struct {
	Error struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		ExtendedInfo []struct {
			MessageID string `json:"MessageId"`
			Message   string `json:"Message"`
		} `json:"@Message.ExtendedInfo"`
	} `json:"error"`
}

// mapResponseError turns a non-2xx BMC response into an AdapterError,
// preferring a typed code from the extended-info message IDs.
func mapResponseError(status int, body []byte) *AdapterError {
	var env extendedInfo
	if err := json.Unmarshal(body, &env); err == nil {
		for _, info := range env.Error.ExtendedInfo {
			for _, rule := range messageRules {
				// Message IDs arrive registry-qualified, e.g. "IDRAC.2.8.RAC0508".
				if !strings.Contains(info.MessageID, rule.prefix) {
					continue
				}
				msg := info.Message
				if rule.hint != "" {
					msg = msg + ": " + rule.hint
				}
				return &AdapterError{
					Code:      rule.code,
					Message:   msg,
					Status:    status,
					Retryable: rule.retryable,
					WaitHint:  rule.waitHint,
				}
			}
		}
		if len(env.Error.ExtendedInfo) > 0 {
			info := env.Error.ExtendedInfo[0]
			return &AdapterError{
				Code:    firstToken(info.MessageID),
				Message: info.Message,
				Status:  status,
			}
		}
	}
	code := CodeUnknown
	if status == 401 || status == 403 {
		code = CodeAuthFailed
	}
	return &AdapterError{
		Code:    code,
		Message: fmt.Sprintf("status %d: %s", status, truncate(string(body), 256)),
		Status:  status,
	}
}

// firstToken strips the registry/version prefix from a message ID, e.g.
// "IDRAC.2.8.RAC0508" → "RAC0508".
func firstToken(messageID string) string {
	if messageID == "" {
		return CodeUnknown
	}
	if i := strings.LastIndexByte(messageID, '.'); i >= 0 {
		return messageID[i+1:]
	}
	return messageID
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
