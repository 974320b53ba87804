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

// Package ctxkeys carries job-scoped identifiers through context so that
// log lines emitted deep in the throttler or adapters can be tied back to
// the job and host that triggered them.
package ctxkeys

import (
	"context"
)

type key int

const (
	jobIDKey key = iota
	hostKey
)

// WithJobID returns a child context tagged with the job ID.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobID returns the job ID from context if present, else "".
func JobID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(jobIDKey).(string); ok {
		return s
	}
	return ""
}

// WithHost returns a child context tagged with the BMC host address.
func WithHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, hostKey, host)
}

// Host returns the BMC host address from context if present, else "".
func Host(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(hostKey).(string); ok {
		return s
	}
	return ""
}
