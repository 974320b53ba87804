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

// Package throttle gates every outbound BMC request: per-host
// serialization, minimum request spacing, a global concurrency cap, a
// per-host circuit breaker, and bounded retry with backoff. BMCs are
// fragile: a handful of concurrent authenticated calls can lock their
// accounts or wedge the internal job queue, and this process must never
// be the cause.
package throttle

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"reef/internal/metrics"
)

// Default settings; all overridable at runtime via UpdateSettings.
const (
	DefaultMaxConcurrent    = 4
	DefaultRequestDelay     = 500 * time.Millisecond
	DefaultCircuitThreshold = 3
	DefaultCircuitTimeout   = 30 * time.Minute

	maxAttempts    = 3
	backoffCapSecs = 60
	jitterFrac     = 0.3
)

// ErrCircuitOpen is returned without acquiring any lock when a host's
// breaker is open. Other hosts proceed unaffected.
var ErrCircuitOpen = errors.New("circuit open")

// Settings holds the tunable throttler parameters.
type Settings struct {
	MaxConcurrent    int
	RequestDelay     time.Duration
	CircuitThreshold int
	CircuitTimeout   time.Duration
}

// DefaultSettings returns the stock configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent:    DefaultMaxConcurrent,
		RequestDelay:     DefaultRequestDelay,
		CircuitThreshold: DefaultCircuitThreshold,
		CircuitTimeout:   DefaultCircuitTimeout,
	}
}

// Request describes one BMC HTTP call. Body is raw bytes so retries can
// replay it.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration // optional per-call override of the client timeout
	Op      string        // metrics/logging operation label
}

// Response is the drained result of a BMC HTTP call. The throttler reads
// and closes the body before returning so callers never hold sockets.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// hostState is the per-host serialization and breaker record.
type hostState struct {
	lock     chan struct{} // buffered(1): per-host mutex, context-aware
	mu       sync.Mutex    // guards the fields below
	lastDone time.Time
	failures int
	openTill time.Time
}

// Throttler owns the shared outbound surface to the BMC fleet.
type Throttler struct {
	mu       sync.Mutex // guards hosts map and settings
	settings Settings
	hosts    map[string]*hostState
	sem      chan struct{} // swapped wholesale by UpdateSettings

	client *http.Client
	logger *slog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	randf  func() float64
}

// New constructs a Throttler. insecureTLS skips certificate verification,
// which BMC self-signed certificates generally require.
func New(settings Settings, insecureTLS bool, logger *slog.Logger) *Throttler {
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = DefaultMaxConcurrent
	}
	if settings.RequestDelay < 0 {
		settings.RequestDelay = DefaultRequestDelay
	}
	if settings.CircuitThreshold <= 0 {
		settings.CircuitThreshold = DefaultCircuitThreshold
	}
	if settings.CircuitTimeout <= 0 {
		settings.CircuitTimeout = DefaultCircuitTimeout
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecureTLS,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return &Throttler{
		settings: settings,
		hosts:    make(map[string]*hostState),
		sem:      make(chan struct{}, settings.MaxConcurrent),
		client:   &http.Client{Timeout: 90 * time.Second, Transport: transport},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
		randf:    rand.Float64,
	}
}

// Do performs one throttled BMC request. Contract order: breaker check
// (no lock), per-host lock, rate-limit spacing, global slot, then up to
// three attempts with backoff on transport errors only. HTTP error
// statuses are returned to the caller, not retried.
func (t *Throttler) Do(ctx context.Context, host string, req Request) (*Response, time.Duration, error) {
	hs := t.hostState(host)

	if until, open := t.circuitOpenUntil(hs); open {
		return nil, 0, fmt.Errorf("%w: host %s until %s", ErrCircuitOpen, host, until.Format(time.RFC3339))
	}

	// Per-host mutex: same-host calls are strictly serial process-wide.
	select {
	case hs.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	defer func() { <-hs.lock }()

	// Minimum spacing since the last completed request to this host.
	if wait := t.spacingWait(hs); wait > 0 {
		if err := t.sleep(ctx, wait); err != nil {
			return nil, 0, err
		}
	}

	// Global cap. Snapshot the semaphore so a concurrent UpdateSettings
	// swap releases this slot into the channel it was taken from.
	t.mu.Lock()
	sem := t.sem
	t.mu.Unlock()
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	defer func() { <-sem }()

	start := t.now()
	resp, err := t.attempt(ctx, host, req)
	elapsed := t.now().Sub(start)

	hs.mu.Lock()
	hs.lastDone = t.now()
	hs.mu.Unlock()

	if err != nil {
		t.recordFailure(host, hs)
		return nil, elapsed, err
	}
	if resp.StatusCode >= 400 {
		// 401/403 count toward lockout risk like any other failure.
		t.recordFailure(host, hs)
	} else {
		t.recordSuccess(host, hs)
	}
	return resp, elapsed, nil
}

func (t *Throttler) attempt(ctx context.Context, host string, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := t.roundTrip(ctx, host, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < maxAttempts {
			metrics.IncBMCRetry(req.Op)
			backoff := t.backoff(attempt)
			if t.logger != nil {
				t.logger.DebugContext(ctx, "bmc retry",
					"op", req.Op, "host", host, "attempt", attempt, "sleep", backoff, "err", err.Error())
			}
			if serr := t.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

func (t *Throttler) roundTrip(ctx context.Context, host string, req Request) (*Response, error) {
	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var rdr io.Reader
	if len(req.Body) > 0 {
		rdr = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := t.now()
	resp, err := t.client.Do(httpReq)
	dur := t.now().Sub(start)
	if err != nil {
		metrics.ObserveBMCRequest(req.Op, host, -1, dur)
		return nil, err
	}
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	_ = resp.Body.Close()
	metrics.ObserveBMCRequest(req.Op, host, resp.StatusCode, dur)
	if readErr != nil {
		return nil, fmt.Errorf("read body: %w", readErr)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// backoff sleeps min(2^attempt, 60)s plus uniform(0, 0.3*2^attempt)s.
func (t *Throttler) backoff(attempt int) time.Duration {
	exp := float64(uint(1) << uint(attempt))
	base := exp
	if base > backoffCapSecs {
		base = backoffCapSecs
	}
	jitter := t.randf() * jitterFrac * exp
	return time.Duration((base + jitter) * float64(time.Second))
}

// Ping performs a single lightweight unauthenticated-tolerant GET against
// the host's service root with a short timeout, feeding the breaker.
// Preflight uses it to separate dead BMCs from slow ones.
func (t *Throttler) Ping(ctx context.Context, host, username, password string) error {
	hs := t.hostState(host)
	if until, open := t.circuitOpenUntil(hs); open {
		return fmt.Errorf("%w: host %s until %s", ErrCircuitOpen, host, until.Format(time.RFC3339))
	}

	header := http.Header{}
	if username != "" {
		req, _ := http.NewRequest(http.MethodGet, "https://"+host, nil)
		req.SetBasicAuth(username, password)
		header = req.Header
	}
	resp, err := t.roundTrip(ctx, host, Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("https://%s/redfish/v1/", host),
		Header:  header,
		Timeout: 5 * time.Second,
		Op:      metrics.OpPing,
	})
	if err != nil {
		t.recordFailure(host, hs)
		return err
	}
	if resp.StatusCode >= 500 {
		t.recordFailure(host, hs)
		return fmt.Errorf("ping %s: status %d", host, resp.StatusCode)
	}
	t.recordSuccess(host, hs)
	return nil
}

// RecordSuccess feeds the breaker from callers making their own calls.
func (t *Throttler) RecordSuccess(host string) {
	t.recordSuccess(host, t.hostState(host))
}

// RecordFailure feeds the breaker from callers making their own calls.
// status is informational; any call counts as one consecutive failure.
func (t *Throttler) RecordFailure(host string, status int) {
	_ = status
	t.recordFailure(host, t.hostState(host))
}

// UpdateSettings atomically swaps the concurrency cap and request
// spacing. In-flight calls release into the semaphore they acquired
// from, so the new cap becomes authoritative once they drain.
func (t *Throttler) UpdateSettings(maxConcurrent int, requestDelay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxConcurrent > 0 && maxConcurrent != t.settings.MaxConcurrent {
		t.settings.MaxConcurrent = maxConcurrent
		t.sem = make(chan struct{}, maxConcurrent)
	}
	if requestDelay >= 0 {
		t.settings.RequestDelay = requestDelay
	}
}

// CircuitOpen reports whether the host's breaker is currently open.
func (t *Throttler) CircuitOpen(host string) bool {
	_, open := t.circuitOpenUntil(t.hostState(host))
	return open
}

// --------------- internals ---------------

func (t *Throttler) hostState(host string) *hostState {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs, ok := t.hosts[host]
	if !ok {
		hs = &hostState{lock: make(chan struct{}, 1)}
		t.hosts[host] = hs
	}
	return hs
}

func (t *Throttler) circuitOpenUntil(hs *hostState) (time.Time, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if !hs.openTill.IsZero() && t.now().Before(hs.openTill) {
		return hs.openTill, true
	}
	return time.Time{}, false
}

func (t *Throttler) spacingWait(hs *hostState) time.Duration {
	t.mu.Lock()
	delay := t.settings.RequestDelay
	t.mu.Unlock()

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.lastDone.IsZero() || delay <= 0 {
		return 0
	}
	elapsed := t.now().Sub(hs.lastDone)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}

func (t *Throttler) recordSuccess(host string, hs *hostState) {
	hs.mu.Lock()
	hs.failures = 0
	hs.openTill = time.Time{}
	hs.mu.Unlock()
	metrics.SetCircuitState(host, false)
}

func (t *Throttler) recordFailure(host string, hs *hostState) {
	t.mu.Lock()
	threshold := t.settings.CircuitThreshold
	timeout := t.settings.CircuitTimeout
	t.mu.Unlock()

	hs.mu.Lock()
	hs.failures++
	opened := false
	if hs.failures >= threshold && !t.now().Before(hs.openTill) {
		hs.openTill = t.now().Add(timeout)
		opened = true
	}
	failures := hs.failures
	hs.mu.Unlock()

	if opened {
		metrics.SetCircuitState(host, true)
		if t.logger != nil {
			t.logger.Warn("circuit opened", "host", host, "consecutive_failures", failures, "timeout", timeout)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
