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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	bmcRequests        *prometheus.CounterVec
	bmcRequestDuration *prometheus.HistogramVec
	bmcRetries         *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	phaseDuration      *prometheus.HistogramVec
	jobsByStatus       *prometheus.GaugeVec
)

// Operation labels for BMC calls and orchestrator phases.
const (
	OpSessionCreate   = "session.create"
	OpSessionDelete   = "session.delete"
	OpPing            = "ping"
	OpFirmwareInv     = "firmware.inventory"
	OpCatalogCheck    = "catalog.check_updates"
	OpCatalogUpdate   = "catalog.update"
	OpSimpleUpdate    = "simple.update"
	OpTaskPoll        = "task.poll"
	OpJobPoll         = "job.poll"
	OpJobQueueClear   = "job.queue_clear"
	OpPowerAction     = "power.action"
	OpPowerState      = "power.state"
	OpSCPExport       = "scp.export"
	OpPOSTState       = "post.state"

	PhasePreflight   = "preflight"
	PhaseHADisable   = "ha.disable"
	PhaseHAEnable    = "ha.enable"
	PhaseBlockerScan = "blocker.scan"
	PhaseBackup      = "scp.backup"
	PhaseMaintEnter  = "maintenance.enter"
	PhaseMaintExit   = "maintenance.exit"
	PhaseApply       = "firmware.apply"
	PhaseRebootWait  = "reboot.wait"
	PhaseVerify      = "firmware.verify"
	PhaseRebalance   = "rebalance.wait"
	PhaseCleanup     = "cleanup"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveBMCRequest records a completed BMC HTTP request attempt.
// code should be the HTTP status code; use negative values to indicate errors.
func ObserveBMCRequest(op, host string, code int, duration time.Duration) {
	labelOp := sanitizeLabel(op, "unknown")
	labelHost := sanitizeLabel(strings.ToLower(host), "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if bmcRequests != nil {
		bmcRequests.WithLabelValues(labelOp, status, labelHost).Inc()
	}
	if bmcRequestDuration != nil {
		bmcRequestDuration.WithLabelValues(labelOp).Observe(durationSeconds(duration))
	}
}

// IncBMCRetry increments the retry counter for a given BMC operation.
func IncBMCRetry(op string) {
	labelOp := sanitizeLabel(op, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if bmcRetries != nil {
		bmcRetries.WithLabelValues(labelOp).Inc()
	}
}

// SetCircuitState publishes the breaker state for a host (0 closed, 1 open).
func SetCircuitState(host string, open bool) {
	labelHost := sanitizeLabel(strings.ToLower(host), "unknown")
	val := 0.0
	if open {
		val = 1.0
	}

	mu.RLock()
	defer mu.RUnlock()
	if circuitState != nil {
		circuitState.WithLabelValues(labelHost).Set(val)
	}
}

// ObservePhase records the duration of an orchestrator phase.
func ObservePhase(phase string, duration time.Duration) {
	labelPhase := sanitizeLabel(phase, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if phaseDuration != nil {
		phaseDuration.WithLabelValues(labelPhase).Observe(durationSeconds(duration))
	}
}

// SetJobsByStatus publishes the number of jobs in a given status.
func SetJobsByStatus(status string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsByStatus != nil {
		jobsByStatus.WithLabelValues(sanitizeLabel(status, "unknown")).Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reef",
		Subsystem: "engine",
		Name:      "bmc_requests_total",
		Help:      "Total BMC HTTP requests grouped by operation, status code, and host.",
	}, []string{"op", "code", "host"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reef",
		Subsystem: "engine",
		Name:      "bmc_request_duration_seconds",
		Help:      "Duration of BMC HTTP requests by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reef",
		Subsystem: "engine",
		Name:      "bmc_retries_total",
		Help:      "Total number of BMC request retries by operation.",
	}, []string{"op"})

	circuit := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reef",
		Subsystem: "engine",
		Name:      "bmc_circuit_open",
		Help:      "Whether the per-host circuit breaker is open (1) or closed (0).",
	}, []string{"host"})

	phaseHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reef",
		Subsystem: "engine",
		Name:      "workflow_phase_duration_seconds",
		Help:      "Duration of rolling-update workflow phases.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"phase"})

	jobs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reef",
		Subsystem: "engine",
		Name:      "jobs",
		Help:      "Number of jobs by status.",
	}, []string{"status"})

	registry.MustRegister(reqTotal, reqDuration, retries, circuit, phaseHist, jobs)

	reg = registry
	bmcRequests = reqTotal
	bmcRequestDuration = reqDuration
	bmcRetries = retries
	circuitState = circuit
	phaseDuration = phaseHist
	jobsByStatus = jobs
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
