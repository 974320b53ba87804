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
	"time"

	"reef/internal/bmc"
	"reef/pkg/models"
)

// Firmware source modes.
const (
	SourceDellOnlineCatalog = "dell_online_catalog"
	SourceLocalRepository   = "local_repository"
	SourceManual            = "manual"
)

// Power-off strategies for auto-resolving maintenance blockers.
const (
	StrategyNonMigratable = "non_migratable"
	StrategyAll           = "all"
)

// Options is the typed view of the job-details keys the engine reads.
// Unknown keys are ignored; absent keys take defaults. The details map
// itself is preserved on write, so keys the engine does not know about
// survive round-trips.
type Options struct {
	BackupSCP          bool
	ParallelBackups    bool
	MaxParallelBackups int

	ContinueOnFailure  bool
	MaintenanceTimeout time.Duration

	AutoPowerOffEnabled  bool
	PowerOffStrategy     string
	AutoPowerOffPatterns []string

	ScheduledExecution       bool
	ScheduledAutoSkipBlocked bool

	FirmwareSource  string
	CatalogURL      string
	FirmwareURI     string
	ComponentFilter []string

	MaxCatalogPasses    int
	StallTimeout        time.Duration
	MaxStallRetries     int
	StallRecoveryAction bmc.RecoveryAction

	ClearStaleJobsBeforeUpdate bool
	StaleJobMaxAge             time.Duration

	RebalanceWaitEnabled bool
	RebalanceWaitTimeout time.Duration
	RebalanceQuietPeriod time.Duration

	CheckUpdatesInPreflight bool

	ResumeFromHost string
	SkippedHosts   []string
}

// ParseOptions reads the recognised configuration keys out of a job's
// details map, applying the documented defaults.
func ParseOptions(d models.Details) Options {
	opts := Options{
		BackupSCP:          d.Bool("backup_scp", true),
		ParallelBackups:    d.Bool("parallel_backups", false),
		MaxParallelBackups: d.Int("max_parallel_backups", 3),

		ContinueOnFailure:  d.Bool("continue_on_failure", false),
		MaintenanceTimeout: time.Duration(d.Int("maintenance_timeout", 1800)) * time.Second,

		AutoPowerOffEnabled:  d.Bool("auto_power_off_enabled", false),
		PowerOffStrategy:     d.String("power_off_strategy", StrategyNonMigratable),
		AutoPowerOffPatterns: d.StringSlice("auto_power_off_patterns"),

		ScheduledExecution:       d.Bool("scheduled_execution", false),
		ScheduledAutoSkipBlocked: d.Bool("scheduled_auto_skip_blocked_hosts", false),

		FirmwareSource:  d.String("firmware_source", SourceDellOnlineCatalog),
		CatalogURL:      d.String("dell_catalog_url", "https://downloads.dell.com/catalog/Catalog.xml.gz"),
		FirmwareURI:     d.String("firmware_uri", ""),
		ComponentFilter: d.StringSlice("component_filter"),

		MaxCatalogPasses:    d.Int("max_catalog_passes", 2),
		StallTimeout:        time.Duration(d.Int("stall_timeout_minutes", 15)) * time.Minute,
		MaxStallRetries:     d.Int("max_stall_retries", 2),
		StallRecoveryAction: bmc.RecoveryAction(d.String("stall_recovery_action", string(bmc.RecoverReboot))),

		ClearStaleJobsBeforeUpdate: d.Bool("clear_stale_jobs_before_update", true),
		StaleJobMaxAge:             time.Duration(d.Int("stale_job_max_age_hours", 24)) * time.Hour,

		RebalanceWaitEnabled: d.Bool("rebalance_wait_enabled", true),
		RebalanceWaitTimeout: time.Duration(d.Int("rebalance_wait_timeout", 420)) * time.Second,
		RebalanceQuietPeriod: time.Duration(d.Int("rebalance_quiet_period", 45)) * time.Second,

		CheckUpdatesInPreflight: d.Bool("check_updates_in_preflight", true),

		ResumeFromHost: d.String("resume_from_host", ""),
	}

	skipped := d.StringSlice("skipped_hosts")
	if one := d.String("skip_host", ""); one != "" {
		skipped = append(skipped, one)
	}
	opts.SkippedHosts = skipped

	switch opts.PowerOffStrategy {
	case StrategyNonMigratable, StrategyAll:
	default:
		opts.PowerOffStrategy = StrategyNonMigratable
	}
	switch opts.StallRecoveryAction {
	case bmc.RecoverReboot, bmc.RecoverClearQueue, bmc.RecoverNone:
	default:
		opts.StallRecoveryAction = bmc.RecoverReboot
	}
	switch opts.FirmwareSource {
	case SourceDellOnlineCatalog, SourceLocalRepository, SourceManual:
	default:
		opts.FirmwareSource = SourceDellOnlineCatalog
	}
	if opts.MaxParallelBackups < 1 {
		opts.MaxParallelBackups = 1
	}
	if opts.MaxCatalogPasses < 1 {
		opts.MaxCatalogPasses = 1
	}
	return opts
}

// SkipsHost reports whether a host appears on the operator skip list,
// matching either the host ID or the hypervisor host name.
func (o Options) SkipsHost(h *models.TargetHost) bool {
	for _, s := range o.SkippedHosts {
		if s == h.ID || s == h.Name {
			return true
		}
		if h.Hypervisor != nil && s == h.Hypervisor.HostName {
			return true
		}
	}
	return false
}

// blockerResolution is the operator's pre-supplied answer for one
// blocked host, carried in details under maintenance_blocker_resolutions.
type blockerResolution struct {
	PowerOffVMs []string
	SkipHost    bool
}

// resolutionFor pulls the per-host resolution out of the details map.
// The map is keyed by host ID or hypervisor host name.
func resolutionFor(d models.Details, h *models.TargetHost) blockerResolution {
	all := d.Map("maintenance_blocker_resolutions")
	if all == nil {
		return blockerResolution{}
	}
	entry := all.Map(h.ID)
	if entry == nil && h.Hypervisor != nil {
		entry = all.Map(h.Hypervisor.HostName)
	}
	if entry == nil {
		return blockerResolution{}
	}
	return blockerResolution{
		PowerOffVMs: entry.StringSlice("power_off_vms"),
		SkipHost:    entry.Bool("skip_host", false),
	}
}
