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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"reef/internal/bmc"
	"reef/pkg/models"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts := ParseOptions(models.Details{})

	assert.True(t, opts.BackupSCP)
	assert.False(t, opts.ParallelBackups)
	assert.Equal(t, 3, opts.MaxParallelBackups)
	assert.False(t, opts.ContinueOnFailure)
	assert.Equal(t, 30*time.Minute, opts.MaintenanceTimeout)
	assert.False(t, opts.AutoPowerOffEnabled)
	assert.Equal(t, StrategyNonMigratable, opts.PowerOffStrategy)
	assert.Equal(t, SourceDellOnlineCatalog, opts.FirmwareSource)
	assert.Equal(t, "https://downloads.dell.com/catalog/Catalog.xml.gz", opts.CatalogURL)
	assert.Equal(t, 2, opts.MaxCatalogPasses)
	assert.Equal(t, 15*time.Minute, opts.StallTimeout)
	assert.Equal(t, 2, opts.MaxStallRetries)
	assert.Equal(t, bmc.RecoverReboot, opts.StallRecoveryAction)
	assert.True(t, opts.ClearStaleJobsBeforeUpdate)
	assert.Equal(t, 24*time.Hour, opts.StaleJobMaxAge)
	assert.True(t, opts.RebalanceWaitEnabled)
	assert.Equal(t, 7*time.Minute, opts.RebalanceWaitTimeout)
	assert.Equal(t, 45*time.Second, opts.RebalanceQuietPeriod)
	assert.True(t, opts.CheckUpdatesInPreflight)
	assert.Empty(t, opts.SkippedHosts)
}

func TestParseOptionsOverridesAndClamps(t *testing.T) {
	opts := ParseOptions(models.Details{
		"backup_scp":            false,
		"continue_on_failure":   true,
		"maintenance_timeout":   600,
		"power_off_strategy":    "bogus",
		"firmware_source":       "usb_stick",
		"stall_recovery_action": "panic",
		"max_catalog_passes":    0,
		"max_parallel_backups":  -2,
		"skipped_hosts":         []string{"a"},
		"skip_host":             "b",
	})

	assert.False(t, opts.BackupSCP)
	assert.True(t, opts.ContinueOnFailure)
	assert.Equal(t, 10*time.Minute, opts.MaintenanceTimeout)
	assert.Equal(t, StrategyNonMigratable, opts.PowerOffStrategy, "invalid strategy falls back")
	assert.Equal(t, SourceDellOnlineCatalog, opts.FirmwareSource, "invalid source falls back")
	assert.Equal(t, bmc.RecoverReboot, opts.StallRecoveryAction, "invalid recovery falls back")
	assert.Equal(t, 1, opts.MaxCatalogPasses)
	assert.Equal(t, 1, opts.MaxParallelBackups)
	assert.Equal(t, []string{"a", "b"}, opts.SkippedHosts)
}

func TestSkipsHostMatchesIDNameAndHypervisor(t *testing.T) {
	h := &models.TargetHost{
		ID:         "srv-1",
		Name:       "r740-rack2",
		Hypervisor: &models.HypervisorRef{HostName: "esx-02.lab"},
	}

	assert.True(t, Options{SkippedHosts: []string{"srv-1"}}.SkipsHost(h))
	assert.True(t, Options{SkippedHosts: []string{"r740-rack2"}}.SkipsHost(h))
	assert.True(t, Options{SkippedHosts: []string{"esx-02.lab"}}.SkipsHost(h))
	assert.False(t, Options{SkippedHosts: []string{"other"}}.SkipsHost(h))
}

func TestResolutionForKeyedByIDOrHypervisorName(t *testing.T) {
	h := &models.TargetHost{
		ID:         "srv-1",
		Hypervisor: &models.HypervisorRef{HostName: "esx-02.lab"},
	}
	d := models.Details{
		"maintenance_blocker_resolutions": map[string]any{
			"esx-02.lab": map[string]any{
				"power_off_vms": []string{"pinned-vm"},
				"skip_host":     false,
			},
		},
	}

	r := resolutionFor(d, h)
	assert.Equal(t, []string{"pinned-vm"}, r.PowerOffVMs)
	assert.False(t, r.SkipHost)

	assert.Empty(t, resolutionFor(models.Details{}, h).PowerOffVMs)
}

func TestUnresolvedBlockersFiltering(t *testing.T) {
	o := &Orchestrator{
		job:  testJob(nil),
		opts: ParseOptions(models.Details{"auto_power_off_enabled": true}),
	}
	h := &models.TargetHost{ID: "srv-1", Hypervisor: &models.HypervisorRef{HostName: "esx-01"}}

	blockers := []models.MaintenanceBlocker{
		{VMName: "warn-only", Reason: models.BlockerOther, Severity: models.SeverityWarning},
		{VMName: "vcenter", Reason: models.BlockerControlPlane, Severity: models.SeverityCritical},
		{VMName: "gpu-vm", Reason: models.BlockerVGPU, Severity: models.SeverityCritical, AutoRemediable: true},
		{VMName: "stuck-vm", Reason: models.BlockerPassthrough, Severity: models.SeverityCritical},
	}

	remaining := o.unresolvedBlockers(h, blockers)
	// warning severity, control-plane (handled by ordering), and the
	// auto-remediable non-migratable VM are all covered; only the
	// non-remediable passthrough VM remains.
	assert.Len(t, remaining, 1)
	assert.Equal(t, "stuck-vm", remaining[0].VMName)
}
