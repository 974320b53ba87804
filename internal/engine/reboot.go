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
	"context"
	"fmt"
	"net"

	"reef/internal/metrics"
	"reef/pkg/models"
)

// rebootAndWait reboots the host and waits for it to come back in two
// phases: first for the BMC to answer again (firmware flashes restart
// the BMC too), then for the hypervisor management stack on TCP/443.
// A hard cancel aborts between probes; graceful cancel is deliberately
// ignored here so a cancel can never strand a mid-flash host.
func (o *Orchestrator) rebootAndWait(ctx context.Context, h *models.TargetHost, client BMC, res *models.HostResult) error {
	step := o.rec.Begin(ctx, "Reboot and wait: "+h.Name)
	phaseStart := o.now()
	defer func() { metrics.ObservePhase(metrics.PhaseRebootWait, o.now().Sub(phaseStart)) }()

	if err := client.GracefulReboot(ctx); err != nil {
		step.Fail(ctx, err, nil)
		return err
	}

	// Let POST begin before probing; a BMC that answers instantly after
	// the reset just hasn't gone down yet.
	if err := o.sleep(ctx, o.postSleep); err != nil {
		return err
	}

	deadline := o.now().Add(o.rebootWaitCeiling)

	// Phase 1: the BMC itself. Session create/delete doubles as an auth
	// liveness check after an iDRAC firmware flash.
	for {
		if hard, _ := o.checkCancellation(ctx); hard {
			step.Skip(ctx, models.Details{"reason": "job cancelled"})
			return errJobCancelled
		}
		if err := client.CreateSession(ctx); err == nil {
			_ = client.DeleteSession(ctx)
			break
		}
		if o.now().After(deadline) {
			err := fmt.Errorf("BMC on %s unreachable %s after reboot", h.Name, o.rebootWaitCeiling)
			step.Fail(ctx, err, nil)
			return err
		}
		if err := o.sleep(ctx, o.bmcProbeInterval); err != nil {
			return err
		}
	}
	step.Update(ctx, models.Details{"bmc_reachable": true})

	// Phase 2: the hypervisor management interface. Bare hosts without a
	// hypervisor record are done once the BMC answers.
	if h.Hypervisor == nil || h.Hypervisor.ManagementIP == "" {
		step.Complete(ctx, nil)
		return nil
	}

	probeTimeout := defaultHypProbeTimeoutMin
	vcFallbackAt := o.now().Add(o.vcFallbackAfter)
	for {
		if hard, _ := o.checkCancellation(ctx); hard {
			step.Skip(ctx, models.Details{"reason": "job cancelled"})
			return errJobCancelled
		}
		if o.dial(ctx, net.JoinHostPort(h.Hypervisor.ManagementIP, "443"), probeTimeout) {
			break
		}
		if h.Hypervisor.FallbackIP != "" &&
			o.dial(ctx, net.JoinHostPort(h.Hypervisor.FallbackIP, "443"), probeTimeout) {
			break
		}
		// Direct probes can fail from the engine's network position even
		// when the host is fine; once enough time has passed, trust the
		// cluster manager's view instead.
		if o.now().After(vcFallbackAt) {
			if st, err := o.hyp.LiveHostStatus(ctx, h.Hypervisor.HostName); err == nil && st.Connected {
				res.VCenterFallback = true
				step.Update(ctx, models.Details{"vcenter_fallback_used": true})
				break
			}
		}
		if o.now().After(deadline) {
			err := fmt.Errorf("hypervisor on %s unreachable %s after reboot", h.Name, o.rebootWaitCeiling)
			step.Fail(ctx, err, nil)
			return err
		}
		if probeTimeout < defaultHypProbeTimeoutMax {
			probeTimeout = defaultHypProbeTimeoutMax
		}
		if err := o.sleep(ctx, o.bmcProbeInterval); err != nil {
			return err
		}
	}
	step.Complete(ctx, models.Details{"vcenter_fallback_used": res.VCenterFallback})
	return nil
}
