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

// Canonical Redfish endpoint paths for the Dell iDRAC surface this
// engine touches. Every request is built from one of these constants
// (plus a task/job URI returned by the BMC itself); any other path is a
// bug and shows up in static audit.
const (
	pathServiceRoot = "/redfish/v1/"
	pathSessions    = "/redfish/v1/SessionService/Sessions"

	pathSystem       = "/redfish/v1/Systems/System.Embedded.1"
	pathManager      = "/redfish/v1/Managers/iDRAC.Embedded.1"
	pathSystemReset  = "/redfish/v1/Systems/System.Embedded.1/Actions/ComputerSystem.Reset"
	pathFirmwareInv  = "/redfish/v1/UpdateService/FirmwareInventory"
	pathSimpleUpdate = "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate"

	pathManagerJobs = "/redfish/v1/Managers/iDRAC.Embedded.1/Oem/Dell/Jobs"

	// Dell OEM actions.
	pathRepoUpdateList = "/redfish/v1/Dell/Systems/System.Embedded.1/DellSoftwareInstallationService/Actions/DellSoftwareInstallationService.GetRepoBasedUpdateList"
	pathInstallFromRepo = "/redfish/v1/Dell/Systems/System.Embedded.1/DellSoftwareInstallationService/Actions/DellSoftwareInstallationService.InstallFromRepository"
	pathDeleteJobQueue  = "/redfish/v1/Dell/Managers/iDRAC.Embedded.1/DellJobService/Actions/DellJobService.DeleteJobQueue"
	pathExportSCP       = "/redfish/v1/Managers/iDRAC.Embedded.1/Actions/Oem/EID_674_Manager.ExportSystemConfiguration"
	pathLCStatus        = "/redfish/v1/Dell/Managers/iDRAC.Embedded.1/DellLCService/Actions/DellLCService.GetRemoteServicesAPIStatus"
)

func jobPath(jobID string) string {
	return pathManagerJobs + "/" + jobID
}
