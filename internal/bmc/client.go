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

// Package bmc is a thin typed facade over the Dell Redfish surface:
// sessions, firmware inventory, catalog and direct updates, task/job
// polling with stall recovery, power actions, SCP export, POST state.
// Every request funnels through the shared throttler; endpoint paths
// come from the fixed whitelist in endpoints.go.
package bmc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reef/internal/metrics"
	"reef/internal/throttle"
	"reef/pkg/crypto"
	"reef/pkg/models"
)

// hintedRetryMax bounds how often an operation follows a BMC-provided
// wait hint (RAC0508 and friends) before giving up.
const hintedRetryMax = 3

// ApplyTime selects when a SimpleUpdate takes effect.
type ApplyTime string

const (
	ApplyImmediate ApplyTime = "Immediate"
	ApplyOnReset   ApplyTime = "OnReset"
)

// SCPTarget selects which configuration sections an export covers.
type SCPTarget string

const (
	SCPTargetAll   SCPTarget = "ALL"
	SCPTargetBIOS  SCPTarget = "BIOS"
	SCPTargetRAID  SCPTarget = "RAID"
	SCPTargetNIC   SCPTarget = "NIC"
	SCPTargetIDRAC SCPTarget = "IDRAC"
)

// Doer is the throttled transport the client sends every request
// through. *throttle.Throttler satisfies it.
type Doer interface {
	Do(ctx context.Context, host string, req throttle.Request) (*throttle.Response, time.Duration, error)
}

// Client is a typed Redfish client bound to one BMC endpoint. It is not
// safe for concurrent use; the orchestrator talks to each host from a
// single goroutine and the throttler serializes the wire anyway.
type Client struct {
	endpoint models.BMCEndpoint
	doer     Doer
	logger   *slog.Logger

	token       string
	sessionPath string

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// New binds a client to one BMC endpoint. Address may be a bare host,
// host:port, or a full https URL.
func New(endpoint models.BMCEndpoint, doer Doer, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		doer:     doer,
		logger:   logger,
		sleep:    sleepContext,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Host returns the throttler key for this endpoint.
func (c *Client) Host() string {
	addr := c.endpoint.Address
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimPrefix(addr, "http://")
	return strings.TrimSuffix(addr, "/")
}

func (c *Client) buildURL(rel string) string {
	return "https://" + c.Host() + "/" + strings.TrimPrefix(rel, "/")
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.token != "" {
		h.Set("X-Auth-Token", c.token)
		return h
	}
	if c.endpoint.Username != "" || c.endpoint.Password != "" {
		raw := c.endpoint.Username + ":" + c.endpoint.Password
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}
	return h
}

func (c *Client) logf(ctx context.Context, msg string, args ...any) {
	if c.logger != nil {
		c.logger.DebugContext(ctx, msg, append([]any{"bmc", c.Host()}, args...)...)
	}
}

// -------------------- sessions --------------------

// CreateSession logs in and stores the X-Auth-Token for subsequent
// calls. Preflight uses create-then-delete as its connectivity probe.
func (c *Client) CreateSession(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"UserName": c.endpoint.Username,
		"Password": c.endpoint.Password,
	})
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Content-Type", "application/json")

	resp, _, err := c.doer.Do(ctx, c.Host(), throttle.Request{
		Method: http.MethodPost,
		URL:    c.buildURL(pathSessions),
		Header: header,
		Body:   body,
		Op:     metrics.OpSessionCreate,
	})
	if err != nil {
		return c.wrapTransport("create session", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapResponseError(resp.StatusCode, resp.Body)
	}
	c.token = resp.Header.Get("X-Auth-Token")
	if c.token == "" {
		return &AdapterError{Code: CodeAuthFailed, Message: "session created but no X-Auth-Token returned", Status: resp.StatusCode}
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		if u, err := url.Parse(loc); err == nil && u.Path != "" {
			c.sessionPath = u.Path
		} else {
			c.sessionPath = loc
		}
	}
	c.logf(ctx, "session created", "user", c.endpoint.Username, "password", crypto.RedactPassword(c.endpoint.Password))
	return nil
}

// DeleteSession tears down the session. Best-effort; safe to call when
// no session exists.
func (c *Client) DeleteSession(ctx context.Context) error {
	if c.sessionPath == "" || c.token == "" {
		return nil
	}
	resp, _, err := c.doer.Do(ctx, c.Host(), throttle.Request{
		Method: http.MethodDelete,
		URL:    c.buildURL(c.sessionPath),
		Header: c.authHeader(),
		Op:     metrics.OpSessionDelete,
	})
	c.token = ""
	c.sessionPath = ""
	if err != nil {
		return c.wrapTransport("delete session", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return mapResponseError(resp.StatusCode, resp.Body)
	}
	return nil
}

// Ping fetches the service root, verifying the BMC answers Redfish at
// all. Unlike CreateSession it does not consume an iDRAC session slot.
func (c *Client) Ping(ctx context.Context) error {
	var root struct {
		RedfishVersion string `json:"RedfishVersion"`
	}
	if err := c.getJSON(ctx, metrics.OpPing, pathServiceRoot, &root); err != nil {
		return fmt.Errorf("ping %s: %w", c.Host(), err)
	}
	return nil
}

// -------------------- inventory and updates --------------------

// FirmwareInventory lists installed firmware components.
func (c *Client) FirmwareInventory(ctx context.Context) ([]models.FirmwareComponent, error) {
	var expanded struct {
		Members []struct {
			OdataID    string `json:"@odata.id"`
			Name       string `json:"Name"`
			Version    string `json:"Version"`
			Updateable bool   `json:"Updateable"`
			SoftwareID string `json:"SoftwareId"`
		} `json:"Members"`
	}
	if err := c.getJSON(ctx, metrics.OpFirmwareInv, pathFirmwareInv+"?$expand=*($levels=1)", &expanded); err != nil {
		return nil, err
	}
	components := make([]models.FirmwareComponent, 0, len(expanded.Members))
	for _, m := range expanded.Members {
		// Only "Installed-" entries describe running firmware; "Previous-"
		// and "Available-" entries are rollback/staging artifacts.
		if m.Name == "" || (m.OdataID != "" && !strings.Contains(m.OdataID, "Installed")) {
			continue
		}
		components = append(components, models.FirmwareComponent{
			Name:          m.Name,
			Version:       m.Version,
			Updateable:    m.Updateable,
			ComponentType: componentTypeFor(m.Name, m.SoftwareID),
		})
	}
	if len(components) == 0 {
		return nil, &AdapterError{Code: CodeVersionDetection, Message: "firmware inventory returned no installed components"}
	}
	return components, nil
}

// CheckAvailableCatalogUpdates asks the BMC to compare its inventory
// against a repository catalog without applying anything.
func (c *Client) CheckAvailableCatalogUpdates(ctx context.Context, catalogURL string) ([]models.AvailableUpdate, error) {
	repo, err := splitRepoURL(catalogURL)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"IPAddress":  repo.host,
		"ShareType":  repo.shareType,
		"ShareName":  repo.path,
		"FileName":   repo.file,
		"ApplyUpdate": "False",
	}
	var out struct {
		PackageList string `json:"PackageList"`
	}
	if err := c.postAction(ctx, metrics.OpCatalogCheck, pathRepoUpdateList, payload, &out); err != nil {
		var aerr *AdapterError
		// iDRAC reports an empty comparison as an error message rather
		// than an empty list.
		if errors.As(err, &aerr) && containsNoApplicable(aerr.Message) {
			return nil, nil
		}
		return nil, err
	}
	return parsePackageList(out.PackageList)
}

// InitiateCatalogUpdate starts a repository-based update. The BMC
// stages internal jobs; it does not reboot on its own. Returns the
// tracking job ID (JID) when the BMC provides one.
func (c *Client) InitiateCatalogUpdate(ctx context.Context, catalogURL string) (jobID string, err error) {
	repo, err := splitRepoURL(catalogURL)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"IPAddress":    repo.host,
		"ShareType":    repo.shareType,
		"ShareName":    repo.path,
		"FileName":     repo.file,
		"ApplyUpdate":  "True",
		"RebootNeeded": false,
	}
	resp, err := c.postActionRaw(ctx, metrics.OpCatalogUpdate, pathInstallFromRepo, payload)
	if err != nil {
		return "", err
	}
	jobID = jobIDFromLocation(resp.Header.Get("Location"))
	if jobID == "" {
		return "", &AdapterError{Code: CodeNoJobID, Message: "InstallFromRepository accepted but returned no job ID", Status: resp.StatusCode}
	}
	c.logf(ctx, "catalog update initiated", "job_id", jobID)
	return jobID, nil
}

// InitiateSimpleUpdate pushes a single firmware image URI.
func (c *Client) InitiateSimpleUpdate(ctx context.Context, firmwareURI string, applyTime ApplyTime) (taskURI string, err error) {
	payload := map[string]any{
		"ImageURI": firmwareURI,
		"@Redfish.OperationApplyTime": string(applyTime),
	}
	resp, err := c.postActionRaw(ctx, metrics.OpSimpleUpdate, pathSimpleUpdate, payload)
	if err != nil {
		return "", err
	}
	taskURI = resp.Header.Get("Location")
	if taskURI == "" {
		var body struct {
			TaskURI string `json:"@odata.id"`
		}
		if json.Unmarshal(resp.Body, &body) == nil {
			taskURI = body.TaskURI
		}
	}
	if taskURI == "" {
		return "", &AdapterError{Code: CodeNoTaskURI, Message: "SimpleUpdate accepted but returned no task URI", Status: resp.StatusCode}
	}
	c.logf(ctx, "simple update initiated", "task_uri", taskURI, "apply_time", string(applyTime))
	return taskURI, nil
}

// -------------------- power --------------------

// GracefulReboot requests an OS-cooperative restart, falling back to a
// forced restart when the BMC rejects the graceful form.
func (c *Client) GracefulReboot(ctx context.Context) error {
	err := c.reset(ctx, "GracefulRestart")
	if err == nil {
		return nil
	}
	c.logf(ctx, "graceful restart failed, forcing", "err", err.Error())
	return c.reset(ctx, "ForceRestart")
}

// PowerOn powers the system on. A 409 means it already is.
func (c *Client) PowerOn(ctx context.Context) error {
	err := c.reset(ctx, "On")
	var aerr *AdapterError
	if errors.As(err, &aerr) && aerr.Status == http.StatusConflict {
		return nil
	}
	return err
}

// GracefulShutdown requests an OS-cooperative power-off.
func (c *Client) GracefulShutdown(ctx context.Context) error {
	return c.reset(ctx, "GracefulShutdown")
}

func (c *Client) reset(ctx context.Context, resetType string) error {
	return c.postAction(ctx, metrics.OpPowerAction, pathSystemReset, map[string]any{"ResetType": resetType}, nil)
}

// PowerState reads the system's current power state.
func (c *Client) PowerState(ctx context.Context) (string, error) {
	var sys struct {
		PowerState string `json:"PowerState"`
	}
	if err := c.getJSON(ctx, metrics.OpPowerState, pathSystem, &sys); err != nil {
		return "", err
	}
	return sys.PowerState, nil
}

// -------------------- SCP and POST state --------------------

// ExportSCP exports the server configuration profile for the given
// target sections and returns the raw document.
func (c *Client) ExportSCP(ctx context.Context, target SCPTarget) ([]byte, error) {
	payload := map[string]any{
		"ExportFormat": "JSON",
		"ShareParameters": map[string]any{
			"Target": string(target),
		},
	}
	resp, err := c.postActionRaw(ctx, metrics.OpSCPExport, pathExportSCP, payload)
	if err != nil {
		return nil, err
	}
	taskURI := resp.Header.Get("Location")
	if taskURI == "" {
		return nil, &AdapterError{Code: CodeNoTaskURI, Message: "SCP export accepted but returned no task URI", Status: resp.StatusCode}
	}
	task, err := c.WaitForTask(ctx, taskURI, 10*time.Minute, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if len(task.Raw) == 0 {
		return nil, &AdapterError{Code: CodeTaskFailed, Message: "SCP export task completed with empty body"}
	}
	return task.Raw, nil
}

// POSTState reports whether the server has finished BIOS POST, using
// the Lifecycle Controller status action.
func (c *Client) POSTState(ctx context.Context) (serverStatus string, lcReady bool, err error) {
	var out struct {
		LCStatus     string `json:"LCStatus"`
		ServerStatus string `json:"ServerStatus"`
		Status       string `json:"Status"`
	}
	if err := c.postAction(ctx, metrics.OpPOSTState, pathLCStatus, map[string]any{}, &out); err != nil {
		return "", false, err
	}
	return out.ServerStatus, strings.EqualFold(out.LCStatus, "Ready"), nil
}

// -------------------- inferred updates --------------------

// InferPeerUpdates propagates an update observed on one host to peers
// carrying an older version of the same component family. The results
// are advisory only: Inferred entries are never grounds for an apply,
// they exist so operators see likely-outdated peers in one view.
func InferPeerUpdates(seen []models.AvailableUpdate, peerInventory []models.FirmwareComponent) []models.AvailableUpdate {
	inferred := make([]models.AvailableUpdate, 0)
	for _, upd := range seen {
		family := componentFamily(upd.Name)
		if family == "" {
			continue
		}
		for _, comp := range peerInventory {
			if componentFamily(comp.Name) != family {
				continue
			}
			if comp.Version == upd.AvailableVersion {
				continue
			}
			inferred = append(inferred, models.AvailableUpdate{
				Name:             comp.Name,
				AvailableVersion: upd.AvailableVersion,
				CurrentVersion:   comp.Version,
				Criticality:      upd.Criticality,
				RebootRequired:   upd.RebootRequired,
				Inferred:         true,
			})
		}
	}
	return inferred
}

// componentFamily normalizes a component name to a comparison key,
// dropping slot/instance suffixes ("NIC in Slot 3 Port 1" → "nic").
func componentFamily(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "bios"):
		return "bios"
	case strings.Contains(n, "idrac") || strings.Contains(n, "integrated remote access"):
		return "idrac"
	case strings.Contains(n, "nic") || strings.Contains(n, "ethernet"):
		return "nic"
	case strings.Contains(n, "perc") || strings.Contains(n, "raid"):
		return "raid"
	case strings.Contains(n, "power supply") || strings.Contains(n, "psu"):
		return "psu"
	default:
		return ""
	}
}

func componentTypeFor(name, softwareID string) string {
	if f := componentFamily(name); f != "" {
		return f
	}
	if softwareID != "" {
		return "other"
	}
	return ""
}

// -------------------- request plumbing --------------------

func (c *Client) getJSON(ctx context.Context, op, rel string, out any) error {
	resp, _, err := c.doer.Do(ctx, c.Host(), throttle.Request{
		Method: http.MethodGet,
		URL:    c.buildURL(rel),
		Header: c.authHeader(),
		Op:     op,
	})
	if err != nil {
		return c.wrapTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapResponseError(resp.StatusCode, resp.Body)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return &AdapterError{Code: CodeUnknown, Message: fmt.Sprintf("decode %s response: %v", op, err), Status: resp.StatusCode}
		}
	}
	return nil
}

// postAction posts a payload and decodes the response, following BMC
// wait hints for retryable codes up to hintedRetryMax times.
func (c *Client) postAction(ctx context.Context, op, rel string, payload map[string]any, out any) error {
	resp, err := c.postActionRaw(ctx, op, rel, payload)
	if err != nil {
		return err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return &AdapterError{Code: CodeUnknown, Message: fmt.Sprintf("decode %s response: %v", op, err), Status: resp.StatusCode}
		}
	}
	return nil
}

func (c *Client) postActionRaw(ctx context.Context, op, rel string, payload map[string]any) (*throttle.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &AdapterError{Code: CodeUnknown, Message: fmt.Sprintf("marshal %s payload: %v", op, err)}
	}
	header := c.authHeader()
	header.Set("Content-Type", "application/json")

	for attempt := 0; ; attempt++ {
		resp, _, err := c.doer.Do(ctx, c.Host(), throttle.Request{
			Method: http.MethodPost,
			URL:    c.buildURL(rel),
			Header: header,
			Body:   body,
			Op:     op,
		})
		if err != nil {
			return nil, c.wrapTransport(op, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		aerr := mapResponseError(resp.StatusCode, resp.Body)
		if !aerr.Retryable || attempt >= hintedRetryMax {
			return nil, aerr
		}
		wait := time.Duration(aerr.WaitHint) * time.Second
		if wait <= 0 {
			wait = 30 * time.Second
		}
		c.logf(ctx, "retrying after bmc wait hint", "op", op, "code", aerr.Code, "wait", wait)
		if serr := c.sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}
}

func (c *Client) wrapTransport(op string, err error) error {
	if errors.Is(err, throttle.ErrCircuitOpen) {
		return &AdapterError{Code: CodeCircuitOpen, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Code: CodeTimeout, Message: fmt.Sprintf("%s: %v", op, err), Retryable: true, WaitHint: 30}
	}
	return fmt.Errorf("bmc %s %s: %w", c.Host(), op, err)
}

// -------------------- catalog helpers --------------------

// noApplicableIndicators are the message fragments iDRAC uses to say a
// catalog comparison or install found nothing to do.
var noApplicableIndicators = []string{
	"no applicable update",
	"no updates available",
	"unable to find applicable",
	"nothing to update",
	"SUP029",
	"SUP046",
}

func containsNoApplicable(message string) bool {
	m := strings.ToLower(message)
	for _, ind := range noApplicableIndicators {
		if strings.Contains(m, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}

// ContainsNoApplicableUpdates reports whether a job/task message means
// the catalog had nothing for this host.
func ContainsNoApplicableUpdates(message string) bool {
	return containsNoApplicable(message)
}

type repoURL struct {
	host      string
	path      string
	file      string
	shareType string
}

// splitRepoURL breaks a catalog URL into the share fields the Dell
// repository actions expect.
func splitRepoURL(raw string) (repoURL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return repoURL{}, &AdapterError{Code: CodeCatalogUnreachable,
			Message: fmt.Sprintf("invalid catalog URL %q", raw), Retryable: false}
	}
	shareType := strings.ToUpper(u.Scheme)
	switch shareType {
	case "HTTP", "HTTPS", "NFS", "CIFS":
	default:
		return repoURL{}, &AdapterError{Code: CodeCatalogUnreachable,
			Message: fmt.Sprintf("unsupported catalog share scheme %q", u.Scheme), Retryable: false}
	}
	dir := u.Path
	file := "Catalog.xml"
	if i := strings.LastIndexByte(dir, '/'); i >= 0 && strings.Contains(dir[i+1:], ".") {
		file = dir[i+1:]
		dir = dir[:i]
	}
	return repoURL{host: u.Host, path: dir, file: file, shareType: shareType}, nil
}

// parsePackageList decodes the XML-ish package list GetRepoBasedUpdateList
// returns. The document is XML embedded in a JSON string; we extract the
// per-package PROPERTY values leniently rather than fully parsing WSMAN.
func parsePackageList(packageList string) ([]models.AvailableUpdate, error) {
	if strings.TrimSpace(packageList) == "" {
		return nil, nil
	}
	var updates []models.AvailableUpdate
	for _, chunk := range strings.Split(packageList, "</INSTANCENAME>") {
		name := wsmanProperty(chunk, "DisplayName")
		if name == "" {
			name = wsmanProperty(chunk, "PackageName")
		}
		if name == "" {
			continue
		}
		upd := models.AvailableUpdate{
			Name:             name,
			AvailableVersion: wsmanProperty(chunk, "PackageVersion"),
			CurrentVersion:   wsmanProperty(chunk, "ComponentInstalledVersion"),
			Criticality:      criticalityLabel(wsmanProperty(chunk, "Criticality")),
			RebootRequired:   strings.EqualFold(wsmanProperty(chunk, "RebootType"), "HOST"),
		}
		updates = append(updates, upd)
	}
	return updates, nil
}

// wsmanProperty pulls <PROPERTY NAME="x"...><VALUE>v</VALUE> out of a
// WSMAN instance fragment.
func wsmanProperty(chunk, name string) string {
	marker := `NAME="` + name + `"`
	i := strings.Index(chunk, marker)
	if i < 0 {
		return ""
	}
	rest := chunk[i:]
	open := strings.Index(rest, "<VALUE>")
	if open < 0 {
		return ""
	}
	rest = rest[open+len("<VALUE>"):]
	end := strings.Index(rest, "</VALUE>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func criticalityLabel(raw string) string {
	switch strings.TrimSpace(raw) {
	case "1":
		return "recommended"
	case "2":
		return "urgent"
	case "3":
		return "optional"
	default:
		return raw
	}
}

// jobIDFromLocation pulls the JID out of a job queue Location header.
func jobIDFromLocation(loc string) string {
	if loc == "" {
		return ""
	}
	seg := loc
	if i := strings.LastIndexByte(strings.TrimSuffix(seg, "/"), '/'); i >= 0 {
		seg = strings.TrimSuffix(seg, "/")[i+1:]
	}
	if strings.HasPrefix(seg, "JID_") || strings.HasPrefix(seg, "RID_") {
		return seg
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
