package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// APIError is a non-2xx response from the Proxmox API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client is an HTTP client for one Proxmox VE endpoint. It authenticates
// with an API token when one is configured, otherwise with a ticket
// obtained from username/password and memoized for the session TTL.
type Client struct {
	baseURL     string
	username    string
	password    string
	realm       string
	tokenID     string
	tokenSecret string
	httpClient  *http.Client
	sessionTTL  time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	session   *Session
	sessionAt time.Time
}

// NewClient creates a client for host. timeout bounds each HTTP request.
func NewClient(host store.HostConfig, timeout, sessionTTL time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	realm := host.Realm
	if realm == "" {
		realm = "pam"
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !host.VerifySSL,
		},
	}
	return &Client{
		baseURL:     strings.TrimRight(host.BaseURL, "/"),
		username:    host.Username,
		password:    host.Password,
		realm:       realm,
		tokenID:     host.TokenID,
		tokenSecret: host.TokenSecret,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		sessionTTL: sessionTTL,
		logger:     logger.With("host_id", host.ID),
		now:        time.Now,
	}
}

// Authenticate returns the cached ticket session, logging in again when
// it is missing or older than the session TTL.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.now().Sub(c.sessionAt) < c.sessionTTL {
		return c.session, nil
	}

	user := c.username
	if !strings.Contains(user, "@") {
		user = user + "@" + c.realm
	}
	form := url.Values{"username": {user}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api2/json/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := c.send(req, "/access/ticket")
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", user, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal ticket: %w", err)
	}
	if sess.Ticket == "" {
		return nil, fmt.Errorf("authenticate %s: no ticket returned", user)
	}

	c.session = &sess
	c.sessionAt = c.now()
	c.logger.Debug("proxmox session established", "user", user)
	return c.session, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// do executes a request and unwraps the data envelope. A 401 on ticket
// auth drops the cached session and retries once.
func (c *Client) do(ctx context.Context, method, path string, body url.Values) (json.RawMessage, error) {
	data, err := c.doOnce(ctx, method, path, body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && c.tokenID == "" {
		c.invalidate()
		data, err = c.doOnce(ctx, method, path, body)
	}
	return data, err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body url.Values) (json.RawMessage, error) {
	apiURL := fmt.Sprintf("%s/api2/json%s", c.baseURL, path)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = strings.NewReader(body.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if c.tokenID != "" {
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.tokenID, c.tokenSecret))
	} else {
		sess, err := c.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: sess.Ticket})
		if method != http.MethodGet {
			req.Header.Set("CSRFPreventionToken", sess.CSRFToken)
		}
	}

	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return envelope.Data, nil
}

func unmarshalUPID(data json.RawMessage) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	var upid string
	if err := json.Unmarshal(data, &upid); err != nil {
		return "", fmt.Errorf("unmarshal UPID: %w", err)
	}
	return upid, nil
}

// NextVMID asks the cluster for a free VMID.
func (c *Client) NextVMID(ctx context.Context) (int, error) {
	data, err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil)
	if err != nil {
		return 0, err
	}
	// Returned as a JSON string on most versions, a number on some.
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("unmarshal next VMID: %w", err)
	}
	switch v := raw.(type) {
	case string:
		id, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse next VMID %q: %w", v, err)
		}
		return id, nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("unexpected next VMID payload: %s", string(data))
}

// ListVMs returns all QEMU VMs on node.
func (c *Client) ListVMs(ctx context.Context, node string) ([]VMListEntry, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu", node), nil)
	if err != nil {
		return nil, err
	}
	var vms []VMListEntry
	if err := json.Unmarshal(data, &vms); err != nil {
		return nil, fmt.Errorf("unmarshal VM list: %w", err)
	}
	return vms, nil
}

// GetVMStatus returns the current status of a VM.
func (c *Client) GetVMStatus(ctx context.Context, node string, vmid int) (*VMStatus, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", node, vmid), nil)
	if err != nil {
		return nil, err
	}
	var status VMStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal VM status: %w", err)
	}
	return &status, nil
}

// GetVMConfig returns the VM configuration with every value rendered as a string.
func (c *Client) GetVMConfig(ctx context.Context, node string, vmid int) (map[string]string, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), nil)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal VM config: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, nil
}

// CloneVM clones template into newVMID. Returns the UPID of the clone task.
func (c *Client) CloneVM(ctx context.Context, node string, template, newVMID int, name string, full bool, storage string) (string, error) {
	params := url.Values{
		"newid": {strconv.Itoa(newVMID)},
		"name":  {name},
	}
	if full {
		params.Set("full", "1")
		if storage != "" {
			params.Set("storage", storage)
		}
	}
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/clone", node, template), params)
	if err != nil {
		return "", err
	}
	return unmarshalUPID(data)
}

// SetVMConfig updates VM configuration parameters synchronously.
func (c *Client) SetVMConfig(ctx context.Context, node string, vmid int, params url.Values) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), params)
	return err
}

// ResizeDisk grows disk by size, e.g. "+10G".
func (c *Client) ResizeDisk(ctx context.Context, node string, vmid int, disk, size string) error {
	params := url.Values{"disk": {disk}, "size": {size}}
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/resize", node, vmid), params)
	return err
}

// StatusAction posts a power action (start, stop, reboot, reset, shutdown,
// suspend, resume). Returns the UPID.
func (c *Client) StatusAction(ctx context.Context, node string, vmid int, action string) (string, error) {
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", node, vmid, action), url.Values{})
	if err != nil {
		return "", err
	}
	return unmarshalUPID(data)
}

// DeleteVM deletes a VM and all its resources. Returns the UPID.
func (c *Client) DeleteVM(ctx context.Context, node string, vmid int) (string, error) {
	params := url.Values{
		"purge":                      {"1"},
		"destroy-unreferenced-disks": {"1"},
	}
	data, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%s/qemu/%d?%s", node, vmid, params.Encode()), nil)
	if err != nil {
		return "", err
	}
	return unmarshalUPID(data)
}

// SetGuestPassword sets a guest account password through the QEMU agent.
func (c *Client) SetGuestPassword(ctx context.Context, node string, vmid int, username, password string) error {
	params := url.Values{"username": {username}, "password": {password}}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/agent/set-user-password", node, vmid), params)
	return err
}

// GetGuestAgentInterfaces returns network interfaces via the QEMU guest agent.
func (c *Client) GetGuestAgentInterfaces(ctx context.Context, node string, vmid int) ([]NetworkInterface, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/agent/network-get-interfaces", node, vmid), nil)
	if err != nil {
		return nil, err
	}

	// Proxmox wraps the result in a "result" field
	var result struct {
		Result []NetworkInterface `json:"result"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		var ifaces []NetworkInterface
		if err2 := json.Unmarshal(data, &ifaces); err2 != nil {
			return nil, fmt.Errorf("unmarshal interfaces: %w", err)
		}
		return ifaces, nil
	}
	return result.Result, nil
}

// GetTaskStatus returns the status of a task by UPID.
func (c *Client) GetTaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid)), nil)
	if err != nil {
		return nil, err
	}
	var status TaskStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal task status: %w", err)
	}
	return &status, nil
}

// WaitForTask polls a task until it completes or the context ends.
func (c *Client) WaitForTask(ctx context.Context, node, upid string, interval time.Duration) error {
	if upid == "" {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := c.GetTaskStatus(ctx, node, upid)
			if err != nil {
				return fmt.Errorf("check task status: %w", err)
			}
			if status.Status == "stopped" {
				if status.ExitStatus != "OK" {
					return fmt.Errorf("task %s failed with status: %s", upid, status.ExitStatus)
				}
				return nil
			}
		}
	}
}
