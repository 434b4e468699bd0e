package proxmox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// envelope wraps data in Proxmox API response format.
func envelope(data any) []byte {
	resp := struct {
		Data any `json:"data"`
	}{Data: data}
	b, _ := json.Marshal(resp)
	return b
}

type call struct {
	Method string
	Path   string
	Form   url.Values
}

// fakePVE records calls and answers with per-route handlers. Task status
// polls always report success.
type fakePVE struct {
	t      *testing.T
	mu     sync.Mutex
	calls  []call
	routes map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakePVE(t *testing.T) (*fakePVE, *httptest.Server) {
	f := &fakePVE{t: t, routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePVE) on(method, path string, h func(w http.ResponseWriter, r *http.Request)) {
	f.routes[method+" "+path] = h
}

func (f *fakePVE) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	path := strings.TrimPrefix(r.URL.Path, "/api2/json")

	f.mu.Lock()
	f.calls = append(f.calls, call{Method: r.Method, Path: path, Form: form})
	f.mu.Unlock()

	if h, ok := f.routes[r.Method+" "+path]; ok {
		h(w, r)
		return
	}
	if r.Method == http.MethodGet && strings.Contains(path, "/tasks/") {
		_, _ = w.Write(envelope(TaskStatus{Status: "stopped", ExitStatus: "OK"}))
		return
	}
	_, _ = w.Write(envelope(nil))
}

func (f *fakePVE) find(method, path string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func testGateway(t *testing.T, start bool) *Gateway {
	t.Helper()
	g, err := New(Config{
		CallTimeout:      2 * time.Second,
		CreateTimeout:    5 * time.Second,
		TaskPollInterval: time.Millisecond,
		StartOnCreate:    start,
	}, nil)
	require.NoError(t, err)
	return g
}

func tokenHost(url string) store.HostConfig {
	return store.HostConfig{ID: "pve-a", BaseURL: url, TokenID: "svc@pve!lease", TokenSecret: "s3cret", Node: "pve1", Location: "kr-central"}
}

func TestParseExternalID(t *testing.T) {
	node, vmid, err := ParseExternalID("qemu:pve1:105")
	require.NoError(t, err)
	assert.Equal(t, "pve1", node)
	assert.Equal(t, 105, vmid)
	assert.Equal(t, "qemu:pve1:105", FormatExternalID(node, vmid))

	for _, bad := range []string{"", "qemu:pve1", "lxc:pve1:100", "qemu::100", "qemu:pve1:abc", "qemu:pve1:0"} {
		_, _, err := ParseExternalID(bad)
		assert.ErrorIs(t, err, hypervisor.ErrMalformedID, bad)
	}
}

func TestTokenAuthHeader(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/nodes/pve1/qemu/101/status/current", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PVEAPIToken=svc@pve!lease=s3cret", r.Header.Get("Authorization"))
		_, _ = w.Write(envelope(VMStatus{Status: "running"}))
	})
	g := testGateway(t, false)

	st, err := g.GetStatus(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"})
	require.NoError(t, err)
	assert.Equal(t, "running", st)
	assert.Empty(t, f.find(http.MethodPost, "/access/ticket"))
}

func TestTicketAuth_MemoizedAndCSRF(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodPost, "/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope(Session{Username: "root@pam", Ticket: "PVE:ticket", CSRFToken: "csrf-1"}))
	})
	f.on(http.MethodGet, "/nodes/pve1/qemu/101/status/current", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("PVEAuthCookie")
		if assert.NoError(t, err) {
			assert.Equal(t, "PVE:ticket", c.Value)
		}
		_, _ = w.Write(envelope(VMStatus{Status: "stopped"}))
	})
	f.on(http.MethodPost, "/nodes/pve1/qemu/101/status/start", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "csrf-1", r.Header.Get("CSRFPreventionToken"))
		_, _ = w.Write(envelope("UPID:pve1:start"))
	})

	g := testGateway(t, false)
	host := store.HostConfig{ID: "pve-a", BaseURL: srv.URL, Username: "root", Password: "pw", Realm: "pam"}
	target := hypervisor.Target{Host: host, Node: "pve1"}

	_, err := g.GetStatus(context.Background(), "qemu:pve1:101", target)
	require.NoError(t, err)
	_, err = g.GetStatus(context.Background(), "qemu:pve1:101", target)
	require.NoError(t, err)
	require.NoError(t, g.Power(context.Background(), "qemu:pve1:101", target, hypervisor.ActionStart))

	logins := f.find(http.MethodPost, "/access/ticket")
	require.Len(t, logins, 1)
	assert.Equal(t, "root@pam", logins[0].Form.Get("username"))
}

func TestTicketAuth_ReauthenticatesOn401(t *testing.T) {
	f, srv := newFakePVE(t)
	var logins int32
	f.on(http.MethodPost, "/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&logins, 1)
		_, _ = w.Write(envelope(Session{Ticket: "ticket-" + string(rune('0'+n)), CSRFToken: "c"}))
	})
	f.on(http.MethodGet, "/nodes/pve1/qemu/101/status/current", func(w http.ResponseWriter, r *http.Request) {
		c, _ := r.Cookie("PVEAuthCookie")
		if c == nil || c.Value == "ticket-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(envelope(VMStatus{Status: "running"}))
	})

	g := testGateway(t, false)
	host := store.HostConfig{ID: "pve-a", BaseURL: srv.URL, Username: "root@pam", Password: "pw"}

	st, err := g.GetStatus(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: host, Node: "pve1"})
	require.NoError(t, err)
	assert.Equal(t, "running", st)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func TestClientReplacedWhenCredentialsChange(t *testing.T) {
	g := testGateway(t, false)
	h := tokenHost("http://pve.invalid")
	a := g.client(h)
	assert.Same(t, a, g.client(h))
	h.TokenSecret = "rotated"
	assert.NotSame(t, a, g.client(h))
}

func TestCreate_ClonesConfiguresGrowsAndStarts(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope("105"))
	})
	f.on(http.MethodPost, "/nodes/pve1/qemu/9000/clone", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope("UPID:pve1:clone"))
	})
	f.on(http.MethodGet, "/nodes/pve1/qemu/105/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope(map[string]any{"scsi0": "local-lvm:vm-105-disk-0,size=10G", "cores": 1}))
	})
	f.on(http.MethodPost, "/nodes/pve1/qemu/105/status/start", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope("UPID:pve1:start"))
	})

	g := testGateway(t, true)
	id, err := g.Create(context.Background(), hypervisor.CreateSpec{
		ServerID:     "srv-1",
		TemplateVMID: 9000,
		Storage:      "local-lvm",
		VCPU:         2,
		MemoryMB:     4096,
		DiskGB:       20,
		Password:     "first-boot-pw",
	}, hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"})
	require.NoError(t, err)
	assert.Equal(t, "qemu:pve1:105", id)

	clones := f.find(http.MethodPost, "/nodes/pve1/qemu/9000/clone")
	require.Len(t, clones, 1)
	assert.Equal(t, "105", clones[0].Form.Get("newid"))
	assert.Equal(t, "vc-srv-1", clones[0].Form.Get("name"))
	assert.Equal(t, "1", clones[0].Form.Get("full"))
	assert.Equal(t, "local-lvm", clones[0].Form.Get("storage"))

	puts := f.find(http.MethodPut, "/nodes/pve1/qemu/105/config")
	require.Len(t, puts, 1)
	assert.Equal(t, "2", puts[0].Form.Get("cores"))
	assert.Equal(t, "4096", puts[0].Form.Get("memory"))
	assert.Equal(t, "first-boot-pw", puts[0].Form.Get("cipassword"))

	resizes := f.find(http.MethodPut, "/nodes/pve1/qemu/105/resize")
	require.Len(t, resizes, 1)
	assert.Equal(t, "scsi0", resizes[0].Form.Get("disk"))
	assert.Equal(t, "+10G", resizes[0].Form.Get("size"))

	assert.Len(t, f.find(http.MethodPost, "/nodes/pve1/qemu/105/status/start"), 1)

	// The password must be configured before the VM boots.
	f.mu.Lock()
	defer f.mu.Unlock()
	configAt, startAt := -1, -1
	for i, c := range f.calls {
		switch {
		case c.Method == http.MethodPut && c.Path == "/nodes/pve1/qemu/105/config":
			configAt = i
		case c.Method == http.MethodPost && c.Path == "/nodes/pve1/qemu/105/status/start":
			startAt = i
		}
	}
	assert.Less(t, configAt, startAt, "cipassword written after start")
}

func TestCreate_NoTemplate(t *testing.T) {
	g := testGateway(t, false)
	_, err := g.Create(context.Background(), hypervisor.CreateSpec{ServerID: "x"}, hypervisor.Target{Node: "pve1"})
	assert.ErrorIs(t, err, hypervisor.ErrNoTemplate)
}

func TestCreate_DiscardsVMWhenConfigureFails(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope(106))
	})
	f.on(http.MethodPost, "/nodes/pve1/qemu/9000/clone", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope("UPID:pve1:clone"))
	})
	f.on(http.MethodPut, "/nodes/pve1/qemu/106/config", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"data":null,"message":"boom"}`))
	})
	f.on(http.MethodDelete, "/nodes/pve1/qemu/106", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope("UPID:pve1:delete"))
	})

	g := testGateway(t, false)
	_, err := g.Create(context.Background(), hypervisor.CreateSpec{ServerID: "s", TemplateVMID: 9000, VCPU: 1, MemoryMB: 512},
		hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"})
	require.Error(t, err)

	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.False(t, hypervisor.IsTimeout(err))
	assert.Len(t, f.find(http.MethodDelete, "/nodes/pve1/qemu/106"), 1)
}

func TestGetStatus_PrefersQMPStatus(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/nodes/pve1/qemu/101/status/current", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope(VMStatus{Status: "running", QMPStatus: "paused"}))
	})
	g := testGateway(t, false)
	st, err := g.GetStatus(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"})
	require.NoError(t, err)
	assert.Equal(t, "paused", st)
}

func TestGetConfig_StringifiesValues(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/nodes/pve2/qemu/101/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope(map[string]any{"cores": 4, "memory": "8192", "scsi0": "local-lvm:vm-101-disk-0,size=40G", "onboot": true}))
	})
	g := testGateway(t, false)

	// The target node overrides the node embedded in the id.
	cfg, err := g.GetConfig(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve2"})
	require.NoError(t, err)
	assert.Equal(t, "4", cfg["cores"])
	assert.Equal(t, "8192", cfg["memory"])
	assert.Equal(t, "true", cfg["onboot"])
}

func TestGetPrimaryAddress(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/nodes/pve1/qemu/101/agent/network-get-interfaces", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope(map[string]any{"result": []NetworkInterface{
			{Name: "lo", IPAddresses: []GuestIPAddress{{IPAddressType: "ipv4", IPAddress: "127.0.0.1"}}},
			{Name: "eth0", IPAddresses: []GuestIPAddress{
				{IPAddressType: "ipv6", IPAddress: "fe80::1"},
				{IPAddressType: "ipv4", IPAddress: "10.0.0.42", Prefix: 24},
			}},
		}}))
	})
	g := testGateway(t, false)
	addr, err := g.GetPrimaryAddress(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.42", addr)
}

func TestUpdateResourcesAndResize(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/nodes/pve1/qemu/101/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope(map[string]any{"virtio0": "local-lvm:vm-101-disk-0,size=40G"}))
	})
	g := testGateway(t, false)
	target := hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"}

	require.NoError(t, g.UpdateResources(context.Background(), "qemu:pve1:101", target, 3, 2560, "local-lvm:50"))
	puts := f.find(http.MethodPut, "/nodes/pve1/qemu/101/config")
	require.Len(t, puts, 1)
	assert.Equal(t, "3", puts[0].Form.Get("cores"))
	assert.Equal(t, "2560", puts[0].Form.Get("memory"))
	assert.Empty(t, puts[0].Form.Get("virtio0"), "existing volume must not be reallocated")

	require.NoError(t, g.ResizeDisk(context.Background(), "qemu:pve1:101", target, 10))
	resizes := f.find(http.MethodPut, "/nodes/pve1/qemu/101/resize")
	require.Len(t, resizes, 1)
	assert.Equal(t, "virtio0", resizes[0].Form.Get("disk"))
	assert.Equal(t, "+10G", resizes[0].Form.Get("size"))

	require.NoError(t, g.ResizeDisk(context.Background(), "qemu:pve1:101", target, 0))
	assert.Len(t, f.find(http.MethodPut, "/nodes/pve1/qemu/101/resize"), 1)
}

func TestSetPassword(t *testing.T) {
	fail := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }
	status := func(s string) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(envelope(VMStatus{Status: s})) }
	}

	tests := []struct {
		name      string
		agentDown bool
		ciDown    bool
		vmStatus  string
		wantErr   bool
	}{
		{name: "agent applies it to a running guest", vmStatus: "running"},
		{name: "cloud-init alone on a stopped VM", agentDown: true, vmStatus: "stopped"},
		{name: "cloud-init alone on a running VM", agentDown: true, vmStatus: "running", wantErr: true},
		{name: "both paths fail", agentDown: true, ciDown: true, vmStatus: "stopped", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakePVE(t)
			if tt.agentDown {
				f.on(http.MethodPost, "/nodes/pve1/qemu/101/agent/set-user-password", fail)
			}
			if tt.ciDown {
				f.on(http.MethodPut, "/nodes/pve1/qemu/101/config", fail)
			}
			f.on(http.MethodGet, "/nodes/pve1/qemu/101/status/current", status(tt.vmStatus))
			g := testGateway(t, false)

			err := g.SetPassword(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"}, "pw")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			puts := f.find(http.MethodPut, "/nodes/pve1/qemu/101/config")
			require.Len(t, puts, 1)
			assert.Equal(t, "pw", puts[0].Form.Get("cipassword"))
		})
	}
}

func TestDestroy_StopsThenPurges(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodPost, "/nodes/pve1/qemu/101/status/stop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope("UPID:stop"))
	})
	f.on(http.MethodDelete, "/nodes/pve1/qemu/101", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("purge"))
		_, _ = w.Write(envelope("UPID:delete"))
	})
	g := testGateway(t, false)
	require.NoError(t, g.Destroy(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"}))
	assert.Len(t, f.find(http.MethodPost, "/nodes/pve1/qemu/101/status/stop"), 1)
	assert.Len(t, f.find(http.MethodDelete, "/nodes/pve1/qemu/101"), 1)
}

func TestPower_RejectsUnknownAction(t *testing.T) {
	g := testGateway(t, false)
	err := g.Power(context.Background(), "qemu:pve1:101", hypervisor.Target{}, hypervisor.PowerAction("explode"))
	assert.Error(t, err)
}

func TestCallTimeoutIsClassified(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/nodes/pve1/qemu/101/status/current", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	g, err := New(Config{CallTimeout: 50 * time.Millisecond, TaskPollInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = g.GetStatus(context.Background(), "qemu:pve1:101", hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"})
	require.Error(t, err)
	assert.True(t, hypervisor.IsTimeout(err), "err = %v", err)
}

func TestListVMs(t *testing.T) {
	f, srv := newFakePVE(t)
	f.on(http.MethodGet, "/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelope([]VMListEntry{{VMID: 9000, Name: "tmpl", Template: 1}, {VMID: 105, Name: "vc-srv-1", Status: "running"}}))
	})
	g := testGateway(t, false)
	vms, err := g.ListVMs(context.Background(), hypervisor.Target{Host: tokenHost(srv.URL), Node: "pve1"})
	require.NoError(t, err)
	require.Len(t, vms, 2)
	assert.True(t, vms[0].Template)
	assert.Equal(t, "qemu:pve1:105", vms[1].ExternalID)
}
