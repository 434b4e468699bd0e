package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// ---------------------------------------------------------------------------
// memStore is an in-memory store.DataStore
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	plans    map[string]store.PlanSpec
	upgrades map[string]store.UpgradeSpec
	hosts    map[string]store.HostConfig
	servers  map[string]store.Server
	history  map[string][]store.UpgradeRecord

	// statuses records every persisted status per server, in order.
	statuses map[string][]store.Status
	updates  int

	// UpdateServerFn, when set, runs before each UpdateServer and may fail it.
	UpdateServerFn func(s *store.Server) error
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]store.User{},
		plans:    map[string]store.PlanSpec{},
		upgrades: map[string]store.UpgradeSpec{},
		hosts:    map[string]store.HostConfig{},
		servers:  map[string]store.Server{},
		history:  map[string][]store.UpgradeRecord{},
		statuses: map[string][]store.Status{},
	}
}

var _ store.DataStore = (*memStore)(nil)

func (m *memStore) CreateUser(_ context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return store.ErrAlreadyExists
	}
	for _, existing := range m.users {
		if u.ExternalAuthID != "" && existing.ExternalAuthID == u.ExternalAuthID {
			return store.ErrAlreadyExists
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *memStore) GetUser(_ context.Context, id string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (m *memStore) GetUserByExternalAuth(_ context.Context, ext string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ExternalAuthID == ext {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListUsers(context.Context) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) UpsertPlan(_ context.Context, p *store.PlanSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.Name] = *p
	return nil
}

func (m *memStore) GetPlan(_ context.Context, name string) (*store.PlanSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) ListPlans(context.Context) ([]store.PlanSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PlanSpec
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) DeletePlan(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[name]; !ok {
		return store.ErrNotFound
	}
	delete(m.plans, name)
	return nil
}

func (m *memStore) UpsertUpgrade(_ context.Context, u *store.UpgradeSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upgrades[u.Name] = *u
	return nil
}

func (m *memStore) GetUpgrade(_ context.Context, name string) (*store.UpgradeSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.upgrades[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (m *memStore) ListUpgrades(context.Context) ([]store.UpgradeSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.UpgradeSpec
	for _, u := range m.upgrades {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) UpsertHost(_ context.Context, h *store.HostConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[h.ID] = *h
	return nil
}

func (m *memStore) GetHost(_ context.Context, id string) (*store.HostConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &h, nil
}

func (m *memStore) ListHosts(ctx context.Context) ([]store.HostConfig, error) {
	return m.ListHostsByLocation(ctx, "")
}

func (m *memStore) ListHostsByLocation(_ context.Context, location string) ([]store.HostConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.HostConfig
	for _, h := range m.hosts {
		if location == "" || h.Location == location {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateServer(_ context.Context, s *store.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; ok {
		return store.ErrAlreadyExists
	}
	m.servers[s.ID] = *s
	m.statuses[s.ID] = append(m.statuses[s.ID], s.Status)
	return nil
}

func (m *memStore) GetServer(_ context.Context, id string) (*store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (m *memStore) UpdateServer(_ context.Context, s *store.Server) error {
	if m.UpdateServerFn != nil {
		if err := m.UpdateServerFn(s); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *s
	cp.AppliedUpgrades = nil
	m.servers[s.ID] = cp
	m.statuses[s.ID] = append(m.statuses[s.ID], s.Status)
	m.updates++
	return nil
}

func (m *memStore) ListServersByOwner(ctx context.Context, ownerID string) ([]store.Server, error) {
	return m.ListServers(ctx, store.ServerFilter{OwnerID: ownerID})
}

func (m *memStore) ListServers(_ context.Context, f store.ServerFilter) ([]store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Server
	for _, s := range m.servers {
		if f.OwnerID != "" && s.OwnerID != f.OwnerID ||
			f.Location != "" && s.Location != f.Location ||
			f.HostID != "" && s.HostID != f.HostID ||
			f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListExpiredServers(ctx context.Context, now time.Time) ([]store.Server, error) {
	all, _ := m.ListServers(ctx, store.ServerFilter{})
	var out []store.Server
	for _, s := range all {
		if s.ExpiredAt(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) ListServersExpiringWithin(ctx context.Context, now time.Time, days int) ([]store.Server, error) {
	all, _ := m.ListServers(ctx, store.ServerFilter{})
	var out []store.Server
	for _, s := range all {
		if s.ExpiresWithin(now, days) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) RecordUpgrade(_ context.Context, serverID, name string, price float64, at time.Time) (*store.UpgradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := store.UpgradeRecord{
		ID:        fmt.Sprintf("up-%d", len(m.history[serverID])+1),
		ServerID:  serverID,
		Name:      name,
		Price:     price,
		AppliedAt: at,
	}
	m.history[serverID] = append(m.history[serverID], rec)
	return &rec, nil
}

func (m *memStore) ListServerUpgrades(_ context.Context, serverID string) ([]store.UpgradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.UpgradeRecord(nil), m.history[serverID]...), nil
}

func (m *memStore) server(t *testing.T, id string) store.Server {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		t.Fatalf("server %s not persisted", id)
	}
	return s
}

func (m *memStore) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// ---------------------------------------------------------------------------
// fakeGateway implements hypervisor.Gateway and Inventory with function
// fields and records every call
// ---------------------------------------------------------------------------

type fakeGateway struct {
	CreateFn            func(spec hypervisor.CreateSpec, t hypervisor.Target) (string, error)
	DestroyFn           func(id string, t hypervisor.Target) error
	SetPasswordFn       func(id string, t hypervisor.Target, secret string) error
	GetStatusFn         func(id string, t hypervisor.Target) (string, error)
	GetConfigFn         func(id string, t hypervisor.Target) (map[string]string, error)
	GetPrimaryAddressFn func(id string, t hypervisor.Target) (string, error)
	UpdateResourcesFn   func(id string, t hypervisor.Target, vcpu, mem int, vol string) error
	ResizeDiskFn        func(id string, t hypervisor.Target, add int) error
	PowerFn             func(id string, t hypervisor.Target, a hypervisor.PowerAction) error
	ListVMsFn           func(t hypervisor.Target) ([]hypervisor.VM, error)

	mu    sync.Mutex
	calls []string
}

func (g *fakeGateway) call(name string, args ...any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parts := []string{name}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	g.calls = append(g.calls, strings.Join(parts, " "))
}

// count returns how many recorded calls start with prefix.
func (g *fakeGateway) count(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (g *fakeGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) Create(_ context.Context, spec hypervisor.CreateSpec, t hypervisor.Target) (string, error) {
	g.call("create", spec.ServerID, t.Node)
	if g.CreateFn != nil {
		return g.CreateFn(spec, t)
	}
	return "qemu:" + t.Node + ":101", nil
}

func (g *fakeGateway) Destroy(_ context.Context, id string, t hypervisor.Target) error {
	g.call("destroy", id)
	if g.DestroyFn != nil {
		return g.DestroyFn(id, t)
	}
	return nil
}

func (g *fakeGateway) SetPassword(_ context.Context, id string, t hypervisor.Target, secret string) error {
	g.call("set_password", id, secret)
	if g.SetPasswordFn != nil {
		return g.SetPasswordFn(id, t, secret)
	}
	return nil
}

func (g *fakeGateway) GetStatus(_ context.Context, id string, t hypervisor.Target) (string, error) {
	g.call("get_status", id)
	if g.GetStatusFn != nil {
		return g.GetStatusFn(id, t)
	}
	return "running", nil
}

func (g *fakeGateway) GetConfig(_ context.Context, id string, t hypervisor.Target) (map[string]string, error) {
	g.call("get_config", id)
	if g.GetConfigFn != nil {
		return g.GetConfigFn(id, t)
	}
	return map[string]string{}, nil
}

func (g *fakeGateway) GetPrimaryAddress(_ context.Context, id string, t hypervisor.Target) (string, error) {
	g.call("get_address", id)
	if g.GetPrimaryAddressFn != nil {
		return g.GetPrimaryAddressFn(id, t)
	}
	return "", nil
}

func (g *fakeGateway) UpdateResources(_ context.Context, id string, t hypervisor.Target, vcpu, mem int, vol string) error {
	g.call("update_resources", id, vcpu, mem, vol)
	if g.UpdateResourcesFn != nil {
		return g.UpdateResourcesFn(id, t, vcpu, mem, vol)
	}
	return nil
}

func (g *fakeGateway) ResizeDisk(_ context.Context, id string, t hypervisor.Target, add int) error {
	g.call("resize_disk", id, add)
	if g.ResizeDiskFn != nil {
		return g.ResizeDiskFn(id, t, add)
	}
	return nil
}

func (g *fakeGateway) Power(_ context.Context, id string, t hypervisor.Target, a hypervisor.PowerAction) error {
	g.call("power", id, a, t.Node)
	if g.PowerFn != nil {
		return g.PowerFn(id, t, a)
	}
	return nil
}

func (g *fakeGateway) ListVMs(_ context.Context, t hypervisor.Target) ([]hypervisor.VM, error) {
	g.call("list_vms", t.Host.ID, t.Node)
	if g.ListVMsFn != nil {
		return g.ListVMsFn(t)
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// fakeNotifier records messages
// ---------------------------------------------------------------------------

type sentMsg struct{ To, Text string }

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []sentMsg
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, to, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.msgs = append(n.msgs, sentMsg{To: to, Text: text})
	return nil
}

func (n *fakeNotifier) sent() []sentMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMsg(nil), n.msgs...)
}

// ---------------------------------------------------------------------------
// recordingMetrics counts outcomes
// ---------------------------------------------------------------------------

type recordingMetrics struct {
	mu         sync.Mutex
	provisions []string
	warned     int
	orphans    int
}

func (r *recordingMetrics) ProvisionFinished(o string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisions = append(r.provisions, o)
}
func (r *recordingMetrics) PowerFinished(string, error) {}
func (r *recordingMetrics) UpgradeFinished(error)       {}
func (r *recordingMetrics) Reconciled(bool)             {}
func (r *recordingMetrics) ExpiryStopped(error)         {}
func (r *recordingMetrics) ExpiryWarned() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warned++
}
func (r *recordingMetrics) OrphansDetected(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans += n
}

// ---------------------------------------------------------------------------
// fixture wiring
// ---------------------------------------------------------------------------

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	orch    *Orchestrator
	store   *memStore
	gw      *fakeGateway
	notif   *fakeNotifier
	metrics *recordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMemStore()
	ctx := context.Background()

	_ = st.CreateUser(ctx, &store.User{ID: "user-1", Email: "kim@example.com", PhoneNumber: "01012345678"})
	_ = st.CreateUser(ctx, &store.User{ID: "user-2", Email: "lee@example.com", PhoneNumber: "01087654321"})
	_ = st.UpsertHost(ctx, &store.HostConfig{ID: "pve-a", BaseURL: "https://pve-a:8006", Node: "pve1", Location: "kr-central"})
	_ = st.UpsertHost(ctx, &store.HostConfig{ID: "pve-b", BaseURL: "https://pve-b:8006", Node: "pve2", Location: "kr-central"})
	_ = st.UpsertHost(ctx, &store.HostConfig{ID: "pve-jp", BaseURL: "https://pve-jp:8006", Node: "jp1", Location: "jp-east"})
	_ = st.UpsertPlan(ctx, &store.PlanSpec{
		Name: "basic", VCPU: 2, MemoryMB: 2048, DiskGB: 40, Location: "kr-central",
		TemplateVMID: 9000, DiskStorage: "local-lvm", Price: 5000, ExpireInDays: 30,
	})
	_ = st.UpsertUpgrade(ctx, &store.UpgradeSpec{Name: "boost", AddVCPU: 1, AddMemoryMB: 512, AddDiskGB: 10, Price: 3000})
	_ = st.UpsertUpgrade(ctx, &store.UpgradeSpec{Name: "ram", AddMemoryMB: 1024, Price: 1000})

	gw := &fakeGateway{}
	n := &fakeNotifier{}
	m := &recordingMetrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(st, gw, n, Config{WarningDays: 3, Metrics: m}, logger)
	o.now = func() time.Time { return baseTime }
	seq := 0
	o.newID = func() string {
		seq++
		return fmt.Sprintf("srv-%d", seq)
	}
	return &fixture{orch: o, store: st, gw: gw, notif: n, metrics: m}
}

// linkedServer persists a server that already has a remote VM.
func (f *fixture) linkedServer(t *testing.T, id string, status store.Status) store.Server {
	t.Helper()
	s := store.Server{
		ID: id, OwnerID: "user-1", Plan: "basic", Location: "kr-central",
		HostID: "pve-a", Node: "pve1",
		VCPU: 2, MemoryMB: 2048, DiskGB: 40, DiskStorage: "local-lvm",
		ExternalID: "qemu:pve1:" + strings.TrimPrefix(id, "srv-"),
		Status:     status, CreatedAt: baseTime,
	}
	if err := f.store.CreateServer(context.Background(), &s); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	return s
}

func intPtr(n int) *int { return &n }
