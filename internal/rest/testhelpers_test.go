package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ByeonDoHyeon06/vibehost/internal/auth"
	"github.com/ByeonDoHyeon06/vibehost/internal/catalog"
	"github.com/ByeonDoHyeon06/vibehost/internal/config"
	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/metrics"
	"github.com/ByeonDoHyeon06/vibehost/internal/notify"
	"github.com/ByeonDoHyeon06/vibehost/internal/orchestrator"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
	"github.com/ByeonDoHyeon06/vibehost/internal/store/sqlstore"
)

const (
	testJWTSecret = "rest-test-secret"
	testAdminKey  = "rest-admin-key"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ---------------------------------------------------------------------------
// fakeGateway implements hypervisor.Gateway with function-field overrides
// ---------------------------------------------------------------------------

type fakeGateway struct {
	CreateFn      func(spec hypervisor.CreateSpec, t hypervisor.Target) (string, error)
	PowerFn       func(id string, a hypervisor.PowerAction) error
	SetPasswordFn func(id, secret string) error

	mu     sync.Mutex
	status string
	calls  []string
}

func newFakeGateway() *fakeGateway { return &fakeGateway{status: "running"} }

func (g *fakeGateway) record(name string, args ...any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parts := []string{name}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	g.calls = append(g.calls, strings.Join(parts, " "))
}

func (g *fakeGateway) setStatus(s string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = s
}

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

func (g *fakeGateway) Create(_ context.Context, spec hypervisor.CreateSpec, t hypervisor.Target) (string, error) {
	g.record("create", spec.ServerID)
	if g.CreateFn != nil {
		return g.CreateFn(spec, t)
	}
	return "qemu:" + t.Node + ":101", nil
}

func (g *fakeGateway) Destroy(_ context.Context, id string, _ hypervisor.Target) error {
	g.record("destroy", id)
	return nil
}

func (g *fakeGateway) SetPassword(_ context.Context, id string, _ hypervisor.Target, secret string) error {
	g.record("set_password", id)
	if g.SetPasswordFn != nil {
		return g.SetPasswordFn(id, secret)
	}
	return nil
}

func (g *fakeGateway) GetStatus(_ context.Context, id string, _ hypervisor.Target) (string, error) {
	g.record("get_status", id)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, nil
}

func (g *fakeGateway) GetConfig(_ context.Context, id string, _ hypervisor.Target) (map[string]string, error) {
	g.record("get_config", id)
	return map[string]string{}, nil
}

func (g *fakeGateway) GetPrimaryAddress(_ context.Context, id string, _ hypervisor.Target) (string, error) {
	g.record("get_address", id)
	return "", nil
}

func (g *fakeGateway) UpdateResources(_ context.Context, id string, _ hypervisor.Target, vcpu, mem int, vol string) error {
	g.record("update_resources", id, vcpu, mem, vol)
	return nil
}

func (g *fakeGateway) ResizeDisk(_ context.Context, id string, _ hypervisor.Target, add int) error {
	g.record("resize_disk", id, add)
	return nil
}

func (g *fakeGateway) Power(_ context.Context, id string, _ hypervisor.Target, a hypervisor.PowerAction) error {
	g.record("power", id, a)
	if g.PowerFn != nil {
		return g.PowerFn(id, a)
	}
	return nil
}

// ---------------------------------------------------------------------------
// recordingTelemetry captures tracked events
// ---------------------------------------------------------------------------

type recordingTelemetry struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTelemetry) Track(_ string, event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingTelemetry) Identify(string, map[string]any) {}
func (r *recordingTelemetry) Close()                          {}

func (r *recordingTelemetry) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// testEnv wires a Server over an in-memory SQLite store
// ---------------------------------------------------------------------------

type testEnv struct {
	server *Server
	store  store.Store
	gw     *fakeGateway
	orch   *orchestrator.Orchestrator
	tel    *recordingTelemetry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.New(ctx, store.Config{DatabaseURL: "sqlite://:memory:", AutoMigrate: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	seed := &catalog.File{
		Hosts: []store.HostConfig{{
			ID: "pve-a", BaseURL: "https://pve-a:8006", TokenID: "root@pam!lease", TokenSecret: "s3cret",
			Node: "pve1", Location: "kr-central", VerifySSL: true,
		}},
		Upgrades: []store.UpgradeSpec{{Name: "ram-plus", AddMemoryMB: 1024, Price: 2000}},
	}
	if _, err := catalog.Seed(ctx, st, seed, quietLogger); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gw := newFakeGateway()
	orch := orchestrator.New(st, gw, notify.NewLog(quietLogger), orchestrator.Config{}, quietLogger)
	authn, err := auth.New(auth.Config{JWTSecret: testJWTSecret, AdminKey: testAdminKey}, orch, quietLogger)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	cfg := &config.Config{Hypervisor: config.HypervisorConfig{VerifySSL: true}}
	tel := &recordingTelemetry{}

	return &testEnv{
		server: NewServer(st, cfg, orch, authn, tel, metrics.New(metrics.Config{Enabled: true})),
		store:  st,
		gw:     gw,
		orch:   orch,
		tel:    tel,
	}
}

// user creates (or finds) the local user behind a token subject.
func (e *testEnv) user(t *testing.T, sub string) *store.User {
	t.Helper()
	u, err := e.orch.EnsureExternalUser(context.Background(), ":"+sub, sub+"@example.com", "")
	if err != nil {
		t.Fatalf("ensure user %s: %v", sub, err)
	}
	return u
}

func userToken(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: sub + "@example.com",
		Roles: roles,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return strings.NewReader(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Router.ServeHTTP(rr, req)
	return rr
}

// asUser sends a request with a bearer token for sub.
func (e *testEnv) asUser(t *testing.T, sub, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, jsonBody(t, body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+userToken(t, sub))
	return e.do(req)
}

// asAdmin sends a request with the admin key, optionally impersonating.
func (e *testEnv) asAdmin(t *testing.T, method, path string, body any, impersonate string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, jsonBody(t, body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.AdminKeyHeader, testAdminKey)
	if impersonate != "" {
		req.Header.Set(auth.ImpersonateHeader, impersonate)
	}
	return e.do(req)
}

func parseJSONResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return m
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

// provision creates a server for sub through the API and returns its id.
func (e *testEnv) provision(t *testing.T, sub string) string {
	t.Helper()
	e.user(t, sub)
	rr := e.asUser(t, sub, http.MethodPost, "/v1/servers", map[string]any{"plan": "basic"})
	expectStatus(t, rr, http.StatusCreated)
	body := parseJSONResponse(t, rr)
	srv, ok := body["server"].(map[string]any)
	if !ok {
		t.Fatalf("no server in %v", body)
	}
	return srv["id"].(string)
}

func newRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}
