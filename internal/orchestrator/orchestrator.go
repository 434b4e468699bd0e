// Package orchestrator drives leased servers through their lifecycle. It
// coordinates the store, the hypervisor gateway and the notifier to
// provision, control, reconcile, upgrade and expire servers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/notify"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// Metrics receives operation outcomes. The zero Config uses a no-op.
type Metrics interface {
	ProvisionFinished(outcome string)
	PowerFinished(action string, err error)
	UpgradeFinished(err error)
	Reconciled(changed bool)
	ExpiryStopped(err error)
	ExpiryWarned()
	OrphansDetected(n int)
}

type noopMetrics struct{}

func (noopMetrics) ProvisionFinished(string)    {}
func (noopMetrics) PowerFinished(string, error) {}
func (noopMetrics) UpgradeFinished(error)       {}
func (noopMetrics) Reconciled(bool)             {}
func (noopMetrics) ExpiryStopped(error)         {}
func (noopMetrics) ExpiryWarned()               {}
func (noopMetrics) OrphansDetected(int)         {}

// Config tunes the orchestrator.
type Config struct {
	WarningDays int    // default notifier window, in days
	NamePrefix  string // VM name prefix used for orphan detection
	Metrics     Metrics
}

// Orchestrator coordinates server lifecycle operations.
type Orchestrator struct {
	store    store.DataStore
	gateway  hypervisor.Gateway
	notifier notify.Notifier
	resolver *PolicyResolver
	metrics  Metrics
	cfg      Config
	logger   *slog.Logger
	locks    *keyedMutex

	now      func() time.Time
	newID    func() string
	password func() (string, error)
}

// New creates an Orchestrator.
func New(st store.DataStore, gw hypervisor.Gateway, n notify.Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WarningDays <= 0 {
		cfg.WarningDays = 3
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "vc"
	}
	m := cfg.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Orchestrator{
		store:    st,
		gateway:  gw,
		notifier: n,
		resolver: NewPolicyResolver(st),
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
		password: GeneratePassword,
	}
}

// Resolver exposes the policy resolver used for provisioning.
func (o *Orchestrator) Resolver() *PolicyResolver { return o.resolver }

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func (o *Orchestrator) getServer(ctx context.Context, id string) (*store.Server, error) {
	srv, err := o.store.GetServer(ctx, id)
	if err != nil {
		return nil, lookup(err, "server", id)
	}
	return srv, nil
}

func authorize(srv *store.Server, actorID string, privileged bool) error {
	if privileged || srv.OwnerID == actorID {
		return nil
	}
	return forbidden("user %q does not own server %q", actorID, srv.ID)
}

// target resolves where a linked server lives. Each missing piece is a
// distinct precondition failure, checked in order.
func (o *Orchestrator) target(ctx context.Context, srv *store.Server) (hypervisor.Target, error) {
	if srv.ExternalID == "" {
		return hypervisor.Target{}, precondition("server %q has no remote VM", srv.ID)
	}
	if srv.HostID == "" {
		return hypervisor.Target{}, precondition("server %q has no hypervisor host", srv.ID)
	}
	host, err := o.store.GetHost(ctx, srv.HostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return hypervisor.Target{}, precondition("hypervisor host %q of server %q not found", srv.HostID, srv.ID)
		}
		return hypervisor.Target{}, fmt.Errorf("get host %s: %w", srv.HostID, err)
	}
	node := srv.Node
	if node == "" {
		node = host.Node
	}
	if node == "" {
		return hypervisor.Target{}, precondition("no node configured for server %q on host %q", srv.ID, host.ID)
	}
	return hypervisor.Target{Host: *host, Node: node}, nil
}

func (o *Orchestrator) save(ctx context.Context, srv *store.Server) error {
	if err := o.store.UpdateServer(ctx, srv); err != nil {
		return fmt.Errorf("persist server %s: %w", srv.ID, err)
	}
	return nil
}

// withUpgrades refreshes the denormalized upgrade history.
func (o *Orchestrator) withUpgrades(ctx context.Context, srv *store.Server) *store.Server {
	recs, err := o.store.ListServerUpgrades(ctx, srv.ID)
	if err != nil {
		o.logger.Warn("list server upgrades failed", "server_id", srv.ID, "error", err)
		return srv
	}
	if recs == nil {
		recs = []store.UpgradeRecord{}
	}
	srv.AppliedUpgrades = recs
	return srv
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetServer returns a reconciled server visible to actorID.
func (o *Orchestrator) GetServer(ctx context.Context, id, actorID string, privileged bool) (*store.Server, error) {
	srv, err := o.getServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(srv, actorID, privileged); err != nil {
		return nil, err
	}
	return o.Reconcile(ctx, srv), nil
}

const reconcileConcurrency = 4

// ListForOwner returns the owner's servers, each reconciled.
func (o *Orchestrator) ListForOwner(ctx context.Context, ownerID string) ([]store.Server, error) {
	servers, err := o.store.ListServersByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list servers of %s: %w", ownerID, err)
	}
	var g errgroup.Group
	g.SetLimit(reconcileConcurrency)
	for i := range servers {
		g.Go(func() error {
			servers[i] = *o.Reconcile(ctx, &servers[i])
			return nil
		})
	}
	_ = g.Wait()
	return servers, nil
}

// ListServers returns persisted servers matching f without reconciling.
func (o *Orchestrator) ListServers(ctx context.Context, f store.ServerFilter) ([]store.Server, error) {
	servers, err := o.store.ListServers(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// RegisterUser creates a user. externalAuthID may be empty.
func (o *Orchestrator) RegisterUser(ctx context.Context, email, phone, externalAuthID string) (*store.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, invalid("email is required")
	}
	u := &store.User{
		ID:             o.newID(),
		Email:          email,
		PhoneNumber:    notify.NormalizePhone(phone),
		ExternalAuthID: externalAuthID,
		CreatedAt:      o.now(),
	}
	if err := o.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, invalid("user %q already exists", email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	o.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// EnsureExternalUser returns the user bound to externalAuthID, creating it
// on first sight.
func (o *Orchestrator) EnsureExternalUser(ctx context.Context, externalAuthID, email, phone string) (*store.User, error) {
	u, err := o.store.GetUserByExternalAuth(ctx, externalAuthID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get user by external auth: %w", err)
	}
	if email == "" {
		email = externalAuthID
	}
	u, err = o.RegisterUser(ctx, email, phone, externalAuthID)
	if err != nil && KindOf(err) == KindValidationFailed {
		// Lost a race with a concurrent first request.
		if again, gerr := o.store.GetUserByExternalAuth(ctx, externalAuthID); gerr == nil {
			return again, nil
		}
	}
	return u, err
}

// GetUser returns a user by id.
func (o *Orchestrator) GetUser(ctx context.Context, id string) (*store.User, error) {
	u, err := o.store.GetUser(ctx, id)
	if err != nil {
		return nil, lookup(err, "user", id)
	}
	return u, nil
}
