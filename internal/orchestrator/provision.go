package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/notify"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// ProvisionRequest asks for a new server. An empty Location means the
// plan's location; a nil ExpireInDays means the plan default.
type ProvisionRequest struct {
	UserID       string
	Plan         string
	Location     string
	ExpireInDays *int
}

// ProvisionResult is a provisioned server and its one-time password.
// Skipped lists best-effort steps that failed along the way.
type ProvisionResult struct {
	Server   *store.Server
	Password string
	Skipped  []Outcome
}

// Provision runs the provisioning saga. On failure the server is left
// FAILED; a VM created before the failure is destroyed first.
func (o *Orchestrator) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	user, err := o.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.ExpireInDays != nil && *req.ExpireInDays <= 0 {
		return nil, invalid("expire_in_days must be positive")
	}
	pl, err := o.resolver.Resolve(ctx, req.Plan, req.Location)
	if err != nil {
		return nil, err
	}
	secret, err := o.password()
	if err != nil {
		return nil, err
	}

	expire := req.ExpireInDays
	if expire == nil && pl.Plan.ExpireInDays > 0 {
		d := pl.Plan.ExpireInDays
		expire = &d
	}
	location := req.Location
	if location == "" {
		location = pl.Plan.Location
	}
	srv := &store.Server{
		ID:           o.newID(),
		OwnerID:      user.ID,
		Plan:         pl.Plan.Name,
		Location:     location,
		HostID:       pl.Host.ID,
		Node:         pl.Node,
		VCPU:         pl.Plan.VCPU,
		MemoryMB:     pl.Plan.MemoryMB,
		DiskGB:       pl.Plan.DiskGB,
		DiskStorage:  pl.Plan.DiskStorage,
		Status:       store.StatusPending,
		ExpireInDays: expire,
		CreatedAt:    o.now(),
	}
	if err := o.store.CreateServer(ctx, srv); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	unlock := o.locks.Lock(srv.ID)
	defer unlock()

	logger := o.logger.With("server_id", srv.ID, "plan", srv.Plan, "host_id", srv.HostID, "node", srv.Node)
	res := &ProvisionResult{Server: srv}

	target := hypervisor.Target{Host: pl.Host, Node: pl.Node}

	srv.Status = store.StatusProvisioning
	if err := o.save(ctx, srv); err != nil {
		return nil, o.abortProvision(ctx, logger, res, user, target, err)
	}

	attempt(ctx, logger, &res.Skipped, StepNotifyStarted, func(ctx context.Context) error {
		return o.notifier.Send(ctx, user.PhoneNumber, notify.SetupStarted(user.Email, srv.Plan, srv.Location))
	})

	externalID, err := o.gateway.Create(ctx, hypervisor.CreateSpec{
		ServerID:     srv.ID,
		TemplateVMID: pl.Plan.TemplateVMID,
		CloneMode:    pl.Plan.CloneMode,
		Storage:      pl.Plan.DiskStorage,
		VCPU:         srv.VCPU,
		MemoryMB:     srv.MemoryMB,
		DiskGB:       srv.DiskGB,
		Password:     secret,
	}, target)
	if err != nil {
		return nil, o.abortProvision(ctx, logger, res, user, target, upstream("create VM", err))
	}
	srv.ExternalID = externalID
	logger = logger.With("external_id", externalID)
	logger.Info("VM created")
	if err := o.save(ctx, srv); err != nil {
		return nil, o.abortProvision(ctx, logger, res, user, target, err)
	}

	attempt(ctx, logger, &res.Skipped, StepSetPassword, func(ctx context.Context) error {
		return o.gateway.SetPassword(ctx, externalID, target, secret)
	})

	remote := ""
	attempt(ctx, logger, &res.Skipped, StepReadStatus, func(ctx context.Context) error {
		var err error
		remote, err = o.gateway.GetStatus(ctx, externalID, target)
		return err
	})
	srv.Status = settledStatus(remote)
	if err := o.save(ctx, srv); err != nil {
		return nil, o.abortProvision(ctx, logger, res, user, target, err)
	}

	attempt(ctx, logger, &res.Skipped, StepNotifyReady, func(ctx context.Context) error {
		return o.notifier.Send(ctx, user.PhoneNumber, notify.Ready(user.Email, externalID, srv.Plan, srv.Location))
	})

	srv.AppliedUpgrades = []store.UpgradeRecord{}
	res.Password = secret
	o.metrics.ProvisionFinished(string(srv.Status))
	logger.Info("server provisioned", "status", srv.Status, "skipped_steps", len(res.Skipped))
	return res, nil
}

// settledStatus is the status a freshly created server is persisted with.
// A VM that is still booting counts as active; anything unreadable or
// unmapped counts as stopped.
func settledStatus(remote string) store.Status {
	st, ok := MapRemoteStatus(remote)
	switch {
	case ok && (st == store.StatusActive || st == store.StatusProvisioning):
		return store.StatusActive
	default:
		return store.StatusStopped
	}
}

// abortProvision handles a saga failure. A timeout before the VM exists
// leaves the server FAILED with no compensation, since the VM may or may
// not have been created. Anything else destroys a created VM, unlinks it,
// records ROLLED_BACK, then FAILED.
func (o *Orchestrator) abortProvision(ctx context.Context, logger *slog.Logger, res *ProvisionResult, user *store.User, target hypervisor.Target, cause error) error {
	srv := res.Server
	// Compensation must run even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	if srv.ExternalID == "" && KindOf(cause) == KindUpstreamTimeout {
		srv.Status = store.StatusFailed
		if err := o.save(ctx, srv); err != nil {
			logger.Error("failed to mark server failed", "error", err)
		}
		attempt(ctx, logger, &res.Skipped, StepNotifyDelayed, func(ctx context.Context) error {
			return o.notifier.Send(ctx, user.PhoneNumber, notify.Delayed(user.Email, srv.Plan))
		})
		o.metrics.ProvisionFinished("timeout")
		logger.Warn("provisioning timed out; remote state unknown", "error", cause)
		return &Error{Kind: KindUpstreamTimeout, Reason: "provisioning timed out, retry later", Err: cause}
	}

	outcome := string(store.StatusFailed)
	if srv.ExternalID != "" {
		if srv.HostID != "" {
			if err := o.gateway.Destroy(ctx, srv.ExternalID, target); err != nil {
				logger.Error("compensation failed; orphaned VM", "error", err)
			}
		}
		// The hypervisor reuses freed VMIDs, so a rolled-back server must
		// not keep addressing one. A VM left behind by a failed destroy is
		// reported by the orphan scan instead.
		srv.ExternalID = ""
		srv.Status = store.StatusRolledBack
		if err := o.save(ctx, srv); err != nil {
			logger.Error("failed to mark server rolled back", "error", err)
		}
		outcome = string(store.StatusRolledBack)
	}
	srv.Status = store.StatusFailed
	if err := o.save(ctx, srv); err != nil {
		logger.Error("failed to mark server failed", "error", err)
	}
	attempt(ctx, logger, &res.Skipped, StepNotifyFailed, func(ctx context.Context) error {
		return o.notifier.Send(ctx, user.PhoneNumber, notify.Failed(user.Email, srv.Plan))
	})
	o.metrics.ProvisionFinished(outcome)
	logger.Error("provisioning failed", "error", cause)

	return &Error{Kind: KindUpstreamFailure, Reason: "provisioning failed, contact support", Err: cause}
}
