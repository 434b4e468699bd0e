package orchestrator

import (
	"context"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// optimisticStatus is the local status recorded after a successful action.
func optimisticStatus(a hypervisor.PowerAction) store.Status {
	switch a {
	case hypervisor.ActionStop, hypervisor.ActionShutdown, hypervisor.ActionSuspend:
		return store.StatusStopped
	default:
		return store.StatusActive
	}
}

// Power runs a power action on a server. The local status is only
// changed once the gateway call succeeded.
func (o *Orchestrator) Power(ctx context.Context, serverID, actorID, action string, privileged bool) (srv *store.Server, err error) {
	a, ok := hypervisor.ParsePowerAction(action)
	if !ok {
		return nil, invalid("unsupported power action %q", action)
	}
	defer func() { o.metrics.PowerFinished(string(a), err) }()

	unlock := o.locks.Lock(serverID)
	defer unlock()

	srv, err = o.getServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := authorize(srv, actorID, privileged); err != nil {
		return nil, err
	}
	t, err := o.target(ctx, srv)
	if err != nil {
		return nil, err
	}

	if err := o.gateway.Power(ctx, srv.ExternalID, t, a); err != nil {
		return nil, upstream(string(a)+" failed", err)
	}
	srv.Status = optimisticStatus(a)
	if err := o.save(ctx, srv); err != nil {
		return nil, err
	}
	o.logger.Info("power action applied", "server_id", srv.ID, "action", a, "status", srv.Status)
	return o.withUpgrades(ctx, srv), nil
}

// ResetServerPassword sets a fresh login password on the VM and returns
// it. The password is not stored.
func (o *Orchestrator) ResetServerPassword(ctx context.Context, serverID, actorID string, privileged bool) (*store.Server, string, error) {
	unlock := o.locks.Lock(serverID)
	defer unlock()

	srv, err := o.getServer(ctx, serverID)
	if err != nil {
		return nil, "", err
	}
	if err := authorize(srv, actorID, privileged); err != nil {
		return nil, "", err
	}
	t, err := o.target(ctx, srv)
	if err != nil {
		return nil, "", err
	}
	secret, err := o.password()
	if err != nil {
		return nil, "", err
	}
	if err := o.gateway.SetPassword(ctx, srv.ExternalID, t, secret); err != nil {
		return nil, "", upstream("password reset failed", err)
	}
	o.logger.Info("password reset", "server_id", srv.ID)
	return o.withUpgrades(ctx, srv), secret, nil
}
