package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/notify"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Checked int `json:"checked"`
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
}

// SweepExpired stops every server whose expiry is at or before now.
// Unlinked servers are only marked stopped. Any resolution or gateway
// error marks the server failed. Cancellation is checked between servers.
func (o *Orchestrator) SweepExpired(ctx context.Context, now time.Time) (SweepReport, error) {
	var rep SweepReport
	servers, err := o.store.ListExpiredServers(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list expired servers: %w", err)
	}
	for i := range servers {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		switch o.sweepOne(ctx, servers[i].ID, now) {
		case sweepStopped:
			rep.Checked++
			rep.Stopped++
		case sweepFailed:
			rep.Checked++
			rep.Failed++
		}
	}
	if rep.Checked > 0 {
		o.logger.Info("expiry sweep finished", "checked", rep.Checked, "stopped", rep.Stopped, "failed", rep.Failed)
	}
	return rep, nil
}

type sweepResult int

const (
	sweepStopped sweepResult = iota
	sweepFailed
	sweepSkipped
)

func (o *Orchestrator) sweepOne(ctx context.Context, id string, now time.Time) sweepResult {
	unlock := o.locks.Lock(id)
	defer unlock()

	logger := o.logger.With("server_id", id)
	srv, err := o.store.GetServer(ctx, id)
	if err != nil {
		logger.Warn("expired server vanished", "error", err)
		return sweepSkipped
	}
	if !srv.ExpiredAt(now) {
		// Extended since it was listed.
		return sweepSkipped
	}

	stopErr := o.expireStop(ctx, srv)
	o.metrics.ExpiryStopped(stopErr)
	if stopErr != nil {
		logger.Warn("expiry stop failed", "error", stopErr)
		srv.Status = store.StatusFailed
	} else {
		srv.Status = store.StatusStopped
	}
	if err := o.save(ctx, srv); err != nil {
		logger.Error("persist expired server failed", "error", err)
		return sweepFailed
	}
	if stopErr != nil {
		return sweepFailed
	}
	return sweepStopped
}

func (o *Orchestrator) expireStop(ctx context.Context, srv *store.Server) error {
	if srv.ExternalID == "" {
		return nil
	}
	t, err := o.target(ctx, srv)
	if err != nil {
		return err
	}
	return o.gateway.Power(ctx, srv.ExternalID, t, hypervisor.ActionStop)
}

// NotifyReport summarizes one notifier run.
type NotifyReport struct {
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func sameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// NotifyExpiring warns owners whose servers expire within days after now.
// Each server is warned at most once per UTC calendar day; the stamp is
// only written after a successful send. days <= 0 uses the configured
// window.
func (o *Orchestrator) NotifyExpiring(ctx context.Context, now time.Time, days int) (NotifyReport, error) {
	if days <= 0 {
		days = o.cfg.WarningDays
	}
	var rep NotifyReport
	servers, err := o.store.ListServersExpiringWithin(ctx, now, days)
	if err != nil {
		return rep, fmt.Errorf("list expiring servers: %w", err)
	}
	rep.Candidates = len(servers)
	for i := range servers {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		switch o.notifyOne(ctx, servers[i].ID, now, days) {
		case notifySent:
			rep.Sent++
		case notifySkipped:
			rep.Skipped++
		case notifyFailed:
			rep.Failed++
		}
	}
	if rep.Candidates > 0 {
		o.logger.Info("expiry notifications finished", "candidates", rep.Candidates, "sent", rep.Sent, "skipped", rep.Skipped, "failed", rep.Failed)
	}
	return rep, nil
}

type notifyResult int

const (
	notifySent notifyResult = iota
	notifySkipped
	notifyFailed
)

func (o *Orchestrator) notifyOne(ctx context.Context, id string, now time.Time, days int) notifyResult {
	unlock := o.locks.Lock(id)
	defer unlock()

	logger := o.logger.With("server_id", id)
	srv, err := o.store.GetServer(ctx, id)
	if err != nil || !srv.ExpiresWithin(now, days) {
		return notifySkipped
	}
	if srv.LastNotifiedAt != nil && sameUTCDate(*srv.LastNotifiedAt, now) {
		return notifySkipped
	}
	user, err := o.store.GetUser(ctx, srv.OwnerID)
	if err != nil {
		logger.Warn("owner not found; skipping expiry warning", "owner_id", srv.OwnerID, "error", err)
		return notifySkipped
	}
	exp, _ := srv.ExpiresAt()
	if err := o.notifier.Send(ctx, user.PhoneNumber, notify.ExpiryWarning(user.Email, exp)); err != nil {
		logger.Warn("expiry warning not delivered", "error", err)
		return notifyFailed
	}
	stamp := now.UTC()
	srv.LastNotifiedAt = &stamp
	if err := o.save(ctx, srv); err != nil {
		logger.Error("stamp last_notified_at failed", "error", err)
		return notifyFailed
	}
	o.metrics.ExpiryWarned()
	return notifySent
}

// ExtendServerExpiry adds days to a server's lease. The per-day warning
// gate is left alone, so an extension never causes a second warning on
// the same UTC date.
func (o *Orchestrator) ExtendServerExpiry(ctx context.Context, serverID, actorID string, days int, privileged bool) (*store.Server, error) {
	if days <= 0 {
		return nil, invalid("days must be positive")
	}
	unlock := o.locks.Lock(serverID)
	defer unlock()

	srv, err := o.getServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := authorize(srv, actorID, privileged); err != nil {
		return nil, err
	}
	total := days
	if srv.ExpireInDays != nil {
		total += *srv.ExpireInDays
	}
	srv.ExpireInDays = &total
	if err := o.save(ctx, srv); err != nil {
		return nil, err
	}
	o.logger.Info("expiry extended", "server_id", srv.ID, "expire_in_days", total)
	return o.withUpgrades(ctx, srv), nil
}
