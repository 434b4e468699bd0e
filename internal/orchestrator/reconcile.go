package orchestrator

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// Reconcile pulls remote status, resources and address into srv and
// persists them when anything changed. Servers without a resolvable VM,
// or whose status or config cannot be read, are returned unchanged.
func (o *Orchestrator) Reconcile(ctx context.Context, srv *store.Server) *store.Server {
	logger := o.logger.With("server_id", srv.ID, "external_id", srv.ExternalID)

	t, err := o.target(ctx, srv)
	if err != nil {
		return o.withUpgrades(ctx, srv)
	}

	var (
		remoteStatus string
		cfg          map[string]string
		addr         string
		g            errgroup.Group
	)
	g.Go(func() (err error) {
		remoteStatus, err = o.gateway.GetStatus(ctx, srv.ExternalID, t)
		return err
	})
	g.Go(func() (err error) {
		cfg, err = o.gateway.GetConfig(ctx, srv.ExternalID, t)
		return err
	})
	g.Go(func() error {
		var err error
		if addr, err = o.gateway.GetPrimaryAddress(ctx, srv.ExternalID, t); err != nil {
			logger.Debug("primary address lookup failed", "error", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Warn("reconcile skipped; remote read failed", "error", err)
		return o.withUpgrades(ctx, srv)
	}

	next := *srv
	applyRemote(&next, remoteStatus, cfg, addr)
	changed := reconciledFieldsDiffer(srv, &next)
	o.metrics.Reconciled(changed)
	if !changed {
		return o.withUpgrades(ctx, srv)
	}

	// A busy lock means a mutation is in flight; the next read retries.
	unlock, ok := o.locks.TryLock(srv.ID)
	if !ok {
		return o.withUpgrades(ctx, srv)
	}
	defer unlock()

	fresh, err := o.store.GetServer(ctx, srv.ID)
	if err != nil || fresh.ExternalID != srv.ExternalID {
		return o.withUpgrades(ctx, srv)
	}
	copyReconciled(fresh, &next)
	if err := o.save(ctx, fresh); err != nil {
		logger.Warn("persist reconciled server failed", "error", err)
		return o.withUpgrades(ctx, srv)
	}
	logger.Debug("server reconciled", "status", fresh.Status)
	return o.withUpgrades(ctx, fresh)
}

// applyRemote folds remote facts into srv. Unknown or missing values
// leave the local field as is.
func applyRemote(srv *store.Server, remoteStatus string, cfg map[string]string, addr string) {
	if st, ok := MapRemoteStatus(remoteStatus); ok {
		srv.Status = st
	}

	if cores, ok := atoi(cfg["cores"]); ok && cores > 0 {
		sockets, ok := atoi(cfg["sockets"])
		if !ok || sockets <= 0 {
			sockets = 1
		}
		srv.VCPU = cores * sockets
	}

	mem, ok := atoi(cfg["memory"])
	if !ok {
		mem, ok = atoi(cfg["mem"])
	}
	if ok && mem > 0 {
		if mem > 1<<20 { // reported in bytes
			mem /= 1 << 20
		}
		srv.MemoryMB = mem
	}

	if _, desc := hypervisor.PrimaryDisk(cfg); desc != "" {
		if d, ok := hypervisor.ParseDiskDescriptor(desc); ok {
			srv.DiskStorage = d.Storage
			if d.HasSize {
				srv.DiskGB = d.SizeGB
			}
		}
	}

	if addr == "" {
		addr = hypervisor.ParseIPConfig(cfg["ipconfig0"])
	}
	if addr != "" {
		srv.IPAddress = addr
	}
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}

func reconciledFieldsDiffer(a, b *store.Server) bool {
	return a.Status != b.Status ||
		a.VCPU != b.VCPU ||
		a.MemoryMB != b.MemoryMB ||
		a.DiskGB != b.DiskGB ||
		a.DiskStorage != b.DiskStorage ||
		a.IPAddress != b.IPAddress
}

func copyReconciled(dst, src *store.Server) {
	dst.Status = src.Status
	dst.VCPU = src.VCPU
	dst.MemoryMB = src.MemoryMB
	dst.DiskGB = src.DiskGB
	dst.DiskStorage = src.DiskStorage
	dst.IPAddress = src.IPAddress
}
