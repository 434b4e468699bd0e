package orchestrator

import (
	"context"
	"fmt"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// ApplyUpgrade adds an upgrade bundle's deltas to a stopped server and
// records it in the server's upgrade history.
func (o *Orchestrator) ApplyUpgrade(ctx context.Context, serverID, actorID, upgradeName string, privileged bool) (srv *store.Server, err error) {
	defer func() { o.metrics.UpgradeFinished(err) }()

	unlock := o.locks.Lock(serverID)
	defer unlock()

	srv, err = o.getServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := authorize(srv, actorID, privileged); err != nil {
		return nil, err
	}
	up, err := o.store.GetUpgrade(ctx, upgradeName)
	if err != nil {
		return nil, lookup(err, "upgrade", upgradeName)
	}
	t, err := o.target(ctx, srv)
	if err != nil {
		return nil, err
	}

	// Resizing a running VM is not safe on every hypervisor, so the live
	// status must be stopped. The persisted status is used when the live
	// one cannot be read.
	effective := srv.Status
	if remote, err := o.gateway.GetStatus(ctx, srv.ExternalID, t); err == nil {
		if st, ok := MapRemoteStatus(remote); ok {
			effective = st
		}
	} else {
		o.logger.Warn("live status unavailable; using persisted status", "server_id", srv.ID, "error", err)
	}
	if effective != store.StatusStopped {
		return nil, precondition("server %q must be stopped to upgrade (status %s)", srv.ID, effective)
	}

	vcpu := srv.VCPU + up.AddVCPU
	mem := srv.MemoryMB + up.AddMemoryMB
	disk := srv.DiskGB + up.AddDiskGB
	if vcpu <= 0 || mem <= 0 || disk < 0 {
		return nil, invalid("upgrade %q would leave server %q with invalid resources", up.Name, srv.ID)
	}
	volume := ""
	if srv.DiskStorage != "" {
		volume = hypervisor.DiskVolume(srv.DiskStorage, disk)
	}

	if err := o.gateway.UpdateResources(ctx, srv.ExternalID, t, vcpu, mem, volume); err != nil {
		return nil, upstream("update resources failed", err)
	}
	if up.AddDiskGB != 0 {
		if err := o.gateway.ResizeDisk(ctx, srv.ExternalID, t, up.AddDiskGB); err != nil {
			return nil, upstream("disk resize failed", err)
		}
	}

	srv.VCPU, srv.MemoryMB, srv.DiskGB = vcpu, mem, disk
	srv.Status = effective
	if err := o.save(ctx, srv); err != nil {
		return nil, err
	}
	if _, err := o.store.RecordUpgrade(ctx, srv.ID, up.Name, up.Price, o.now()); err != nil {
		return nil, fmt.Errorf("record upgrade %s on %s: %w", up.Name, srv.ID, err)
	}
	o.logger.Info("upgrade applied", "server_id", srv.ID, "upgrade", up.Name,
		"vcpu", vcpu, "memory_mb", mem, "disk_gb", disk)
	return o.withUpgrades(ctx, srv), nil
}
