package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// Orphan is a remote VM named like ours that no server references.
type Orphan struct {
	HostID     string `json:"host_id"`
	Node       string `json:"node"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

// DetectOrphans lists VMs carrying the configured name prefix that no
// server record points at, typically left by a create that timed out or
// by a rollback whose destroy failed.
// It only reports; nothing is destroyed.
func (o *Orchestrator) DetectOrphans(ctx context.Context) ([]Orphan, error) {
	inv, ok := o.gateway.(hypervisor.Inventory)
	if !ok {
		return nil, hypervisor.ErrNoInventory
	}
	hosts, err := o.store.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	servers, err := o.store.ListServers(ctx, store.ServerFilter{})
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	known := make(map[string]bool, len(servers))
	nodes := make(map[string]map[string]bool)
	for _, h := range hosts {
		nodes[h.ID] = map[string]bool{}
		if h.Node != "" {
			nodes[h.ID][h.Node] = true
		}
	}
	for _, s := range servers {
		if s.ExternalID != "" {
			known[s.ExternalID] = true
		}
		if set, ok := nodes[s.HostID]; ok && s.Node != "" {
			set[s.Node] = true
		}
	}

	prefix := o.cfg.NamePrefix + "-"
	var (
		mu      sync.Mutex
		orphans []Orphan
		g       errgroup.Group
	)
	g.SetLimit(reconcileConcurrency)
	for _, h := range hosts {
		for node := range nodes[h.ID] {
			g.Go(func() error {
				vms, err := inv.ListVMs(ctx, hypervisor.Target{Host: h, Node: node})
				if err != nil {
					return fmt.Errorf("list VMs on %s/%s: %w", h.ID, node, err)
				}
				mu.Lock()
				defer mu.Unlock()
				for _, vm := range vms {
					if vm.Template || !strings.HasPrefix(vm.Name, prefix) || known[vm.ExternalID] {
						continue
					}
					orphans = append(orphans, Orphan{HostID: h.ID, Node: node, ExternalID: vm.ExternalID, Name: vm.Name, Status: vm.Status})
				}
				return nil
			})
		}
	}
	err = g.Wait()

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ExternalID < orphans[j].ExternalID })
	for _, orphan := range orphans {
		o.logger.Warn("orphaned VM detected", "host_id", orphan.HostID, "node", orphan.Node,
			"external_id", orphan.ExternalID, "name", orphan.Name)
	}
	o.metrics.OrphansDetected(len(orphans))
	return orphans, err
}
