package orchestrator

import (
	"context"
	"strings"

	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// Catalog is the read-only view of plans and hosts the resolver needs.
type Catalog interface {
	GetPlan(ctx context.Context, name string) (*store.PlanSpec, error)
	GetHost(ctx context.Context, id string) (*store.HostConfig, error)
	ListHostsByLocation(ctx context.Context, location string) ([]store.HostConfig, error)
}

// Placement is a resolved plan together with where it will run.
type Placement struct {
	Plan store.PlanSpec
	Host store.HostConfig
	Node string
}

// PolicyResolver maps plan names and locations onto catalog entries. It
// has no side effects.
type PolicyResolver struct {
	catalog Catalog
}

func NewPolicyResolver(c Catalog) *PolicyResolver {
	return &PolicyResolver{catalog: c}
}

// ResolvePlan looks up a plan by name.
func (r *PolicyResolver) ResolvePlan(ctx context.Context, name string) (*store.PlanSpec, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("plan is required")
	}
	p, err := r.catalog.GetPlan(ctx, name)
	if err != nil {
		return nil, lookup(err, "plan", name)
	}
	return p, nil
}

// ResolveHost picks the host for plan in location. A plan is bound to its
// declared location; asking for another one is a validation error. A
// pinned host is used verbatim. Otherwise the first host tagged with the
// location, in host id order, is chosen.
func (r *PolicyResolver) ResolveHost(ctx context.Context, location string, plan *store.PlanSpec) (*store.HostConfig, error) {
	if plan.Location != "" && location != plan.Location {
		return nil, invalid("plan %q is only available in %q, not %q", plan.Name, plan.Location, location)
	}
	if plan.HostID != "" {
		h, err := r.catalog.GetHost(ctx, plan.HostID)
		if err != nil {
			return nil, lookup(err, "host", plan.HostID)
		}
		return h, nil
	}
	hosts, err := r.catalog.ListHostsByLocation(ctx, location)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, notFound("no hypervisor host in location %q", location)
	}
	h := hosts[0]
	return &h, nil
}

// Resolve resolves plan, host and node for a provisioning request. An
// empty location means the plan's own location.
func (r *PolicyResolver) Resolve(ctx context.Context, planName, location string) (*Placement, error) {
	plan, err := r.ResolvePlan(ctx, planName)
	if err != nil {
		return nil, err
	}
	location = strings.TrimSpace(location)
	if location == "" {
		location = plan.Location
	}
	if location == "" {
		return nil, invalid("location is required for plan %q", plan.Name)
	}
	host, err := r.ResolveHost(ctx, location, plan)
	if err != nil {
		return nil, err
	}
	node := plan.Node
	if node == "" {
		node = host.Node
	}
	if node == "" {
		return nil, precondition("host %q has no node configured", host.ID)
	}
	return &Placement{Plan: *plan, Host: *host, Node: node}, nil
}
