package hypervisor

import (
	"context"
	"time"
)

// Instrumented wraps a Gateway and reports every call to an Observer.
type Instrumented struct {
	next Gateway
	obs  Observer
}

var _ Gateway = (*Instrumented)(nil)

// Instrument returns g unchanged when obs is nil.
func Instrument(g Gateway, obs Observer) Gateway {
	if obs == nil {
		return g
	}
	return &Instrumented{next: g, obs: obs}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.obs.ObserveGatewayCall(op, time.Since(start), err)
}

func (i *Instrumented) Create(ctx context.Context, spec CreateSpec, t Target) (id string, err error) {
	defer func(start time.Time) { i.observe("create", start, err) }(time.Now())
	return i.next.Create(ctx, spec, t)
}

func (i *Instrumented) Destroy(ctx context.Context, externalID string, t Target) (err error) {
	defer func(start time.Time) { i.observe("destroy", start, err) }(time.Now())
	return i.next.Destroy(ctx, externalID, t)
}

func (i *Instrumented) SetPassword(ctx context.Context, externalID string, t Target, secret string) (err error) {
	defer func(start time.Time) { i.observe("set_password", start, err) }(time.Now())
	return i.next.SetPassword(ctx, externalID, t, secret)
}

func (i *Instrumented) GetStatus(ctx context.Context, externalID string, t Target) (s string, err error) {
	defer func(start time.Time) { i.observe("get_status", start, err) }(time.Now())
	return i.next.GetStatus(ctx, externalID, t)
}

func (i *Instrumented) GetConfig(ctx context.Context, externalID string, t Target) (m map[string]string, err error) {
	defer func(start time.Time) { i.observe("get_config", start, err) }(time.Now())
	return i.next.GetConfig(ctx, externalID, t)
}

func (i *Instrumented) GetPrimaryAddress(ctx context.Context, externalID string, t Target) (a string, err error) {
	defer func(start time.Time) { i.observe("get_primary_address", start, err) }(time.Now())
	return i.next.GetPrimaryAddress(ctx, externalID, t)
}

func (i *Instrumented) UpdateResources(ctx context.Context, externalID string, t Target, vcpu, memoryMB int, diskVolume string) (err error) {
	defer func(start time.Time) { i.observe("update_resources", start, err) }(time.Now())
	return i.next.UpdateResources(ctx, externalID, t, vcpu, memoryMB, diskVolume)
}

func (i *Instrumented) ResizeDisk(ctx context.Context, externalID string, t Target, addDiskGB int) (err error) {
	defer func(start time.Time) { i.observe("resize_disk", start, err) }(time.Now())
	return i.next.ResizeDisk(ctx, externalID, t, addDiskGB)
}

func (i *Instrumented) Power(ctx context.Context, externalID string, t Target, action PowerAction) (err error) {
	defer func(start time.Time) { i.observe("power_"+string(action), start, err) }(time.Now())
	return i.next.Power(ctx, externalID, t, action)
}

// ListVMs forwards to the wrapped gateway when it implements Inventory.
func (i *Instrumented) ListVMs(ctx context.Context, t Target) (vms []VM, err error) {
	inv, ok := i.next.(Inventory)
	if !ok {
		return nil, ErrNoInventory
	}
	defer func(start time.Time) { i.observe("list_vms", start, err) }(time.Now())
	return inv.ListVMs(ctx, t)
}
