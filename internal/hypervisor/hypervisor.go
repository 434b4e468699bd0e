// Package hypervisor defines the contract the lease engine consumes from a
// VM control plane. Every call is independently fallible; implementations
// bound each call with their own timeout.
package hypervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

var (
	// ErrMalformedID is returned for external ids the gateway cannot parse.
	ErrMalformedID = errors.New("hypervisor: malformed external id")
	// ErrNoTemplate is returned when a create spec names no source template.
	ErrNoTemplate = errors.New("hypervisor: no template configured")
	// ErrNoInventory is returned when the gateway cannot list VMs.
	ErrNoInventory = errors.New("hypervisor: inventory listing not supported")
)

// Target addresses the endpoint and node a VM lives on.
type Target struct {
	Host store.HostConfig
	Node string
}

// PowerAction is a VM power transition.
type PowerAction string

const (
	ActionStart    PowerAction = "start"
	ActionStop     PowerAction = "stop"
	ActionReboot   PowerAction = "reboot"
	ActionReset    PowerAction = "reset"
	ActionShutdown PowerAction = "shutdown"
	ActionSuspend  PowerAction = "suspend"
	ActionResume   PowerAction = "resume"
)

// PowerActions lists every supported action.
var PowerActions = []PowerAction{
	ActionStart, ActionStop, ActionReboot, ActionReset, ActionShutdown, ActionSuspend, ActionResume,
}

// ParsePowerAction matches s case-insensitively against PowerActions.
func ParsePowerAction(s string) (PowerAction, bool) {
	a := PowerAction(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range PowerActions {
		if a == known {
			return a, true
		}
	}
	return "", false
}

// CreateSpec describes a VM to clone from a template.
type CreateSpec struct {
	ServerID     string
	Name         string
	TemplateVMID int
	CloneMode    string
	Storage      string
	VCPU         int
	MemoryMB     int
	DiskGB       int
	Password     string // login secret applied before the first boot
}

// Gateway is the hypervisor control-plane contract.
type Gateway interface {
	Create(ctx context.Context, spec CreateSpec, t Target) (externalID string, err error)
	Destroy(ctx context.Context, externalID string, t Target) error
	SetPassword(ctx context.Context, externalID string, t Target, secret string) error
	GetStatus(ctx context.Context, externalID string, t Target) (string, error)
	GetConfig(ctx context.Context, externalID string, t Target) (map[string]string, error)
	GetPrimaryAddress(ctx context.Context, externalID string, t Target) (string, error)
	UpdateResources(ctx context.Context, externalID string, t Target, vcpu, memoryMB int, diskVolume string) error
	ResizeDisk(ctx context.Context, externalID string, t Target, addDiskGB int) error
	Power(ctx context.Context, externalID string, t Target, action PowerAction) error
}

// VM is an entry of a remote inventory listing.
type VM struct {
	ExternalID string
	Name       string
	Status     string
	Template   bool
}

// Inventory is implemented by gateways that can enumerate the VMs on a node.
type Inventory interface {
	ListVMs(ctx context.Context, t Target) ([]VM, error)
}

// IsTimeout reports whether err is a deadline expiry rather than a
// definite failure. Callers cannot tell whether the remote side acted.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Observer receives per-call timings from an Instrumented gateway.
type Observer interface {
	ObserveGatewayCall(op string, d time.Duration, err error)
}
