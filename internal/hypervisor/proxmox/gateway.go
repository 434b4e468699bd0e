package proxmox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

var (
	_ hypervisor.Gateway   = (*Gateway)(nil)
	_ hypervisor.Inventory = (*Gateway)(nil)
)

// Gateway implements hypervisor.Gateway against Proxmox VE. One Client
// (and therefore one memoized session) is kept per host.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*hostClient

	// vmidMu serializes VMID allocation + clone so concurrent callers
	// cannot receive the same VMID before Proxmox reserves it.
	vmidMu sync.Mutex
}

type hostClient struct {
	fingerprint string
	client      *Client
}

// New validates cfg and returns a gateway.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxmox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		logger:  logger.With("component", "proxmox"),
		clients: make(map[string]*hostClient),
	}, nil
}

// FormatExternalID renders the "<type>:<node>:<vmid>" identifier.
func FormatExternalID(node string, vmid int) string {
	return fmt.Sprintf("qemu:%s:%d", node, vmid)
}

// ParseExternalID splits an identifier produced by FormatExternalID.
func ParseExternalID(id string) (node string, vmid int, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] != "qemu" || parts[1] == "" {
		return "", 0, fmt.Errorf("%w: %q, expected 'qemu:<node>:<vmid>'", hypervisor.ErrMalformedID, id)
	}
	vmid, err = strconv.Atoi(parts[2])
	if err != nil || vmid <= 0 {
		return "", 0, fmt.Errorf("%w: %q has invalid vmid", hypervisor.ErrMalformedID, id)
	}
	return parts[1], vmid, nil
}

// client returns the cached client for h, replacing it when the endpoint
// or credentials changed.
func (g *Gateway) client(h store.HostConfig) *Client {
	fp := strings.Join([]string{h.BaseURL, h.Username, h.Password, h.Realm, h.TokenID, h.TokenSecret, strconv.FormatBool(h.VerifySSL)}, "\x00")

	g.mu.Lock()
	defer g.mu.Unlock()
	if hc, ok := g.clients[h.ID]; ok && hc.fingerprint == fp {
		return hc.client
	}
	c := NewClient(h, g.cfg.CallTimeout, g.cfg.SessionTTL, g.logger)
	g.clients[h.ID] = &hostClient{fingerprint: fp, client: c}
	return c
}

// target resolves the client, node and vmid for an existing VM. The
// caller's node wins over the one embedded in the id.
func (g *Gateway) target(externalID string, t hypervisor.Target) (*Client, string, int, error) {
	node, vmid, err := ParseExternalID(externalID)
	if err != nil {
		return nil, "", 0, err
	}
	if t.Node != "" {
		node = t.Node
	}
	return g.client(t.Host), node, vmid, nil
}

func (g *Gateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.CallTimeout)
}

func (g *Gateway) Create(ctx context.Context, spec hypervisor.CreateSpec, t hypervisor.Target) (string, error) {
	if spec.TemplateVMID <= 0 {
		return "", hypervisor.ErrNoTemplate
	}
	if t.Node == "" {
		return "", fmt.Errorf("proxmox create: no node for host %s", t.Host.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CreateTimeout)
	defer cancel()

	c := g.client(t.Host)
	node := t.Node
	mode := spec.CloneMode
	if mode == "" {
		mode = g.cfg.CloneMode
	}
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", g.cfg.NamePrefix, spec.ServerID)
	}

	g.vmidMu.Lock()
	vmid, err := c.NextVMID(ctx)
	if err != nil {
		g.vmidMu.Unlock()
		return "", fmt.Errorf("allocate VMID: %w", err)
	}
	g.logger.Info("cloning VM",
		"template_vmid", spec.TemplateVMID,
		"new_vmid", vmid,
		"name", name,
		"node", node,
		"full_clone", mode == "full",
	)
	upid, err := c.CloneVM(ctx, node, spec.TemplateVMID, vmid, name, mode == "full", spec.Storage)
	g.vmidMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("clone template %d: %w", spec.TemplateVMID, err)
	}

	externalID := FormatExternalID(node, vmid)
	if err := g.finishCreate(ctx, c, node, vmid, upid, spec); err != nil {
		// After a timeout the clone may still complete; leave it for the
		// orphan scan rather than racing the task.
		if !hypervisor.IsTimeout(err) {
			g.discard(c, node, vmid)
		}
		return "", err
	}
	return externalID, nil
}

func (g *Gateway) finishCreate(ctx context.Context, c *Client, node string, vmid int, upid string, spec hypervisor.CreateSpec) error {
	if err := c.WaitForTask(ctx, node, upid, g.cfg.TaskPollInterval); err != nil {
		return fmt.Errorf("wait for clone: %w", err)
	}

	params := url.Values{}
	if spec.VCPU > 0 {
		params.Set("cores", strconv.Itoa(spec.VCPU))
		params.Set("sockets", "1")
	}
	if spec.MemoryMB > 0 {
		params.Set("memory", strconv.Itoa(spec.MemoryMB))
	}
	// cloud-init reads these on boot, so they must land before the start.
	if spec.Password != "" {
		params.Set("cipassword", spec.Password)
		if g.cfg.DefaultUser != "" {
			params.Set("ciuser", g.cfg.DefaultUser)
		}
	}
	if len(params) > 0 {
		if err := c.SetVMConfig(ctx, node, vmid, params); err != nil {
			return fmt.Errorf("configure VM: %w", err)
		}
	}

	if spec.DiskGB > 0 {
		cfg, err := c.GetVMConfig(ctx, node, vmid)
		if err != nil {
			return fmt.Errorf("read cloned config: %w", err)
		}
		if key, desc := hypervisor.PrimaryDisk(cfg); key != "" {
			d, _ := hypervisor.ParseDiskDescriptor(desc)
			if d.HasSize && spec.DiskGB > d.SizeGB {
				if err := c.ResizeDisk(ctx, node, vmid, key, fmt.Sprintf("+%dG", spec.DiskGB-d.SizeGB)); err != nil {
					return fmt.Errorf("grow %s to %dG: %w", key, spec.DiskGB, err)
				}
			}
		}
	}

	if g.cfg.StartOnCreate {
		upid, err := c.StatusAction(ctx, node, vmid, "start")
		if err != nil {
			return fmt.Errorf("start VM: %w", err)
		}
		if err := c.WaitForTask(ctx, node, upid, g.cfg.TaskPollInterval); err != nil {
			return fmt.Errorf("wait for start: %w", err)
		}
	}
	return nil
}

// discard removes a half-created VM. It runs on a fresh context because
// the create context may already be done.
func (g *Gateway) discard(c *Client, node string, vmid int) {
	ctx, cancel := g.callCtx(context.Background())
	defer cancel()
	upid, err := c.DeleteVM(ctx, node, vmid)
	if err == nil {
		err = c.WaitForTask(ctx, node, upid, g.cfg.TaskPollInterval)
	}
	if err != nil {
		g.logger.Error("failed to discard partially created VM; orphaned VM", "node", node, "vmid", vmid, "error", err)
	}
}

func (g *Gateway) Destroy(ctx context.Context, externalID string, t hypervisor.Target) error {
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	// Deleting a running VM is refused; a failed stop (already stopped) is fine.
	if upid, err := c.StatusAction(ctx, node, vmid, "stop"); err == nil {
		_ = c.WaitForTask(ctx, node, upid, g.cfg.TaskPollInterval)
	}
	upid, err := c.DeleteVM(ctx, node, vmid)
	if err != nil {
		return fmt.Errorf("delete %s: %w", externalID, err)
	}
	if err := c.WaitForTask(ctx, node, upid, g.cfg.TaskPollInterval); err != nil {
		return fmt.Errorf("wait for delete %s: %w", externalID, err)
	}
	return nil
}

// SetPassword writes the cloud-init password and pushes it through the
// guest agent. The agent path is what changes a running guest; cloud-init
// alone only counts when the VM is stopped, since it applies on next boot.
func (g *Gateway) SetPassword(ctx context.Context, externalID string, t hypervisor.Target, secret string) error {
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	ciErr := c.SetVMConfig(ctx, node, vmid, url.Values{"cipassword": {secret}})
	agentErr := c.SetGuestPassword(ctx, node, vmid, g.cfg.DefaultUser, secret)
	switch {
	case agentErr == nil:
		return nil
	case ciErr != nil:
		return fmt.Errorf("set password on %s: cloud-init: %v; guest agent: %w", externalID, ciErr, agentErr)
	}

	st, err := c.GetVMStatus(ctx, node, vmid)
	if err != nil || st.Status != "stopped" {
		return fmt.Errorf("set password on %s: guest agent: %w; cloud-init value waits for a reboot", externalID, agentErr)
	}
	return nil
}

func (g *Gateway) GetStatus(ctx context.Context, externalID string, t hypervisor.Target) (string, error) {
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return "", err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	st, err := c.GetVMStatus(ctx, node, vmid)
	if err != nil {
		return "", err
	}
	// qmpstatus distinguishes paused/suspended from running.
	if st.QMPStatus != "" {
		return st.QMPStatus, nil
	}
	return st.Status, nil
}

func (g *Gateway) GetConfig(ctx context.Context, externalID string, t hypervisor.Target) (map[string]string, error) {
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()
	return c.GetVMConfig(ctx, node, vmid)
}

// GetPrimaryAddress returns the first global IPv4 address reported by the
// guest agent, or "" when none is reported.
func (g *Gateway) GetPrimaryAddress(ctx context.Context, externalID string, t hypervisor.Target) (string, error) {
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return "", err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	ifaces, err := c.GetGuestAgentInterfaces(ctx, node, vmid)
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.IPAddressType != "ipv4" {
				continue
			}
			ip := net.ParseIP(addr.IPAddress)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return addr.IPAddress, nil
		}
	}
	return "", nil
}

// UpdateResources sets cores and memory. The existing boot volume is left
// in place; growth goes through ResizeDisk. diskVolume is only written
// when the VM has no disk yet.
func (g *Gateway) UpdateResources(ctx context.Context, externalID string, t hypervisor.Target, vcpu, memoryMB int, diskVolume string) error {
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := url.Values{
		"cores":   {strconv.Itoa(vcpu)},
		"sockets": {"1"},
		"memory":  {strconv.Itoa(memoryMB)},
	}
	if diskVolume != "" {
		cfg, err := c.GetVMConfig(ctx, node, vmid)
		if err != nil {
			return fmt.Errorf("read config of %s: %w", externalID, err)
		}
		key, desc := hypervisor.PrimaryDisk(cfg)
		switch {
		case key == "":
			params.Set(hypervisor.DiskKeys[0], diskVolume)
		default:
			cur, _ := hypervisor.ParseDiskDescriptor(desc)
			want, _ := hypervisor.ParseDiskDescriptor(diskVolume)
			if want.Storage != "" && cur.Storage != want.Storage {
				g.logger.Warn("disk storage differs from requested pool; storage migration is not performed",
					"external_id", externalID, "current", cur.Storage, "requested", want.Storage)
			}
		}
	}
	if err := c.SetVMConfig(ctx, node, vmid, params); err != nil {
		return fmt.Errorf("update resources of %s: %w", externalID, err)
	}
	return nil
}

func (g *Gateway) ResizeDisk(ctx context.Context, externalID string, t hypervisor.Target, addDiskGB int) error {
	if addDiskGB <= 0 {
		return nil
	}
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	cfg, err := c.GetVMConfig(ctx, node, vmid)
	if err != nil {
		return fmt.Errorf("read config of %s: %w", externalID, err)
	}
	key, _ := hypervisor.PrimaryDisk(cfg)
	if key == "" {
		return fmt.Errorf("resize %s: no disk found", externalID)
	}
	if err := c.ResizeDisk(ctx, node, vmid, key, fmt.Sprintf("+%dG", addDiskGB)); err != nil {
		return fmt.Errorf("resize %s of %s: %w", key, externalID, err)
	}
	return nil
}

func (g *Gateway) Power(ctx context.Context, externalID string, t hypervisor.Target, action hypervisor.PowerAction) error {
	if _, ok := hypervisor.ParsePowerAction(string(action)); !ok {
		return fmt.Errorf("unsupported power action %q", action)
	}
	c, node, vmid, err := g.target(externalID, t)
	if err != nil {
		return err
	}
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	upid, err := c.StatusAction(ctx, node, vmid, string(action))
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, externalID, err)
	}
	if err := c.WaitForTask(ctx, node, upid, g.cfg.TaskPollInterval); err != nil {
		return fmt.Errorf("wait for %s %s: %w", action, externalID, err)
	}
	return nil
}

// ListVMs lists the QEMU VMs on the target node.
func (g *Gateway) ListVMs(ctx context.Context, t hypervisor.Target) ([]hypervisor.VM, error) {
	c := g.client(t.Host)
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	entries, err := c.ListVMs(ctx, t.Node)
	if err != nil {
		return nil, err
	}
	vms := make([]hypervisor.VM, 0, len(entries))
	for _, e := range entries {
		vms = append(vms, hypervisor.VM{
			ExternalID: FormatExternalID(t.Node, e.VMID),
			Name:       e.Name,
			Status:     e.Status,
			Template:   e.Template == 1,
		})
	}
	return vms, nil
}

// NamePrefix is the prefix given to VMs this gateway creates.
func (g *Gateway) NamePrefix() string { return g.cfg.NamePrefix }
