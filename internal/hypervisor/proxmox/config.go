package proxmox

import (
	"fmt"
	"time"
)

// Config holds gateway-wide settings. Endpoint and credentials come from
// store.HostConfig per call.
type Config struct {
	CallTimeout      time.Duration // bound for every non-create call
	CreateTimeout    time.Duration // bound for clone + configure + start
	TaskPollInterval time.Duration
	SessionTTL       time.Duration // ticket lifetime before re-authentication
	NamePrefix       string        // VM name prefix, "<prefix>-<server id>"
	CloneMode        string        // default when a plan sets none: "full" or "linked"
	StartOnCreate    bool
	DefaultUser      string // guest account for password injection
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 5 * time.Minute
	}
	if c.TaskPollInterval <= 0 {
		c.TaskPollInterval = 2 * time.Second
	}
	if c.SessionTTL <= 0 {
		// PVE tickets are valid for two hours.
		c.SessionTTL = 90 * time.Minute
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "vc"
	}
	if c.DefaultUser == "" {
		c.DefaultUser = "root"
	}
	if c.CloneMode == "" {
		c.CloneMode = "full"
	}
	if c.CloneMode != "full" && c.CloneMode != "linked" {
		return fmt.Errorf("proxmox clone_mode must be 'full' or 'linked', got %q", c.CloneMode)
	}
	return nil
}
