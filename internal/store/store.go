package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors for store implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
	ErrInvalid       = errors.New("store: invalid data")
)

type Config struct {
	DatabaseURL     string        `json:"database_url"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate"`
	EncryptionKey   string        `json:"-"`
}

// Status is the lifecycle state of a Server.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
	StatusRolledBack   Status = "rolled_back"
)

// ParseStatus accepts a status name in any case. It returns false for
// names outside the enumeration.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProvisioning, StatusActive, StatusStopped, StatusFailed, StatusRolledBack:
		return st, true
	}
	return "", false
}

// User owns servers and receives notifications.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	PhoneNumber    string    `json:"phone_number"`
	ExternalAuthID string    `json:"external_auth_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PlanSpec is a catalog entry describing a provisionable plan.
type PlanSpec struct {
	Name         string    `json:"name" yaml:"name"`
	VCPU         int       `json:"vcpu" yaml:"vcpu"`
	MemoryMB     int       `json:"memory_mb" yaml:"memory_mb"`
	DiskGB       int       `json:"disk_gb" yaml:"disk_gb"`
	Location     string    `json:"location" yaml:"location"`
	HostID       string    `json:"host_id,omitempty" yaml:"host_id"`
	Node         string    `json:"node,omitempty" yaml:"node"`
	TemplateVMID int       `json:"template_vmid,omitempty" yaml:"template_vmid"`
	DiskStorage  string    `json:"disk_storage" yaml:"disk_storage"`
	CloneMode    string    `json:"clone_mode,omitempty" yaml:"clone_mode"`
	Price        float64   `json:"price" yaml:"price"`
	ExpireInDays int       `json:"expire_in_days,omitempty" yaml:"expire_in_days"`
	Description  string    `json:"description,omitempty" yaml:"description"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}

// UpgradeSpec is a named additive delta to a server's resources.
type UpgradeSpec struct {
	Name        string    `json:"name" yaml:"name"`
	AddVCPU     int       `json:"add_vcpu" yaml:"add_vcpu"`
	AddMemoryMB int       `json:"add_memory_mb" yaml:"add_memory_mb"`
	AddDiskGB   int       `json:"add_disk_gb" yaml:"add_disk_gb"`
	Price       float64   `json:"price" yaml:"price"`
	Description string    `json:"description,omitempty" yaml:"description"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// HostConfig describes a hypervisor API endpoint. Password and
// TokenSecret are stored encrypted and never serialized.
type HostConfig struct {
	ID          string    `json:"id" yaml:"id"`
	BaseURL     string    `json:"base_url" yaml:"base_url"`
	Username    string    `json:"username,omitempty" yaml:"username"`
	Password    string    `json:"-" yaml:"password"`
	Realm       string    `json:"realm,omitempty" yaml:"realm"`
	TokenID     string    `json:"token_id,omitempty" yaml:"token_id"`
	TokenSecret string    `json:"-" yaml:"token_secret"`
	Node        string    `json:"node,omitempty" yaml:"node"`
	Location    string    `json:"location" yaml:"location"`
	VerifySSL   bool      `json:"verify_ssl" yaml:"verify_ssl"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// UpgradeRecord is one entry of a server's append-only upgrade history.
type UpgradeRecord struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	AppliedAt time.Time `json:"applied_at"`
}

// Server is a leased virtual machine instance.
type Server struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Plan     string `json:"plan"`
	Location string `json:"location"`
	HostID   string `json:"host_id,omitempty"`
	Node     string `json:"node,omitempty"`

	VCPU        int    `json:"vcpu"`
	MemoryMB    int    `json:"memory_mb"`
	DiskGB      int    `json:"disk_gb"`
	DiskStorage string `json:"disk_storage,omitempty"`

	// ExternalID is empty until the hypervisor create call succeeds.
	ExternalID string `json:"external_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	Status     Status `json:"status"`

	ExpireInDays   *int       `json:"expire_in_days,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`

	// AppliedUpgrades mirrors the upgrade history; it is not a column.
	AppliedUpgrades []UpgradeRecord `json:"applied_upgrades"`
}

// ExpiresAt returns created_at + expire_in_days. ok is false when the
// server has no expiry.
func (s *Server) ExpiresAt() (t time.Time, ok bool) {
	if s.ExpireInDays == nil {
		return time.Time{}, false
	}
	return s.CreatedAt.Add(time.Duration(*s.ExpireInDays) * 24 * time.Hour), true
}

// ExpiredAt reports whether the computed expiry is at or before now.
func (s *Server) ExpiredAt(now time.Time) bool {
	exp, ok := s.ExpiresAt()
	return ok && !exp.After(now)
}

// ExpiresWithin reports whether the computed expiry falls in (now, now+days].
func (s *Server) ExpiresWithin(now time.Time, days int) bool {
	exp, ok := s.ExpiresAt()
	if !ok {
		return false
	}
	return exp.After(now) && !exp.After(now.Add(time.Duration(days)*24*time.Hour))
}

// HasRemote reports whether the server is linked to a hypervisor VM.
func (s *Server) HasRemote() bool {
	return s.ExternalID != "" && s.HostID != ""
}

// ServerFilter narrows ListServers. Zero fields match everything.
type ServerFilter struct {
	OwnerID  string
	Location string
	HostID   string
	Status   Status
}

// DataStore is the persistence contract for the lease engine.
type DataStore interface {
	// User
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByExternalAuth(ctx context.Context, externalAuthID string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Plan catalog
	UpsertPlan(ctx context.Context, p *PlanSpec) error
	GetPlan(ctx context.Context, name string) (*PlanSpec, error)
	ListPlans(ctx context.Context) ([]PlanSpec, error)
	DeletePlan(ctx context.Context, name string) error

	// Upgrade catalog
	UpsertUpgrade(ctx context.Context, u *UpgradeSpec) error
	GetUpgrade(ctx context.Context, name string) (*UpgradeSpec, error)
	ListUpgrades(ctx context.Context) ([]UpgradeSpec, error)

	// Hypervisor hosts
	UpsertHost(ctx context.Context, h *HostConfig) error
	GetHost(ctx context.Context, id string) (*HostConfig, error)
	ListHosts(ctx context.Context) ([]HostConfig, error)
	ListHostsByLocation(ctx context.Context, location string) ([]HostConfig, error)

	// Server
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	UpdateServer(ctx context.Context, s *Server) error
	ListServersByOwner(ctx context.Context, ownerID string) ([]Server, error)
	ListServers(ctx context.Context, f ServerFilter) ([]Server, error)
	ListExpiredServers(ctx context.Context, now time.Time) ([]Server, error)
	ListServersExpiringWithin(ctx context.Context, now time.Time, days int) ([]Server, error)

	// Upgrade history
	RecordUpgrade(ctx context.Context, serverID, name string, price float64, at time.Time) (*UpgradeRecord, error)
	ListServerUpgrades(ctx context.Context, serverID string) ([]UpgradeRecord, error)
}

// Store is the root database handle with lifecycle methods.
type Store interface {
	DataStore
	Config() Config
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx DataStore) error) error
	Close() error
}
