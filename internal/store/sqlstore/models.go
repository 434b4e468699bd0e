package sqlstore

import (
	"time"

	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

type UserModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Email          string    `gorm:"column:email;not null;index"`
	PhoneNumber    string    `gorm:"column:phone_number;not null"`
	ExternalAuthID *string   `gorm:"column:external_auth_id;uniqueIndex"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (UserModel) TableName() string { return "users" }

type PlanModel struct {
	Name         string    `gorm:"column:name;primaryKey"`
	VCPU         int       `gorm:"column:vcpu;not null"`
	MemoryMB     int       `gorm:"column:memory_mb;not null"`
	DiskGB       int       `gorm:"column:disk_gb;not null"`
	Location     string    `gorm:"column:location;not null;index"`
	HostID       string    `gorm:"column:host_id"`
	Node         string    `gorm:"column:node"`
	TemplateVMID int       `gorm:"column:template_vmid;not null;default:0"`
	DiskStorage  string    `gorm:"column:disk_storage;not null;default:'local-lvm'"`
	CloneMode    string    `gorm:"column:clone_mode"`
	Price        float64   `gorm:"column:price;not null;default:0"`
	ExpireInDays int       `gorm:"column:expire_in_days;not null;default:0"`
	Description  string    `gorm:"column:description"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (PlanModel) TableName() string { return "plans" }

type UpgradeSpecModel struct {
	Name        string    `gorm:"column:name;primaryKey"`
	AddVCPU     int       `gorm:"column:add_vcpu;not null;default:0"`
	AddMemoryMB int       `gorm:"column:add_memory_mb;not null;default:0"`
	AddDiskGB   int       `gorm:"column:add_disk_gb;not null;default:0"`
	Price       float64   `gorm:"column:price;not null;default:0"`
	Description string    `gorm:"column:description"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (UpgradeSpecModel) TableName() string { return "upgrades" }

type HostModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	BaseURL     string    `gorm:"column:base_url;not null"`
	Username    string    `gorm:"column:username"`
	Password    string    `gorm:"column:password"`
	Realm       string    `gorm:"column:realm;not null;default:'pam'"`
	TokenID     string    `gorm:"column:token_id"`
	TokenSecret string    `gorm:"column:token_secret"`
	Node        string    `gorm:"column:node"`
	Location    string    `gorm:"column:location;not null;index"`
	VerifySSL   bool      `gorm:"column:verify_ssl;not null;default:true"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (HostModel) TableName() string { return "hypervisor_hosts" }

type ServerModel struct {
	ID             string     `gorm:"column:id;primaryKey"`
	OwnerID        string     `gorm:"column:owner_id;not null;index"`
	Plan           string     `gorm:"column:plan;not null"`
	Location       string     `gorm:"column:location;not null;index"`
	HostID         string     `gorm:"column:host_id;index"`
	Node           string     `gorm:"column:node"`
	VCPU           int        `gorm:"column:vcpu;not null;default:0"`
	MemoryMB       int        `gorm:"column:memory_mb;not null;default:0"`
	DiskGB         int        `gorm:"column:disk_gb;not null;default:0"`
	DiskStorage    string     `gorm:"column:disk_storage"`
	ExternalID     *string    `gorm:"column:external_id;index"`
	IPAddress      string     `gorm:"column:ip_address"`
	Status         string     `gorm:"column:status;not null;default:'pending';index"`
	ExpireInDays   *int       `gorm:"column:expire_in_days"`
	CreatedAt      time.Time  `gorm:"column:created_at;index"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
	LastNotifiedAt *time.Time `gorm:"column:last_notified_at"`
}

func (ServerModel) TableName() string { return "servers" }

type UpgradeRecordModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	ServerID  string    `gorm:"column:server_id;not null;index:idx_server_upgrades_server_applied,priority:1"`
	Name      string    `gorm:"column:name;not null"`
	Price     float64   `gorm:"column:price;not null;default:0"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;index:idx_server_upgrades_server_applied,priority:2"`
}

func (UpgradeRecordModel) TableName() string { return "server_upgrades" }

// --- Model converters ---

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func userToModel(u *store.User) *UserModel {
	return &UserModel{
		ID:             u.ID,
		Email:          u.Email,
		PhoneNumber:    u.PhoneNumber,
		ExternalAuthID: nullable(u.ExternalAuthID),
		CreatedAt:      u.CreatedAt,
	}
}

func userFromModel(m *UserModel) *store.User {
	return &store.User{
		ID:             m.ID,
		Email:          m.Email,
		PhoneNumber:    m.PhoneNumber,
		ExternalAuthID: deref(m.ExternalAuthID),
		CreatedAt:      m.CreatedAt,
	}
}

func planToModel(p *store.PlanSpec) *PlanModel {
	return &PlanModel{
		Name:         p.Name,
		VCPU:         p.VCPU,
		MemoryMB:     p.MemoryMB,
		DiskGB:       p.DiskGB,
		Location:     p.Location,
		HostID:       p.HostID,
		Node:         p.Node,
		TemplateVMID: p.TemplateVMID,
		DiskStorage:  p.DiskStorage,
		CloneMode:    p.CloneMode,
		Price:        p.Price,
		ExpireInDays: p.ExpireInDays,
		Description:  p.Description,
		CreatedAt:    p.CreatedAt,
	}
}

func planFromModel(m *PlanModel) *store.PlanSpec {
	return &store.PlanSpec{
		Name:         m.Name,
		VCPU:         m.VCPU,
		MemoryMB:     m.MemoryMB,
		DiskGB:       m.DiskGB,
		Location:     m.Location,
		HostID:       m.HostID,
		Node:         m.Node,
		TemplateVMID: m.TemplateVMID,
		DiskStorage:  m.DiskStorage,
		CloneMode:    m.CloneMode,
		Price:        m.Price,
		ExpireInDays: m.ExpireInDays,
		Description:  m.Description,
		CreatedAt:    m.CreatedAt,
	}
}

func upgradeToModel(u *store.UpgradeSpec) *UpgradeSpecModel {
	return &UpgradeSpecModel{
		Name:        u.Name,
		AddVCPU:     u.AddVCPU,
		AddMemoryMB: u.AddMemoryMB,
		AddDiskGB:   u.AddDiskGB,
		Price:       u.Price,
		Description: u.Description,
		CreatedAt:   u.CreatedAt,
	}
}

func upgradeFromModel(m *UpgradeSpecModel) *store.UpgradeSpec {
	return &store.UpgradeSpec{
		Name:        m.Name,
		AddVCPU:     m.AddVCPU,
		AddMemoryMB: m.AddMemoryMB,
		AddDiskGB:   m.AddDiskGB,
		Price:       m.Price,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}

func serverToModel(s *store.Server) *ServerModel {
	return &ServerModel{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		Plan:           s.Plan,
		Location:       s.Location,
		HostID:         s.HostID,
		Node:           s.Node,
		VCPU:           s.VCPU,
		MemoryMB:       s.MemoryMB,
		DiskGB:         s.DiskGB,
		DiskStorage:    s.DiskStorage,
		ExternalID:     nullable(s.ExternalID),
		IPAddress:      s.IPAddress,
		Status:         string(s.Status),
		ExpireInDays:   s.ExpireInDays,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LastNotifiedAt: s.LastNotifiedAt,
	}
}

func serverFromModel(m *ServerModel) *store.Server {
	return &store.Server{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Plan:           m.Plan,
		Location:       m.Location,
		HostID:         m.HostID,
		Node:           m.Node,
		VCPU:           m.VCPU,
		MemoryMB:       m.MemoryMB,
		DiskGB:         m.DiskGB,
		DiskStorage:    m.DiskStorage,
		ExternalID:     deref(m.ExternalID),
		IPAddress:      m.IPAddress,
		Status:         store.Status(m.Status),
		ExpireInDays:   m.ExpireInDays,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
		LastNotifiedAt: m.LastNotifiedAt,
	}
}

func upgradeRecordFromModel(m *UpgradeRecordModel) store.UpgradeRecord {
	return store.UpgradeRecord{
		ID:        m.ID,
		ServerID:  m.ServerID,
		Name:      m.Name,
		Price:     m.Price,
		AppliedAt: m.AppliedAt.UTC(),
	}
}
