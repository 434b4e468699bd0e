package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/ByeonDoHyeon06/vibehost/internal/crypto"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// --- User CRUD ---

func (s *sqlStore) CreateUser(ctx context.Context, u *store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return mapDBError(s.db.WithContext(ctx).Create(userToModel(u)).Error)
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	var m UserModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return userFromModel(&m), nil
}

func (s *sqlStore) GetUserByExternalAuth(ctx context.Context, externalAuthID string) (*store.User, error) {
	var m UserModel
	if err := s.db.WithContext(ctx).Where("external_auth_id = ?", externalAuthID).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return userFromModel(&m), nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]store.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]store.User, 0, len(models))
	for i := range models {
		out = append(out, *userFromModel(&models[i]))
	}
	return out, nil
}

// --- Plan catalog ---

func (s *sqlStore) UpsertPlan(ctx context.Context, p *store.PlanSpec) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return mapDBError(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"vcpu", "memory_mb", "disk_gb", "location", "host_id", "node", "template_vmid", "disk_storage", "clone_mode", "price", "expire_in_days", "description"}),
		}).
		Create(planToModel(p)).Error)
}

func (s *sqlStore) GetPlan(ctx context.Context, name string) (*store.PlanSpec, error) {
	var m PlanModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return planFromModel(&m), nil
}

func (s *sqlStore) ListPlans(ctx context.Context) ([]store.PlanSpec, error) {
	var models []PlanModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]store.PlanSpec, 0, len(models))
	for i := range models {
		out = append(out, *planFromModel(&models[i]))
	}
	return out, nil
}

func (s *sqlStore) DeletePlan(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&PlanModel{})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Upgrade catalog ---

func (s *sqlStore) UpsertUpgrade(ctx context.Context, u *store.UpgradeSpec) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return mapDBError(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"add_vcpu", "add_memory_mb", "add_disk_gb", "price", "description"}),
		}).
		Create(upgradeToModel(u)).Error)
}

func (s *sqlStore) GetUpgrade(ctx context.Context, name string) (*store.UpgradeSpec, error) {
	var m UpgradeSpecModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return upgradeFromModel(&m), nil
}

func (s *sqlStore) ListUpgrades(ctx context.Context) ([]store.UpgradeSpec, error) {
	var models []UpgradeSpecModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]store.UpgradeSpec, 0, len(models))
	for i := range models {
		out = append(out, *upgradeFromModel(&models[i]))
	}
	return out, nil
}

// --- Hypervisor hosts ---

func (s *sqlStore) hostToModel(h *store.HostConfig) (*HostModel, error) {
	m := &HostModel{
		ID:          h.ID,
		BaseURL:     h.BaseURL,
		Username:    h.Username,
		Password:    h.Password,
		Realm:       h.Realm,
		TokenID:     h.TokenID,
		TokenSecret: h.TokenSecret,
		Node:        h.Node,
		Location:    h.Location,
		VerifySSL:   h.VerifySSL,
		CreatedAt:   h.CreatedAt,
	}
	if len(s.encryptionKey) > 0 {
		var err error
		if m.Password, err = crypto.Encrypt(s.encryptionKey, h.Password); err != nil {
			return nil, fmt.Errorf("encrypt host password: %w", err)
		}
		if m.TokenSecret, err = crypto.Encrypt(s.encryptionKey, h.TokenSecret); err != nil {
			return nil, fmt.Errorf("encrypt host token secret: %w", err)
		}
	}
	return m, nil
}

func (s *sqlStore) hostFromModel(m *HostModel) (*store.HostConfig, error) {
	h := &store.HostConfig{
		ID:          m.ID,
		BaseURL:     m.BaseURL,
		Username:    m.Username,
		Password:    m.Password,
		Realm:       m.Realm,
		TokenID:     m.TokenID,
		TokenSecret: m.TokenSecret,
		Node:        m.Node,
		Location:    m.Location,
		VerifySSL:   m.VerifySSL,
		CreatedAt:   m.CreatedAt,
	}
	if len(s.encryptionKey) > 0 {
		var err error
		if h.Password, err = crypto.Decrypt(s.encryptionKey, m.Password); err != nil {
			return nil, fmt.Errorf("decrypt host %s password: %w", m.ID, err)
		}
		if h.TokenSecret, err = crypto.Decrypt(s.encryptionKey, m.TokenSecret); err != nil {
			return nil, fmt.Errorf("decrypt host %s token secret: %w", m.ID, err)
		}
	}
	return h, nil
}

func (s *sqlStore) UpsertHost(ctx context.Context, h *store.HostConfig) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	m, err := s.hostToModel(h)
	if err != nil {
		return err
	}
	return mapDBError(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"base_url", "username", "password", "realm", "token_id", "token_secret", "node", "location", "verify_ssl"}),
		}).
		Create(m).Error)
}

func (s *sqlStore) GetHost(ctx context.Context, id string) (*store.HostConfig, error) {
	var m HostModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return s.hostFromModel(&m)
}

func (s *sqlStore) ListHosts(ctx context.Context) ([]store.HostConfig, error) {
	return s.listHosts(ctx, "")
}

func (s *sqlStore) ListHostsByLocation(ctx context.Context, location string) ([]store.HostConfig, error) {
	return s.listHosts(ctx, location)
}

func (s *sqlStore) listHosts(ctx context.Context, location string) ([]store.HostConfig, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if location != "" {
		q = q.Where("location = ?", location)
	}
	var models []HostModel
	if err := q.Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]store.HostConfig, 0, len(models))
	for i := range models {
		h, err := s.hostFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, nil
}
