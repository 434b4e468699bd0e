package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

func (s *sqlStore) CreateServer(ctx context.Context, srv *store.Server) error {
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = now
	if srv.Status == "" {
		srv.Status = store.StatusPending
	}
	return mapDBError(s.db.WithContext(ctx).Create(serverToModel(srv)).Error)
}

func (s *sqlStore) GetServer(ctx context.Context, id string) (*store.Server, error) {
	var m ServerModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return serverFromModel(&m), nil
}

// UpdateServer writes every mutable column. id, owner_id and created_at
// are never rewritten.
func (s *sqlStore) UpdateServer(ctx context.Context, srv *store.Server) error {
	srv.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ServerModel{}).Where("id = ?", srv.ID).
		Updates(map[string]any{
			"plan":             srv.Plan,
			"location":         srv.Location,
			"host_id":          srv.HostID,
			"node":             srv.Node,
			"vcpu":             srv.VCPU,
			"memory_mb":        srv.MemoryMB,
			"disk_gb":          srv.DiskGB,
			"disk_storage":     srv.DiskStorage,
			"external_id":      nullable(srv.ExternalID),
			"ip_address":       srv.IPAddress,
			"status":           string(srv.Status),
			"expire_in_days":   srv.ExpireInDays,
			"last_notified_at": srv.LastNotifiedAt,
			"updated_at":       srv.UpdatedAt,
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListServersByOwner(ctx context.Context, ownerID string) ([]store.Server, error) {
	return s.ListServers(ctx, store.ServerFilter{OwnerID: ownerID})
}

func (s *sqlStore) ListServers(ctx context.Context, f store.ServerFilter) ([]store.Server, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.Location != "" {
		q = q.Where("location = ?", f.Location)
	}
	if f.HostID != "" {
		q = q.Where("host_id = ?", f.HostID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var models []ServerModel
	if err := q.Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return serversFromModels(models, nil), nil
}

// ListExpiredServers narrows candidates in SQL and applies the exact
// created_at + expire_in_days comparison in Go, which keeps the query
// portable across Postgres and SQLite.
func (s *sqlStore) ListExpiredServers(ctx context.Context, now time.Time) ([]store.Server, error) {
	var models []ServerModel
	if err := s.db.WithContext(ctx).
		Where("expire_in_days IS NOT NULL AND created_at <= ?", now.UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return serversFromModels(models, func(srv *store.Server) bool { return srv.ExpiredAt(now) }), nil
}

func (s *sqlStore) ListServersExpiringWithin(ctx context.Context, now time.Time, days int) ([]store.Server, error) {
	horizon := now.Add(time.Duration(days) * 24 * time.Hour)
	var models []ServerModel
	if err := s.db.WithContext(ctx).
		Where("expire_in_days IS NOT NULL AND created_at <= ?", horizon.UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return serversFromModels(models, func(srv *store.Server) bool { return srv.ExpiresWithin(now, days) }), nil
}

func serversFromModels(models []ServerModel, keep func(*store.Server) bool) []store.Server {
	out := make([]store.Server, 0, len(models))
	for i := range models {
		srv := serverFromModel(&models[i])
		if keep != nil && !keep(srv) {
			continue
		}
		out = append(out, *srv)
	}
	return out
}

// --- Upgrade history ---

func (s *sqlStore) RecordUpgrade(ctx context.Context, serverID, name string, price float64, at time.Time) (*store.UpgradeRecord, error) {
	m := &UpgradeRecordModel{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Name:      name,
		Price:     price,
		AppliedAt: at.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, mapDBError(err)
	}
	rec := upgradeRecordFromModel(m)
	return &rec, nil
}

func (s *sqlStore) ListServerUpgrades(ctx context.Context, serverID string) ([]store.UpgradeRecord, error) {
	var models []UpgradeRecordModel
	if err := s.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Order("applied_at ASC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]store.UpgradeRecord, 0, len(models))
	for i := range models {
		out = append(out, upgradeRecordFromModel(&models[i]))
	}
	return out, nil
}
