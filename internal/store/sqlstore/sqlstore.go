// Package sqlstore implements store.Store on gorm. Postgres is the
// production dialect; SQLite backs single-node installs and tests.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ByeonDoHyeon06/vibehost/internal/crypto"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// Ensure sqlStore implements store.Store.
var _ store.Store = (*sqlStore)(nil)

type sqlStore struct {
	db            *gorm.DB
	conf          store.Config
	dialect       string
	encryptionKey []byte
}

// dialector picks the gorm driver from the URL. postgres:// URLs and
// key=value DSNs go to Postgres; sqlite:// URLs and bare paths go to SQLite.
func dialector(url string) (gorm.Dialector, string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"), strings.Contains(url, "host="):
		return postgres.Open(url), "postgres"
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(url, "sqlite://")), "sqlite"
	default:
		return sqlite.Open(url), "sqlite"
	}
}

// New opens the database named by cfg.DatabaseURL, applies pool settings,
// optionally migrates and pings.
func New(ctx context.Context, cfg store.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("sqlstore: missing DatabaseURL")
	}

	dial, dialect := dialector(cfg.DatabaseURL)
	db, err := gorm.Open(dial, &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sql.DB handle: %w", err)
	}

	if dialect == "sqlite" {
		// One writer; also keeps :memory: databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	var encKey []byte
	if cfg.EncryptionKey != "" {
		encKey = crypto.DeriveKey(cfg.EncryptionKey)
	}

	s := &sqlStore{db: db, conf: cfg, dialect: dialect, encryptionKey: encKey}

	if cfg.AutoMigrate {
		if err := s.autoMigrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	if err := s.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return s, nil
}

func (s *sqlStore) autoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&UserModel{},
		&PlanModel{},
		&UpgradeSpecModel{},
		&HostModel{},
		&ServerModel{},
		&UpgradeRecordModel{},
	); err != nil {
		return fmt.Errorf("sqlstore: auto-migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Config() store.Config { return s.conf }

func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping: %w", err)
	}
	return nil
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(tx store.DataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlStore{db: tx, conf: s.conf, dialect: s.dialect, encryptionKey: s.encryptionKey})
	})
}

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrAlreadyExists
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return store.ErrInvalid
	}
	// TranslateError covers statements gorm builds; raw Exec and wrapped
	// driver errors still arrive as pgx errors.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrAlreadyExists
		case "23503":
			return store.ErrInvalid
		}
	}
	return err
}
