// Package sqlstate is a state.Service backed by a relational database via
// GORM, for deployments that already run Postgres (or want a single SQLite
// file with SQL tooling around it). It mirrors the teacher's db package:
// dual sqlite/postgres dialect selection, embedded golang-migrate
// migrations, and a zap-backed GORM logger.
package sqlstate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/fenlake/agentrt/internal/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// stateRow is the single table backing the entire State Service contract:
// one row per (agent_id, key) pair. A relational schema this flat is really
// just a KV store wearing a SQL dialect — see boltstate for the
// embedded-KV alternative without the indirection.
type stateRow struct {
	AgentID string `gorm:"primaryKey;column:agent_id"`
	Key     string `gorm:"primaryKey;column:key"`
	Value   []byte `gorm:"column:value"`
}

func (stateRow) TableName() string { return "agent_state" }

// Config mirrors the teacher's db.Config.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Store implements state.Service on top of *gorm.DB.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
}

// Open connects, migrates, and returns a ready-to-use Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sqlstate: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	var (
		gdb     *gorm.DB
		sqlDB   *sql.DB
		err     error
		drvName string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstate: opening sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		gdb, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("sqlstate: initializing gorm/sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		gdb, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("sqlstate: opening postgres: %w", err)
		}
		sqlDB, err = gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlstate: getting sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("sqlstate: unsupported driver %q", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("sqlstate: migrations failed: %w", err)
	}

	return &Store{db: gdb, sqlDB: sqlDB, logger: cfg.Logger.Named("sqlstate")}, nil
}

func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("creating sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("creating postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	log.Info("sqlstate migrations applied")
	return nil
}

var _ state.Service = (*Store)(nil)

func (s *Store) Get(ctx context.Context, agentID, key string) ([]byte, bool, error) {
	var row stateRow
	err := s.db.WithContext(ctx).Where("agent_id = ? AND key = ?", agentID, key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstate: get %s/%s: %w", agentID, key, err)
	}
	return row.Value, true, nil
}

func (s *Store) Put(ctx context.Context, agentID, key string, value []byte) error {
	row := stateRow{AgentID: agentID, Key: key, Value: value}
	err := s.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return fmt.Errorf("sqlstate: put %s/%s: %w", agentID, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, agentID, key string) error {
	err := s.db.WithContext(ctx).Where("agent_id = ? AND key = ?", agentID, key).Delete(&stateRow{}).Error
	if err != nil {
		return fmt.Errorf("sqlstate: delete %s/%s: %w", agentID, key, err)
	}
	return nil
}

func (s *Store) Snapshot(ctx context.Context, agentID string) (map[string][]byte, error) {
	var rows []stateRow
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstate: snapshot %s: %w", agentID, err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (s *Store) PutSnapshot(ctx context.Context, agentID string, values map[string][]byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", agentID).Delete(&stateRow{}).Error; err != nil {
			return err
		}
		for k, v := range values {
			if err := tx.Create(&stateRow{AgentID: agentID, Key: k, Value: v}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&stateRow{}).Distinct().Pluck("agent_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstate: listing agent ids: %w", err)
	}
	return ids, nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&stateRow{}).Error
	if err != nil {
		return fmt.Errorf("sqlstate: deleting agent %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) Close() error { return s.sqlDB.Close() }
