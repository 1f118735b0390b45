package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/repos"
	"github.com/megamelange/melange-backend/internal/types"
	"github.com/megamelange/melange-backend/internal/utils"
)

// RecordStoreService owns the network-backed record store used as the
// primary tier for sessions and the durable tier for job runs. The driver
// is selected by RECORD_STORE_DRIVER: postgres in deployment, sqlite for
// dev and tests (the bundled driver keeps both paths honest).
type RecordStoreService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRecordStoreService(log *logger.Logger) (*RecordStoreService, error) {
	serviceLog := log.With("service", "RecordStoreService")

	driver := utils.GetEnv("RECORD_STORE_DRIVER", "postgres", log)

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		path := utils.GetEnv("RECORD_STORE_SQLITE_PATH", "melange_records.db", log)
		dialector = sqlite.Open(path)
	case "postgres":
		host := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		port := utils.GetEnv("POSTGRES_PORT", "5432", log)
		user := utils.GetEnv("POSTGRES_USER", "postgres", log)
		password := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		name := utils.GetEnv("POSTGRES_NAME", "melange", log)
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown RECORD_STORE_DRIVER %q", driver)
	}

	serviceLog.Info("Connecting to record store...", "driver", driver)
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		serviceLog.Error("Failed to connect to record store", "error", err)
		return nil, fmt.Errorf("connect record store: %w", err)
	}
	return &RecordStoreService{db: gdb, log: serviceLog}, nil
}

func (s *RecordStoreService) AutoMigrateAll() error {
	s.log.Info("Auto migrating record store tables...")
	if err := s.db.AutoMigrate(
		&repos.SessionDoc{},
		&types.JobRun{},
	); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *RecordStoreService) DB() *gorm.DB {
	return s.db
}
