package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/approval-gate/config"
)

// InitDB 按配置打开 sqlite 或 postgres
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database
	gormCfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel(dbCfg.LogLevel)),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch dbCfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dbCfg.DSN), gormCfg)
	case "sqlite":
		var dsn string
		dsn, err = SQLiteDSN(dbCfg.Path, dbCfg.BusyTimeout)
		if err == nil {
			db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dbCfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dbCfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dbCfg.Driver == "sqlite" {
		// sqlite 单写者：进程内串行化写入，跨进程依赖 busy_timeout
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(dbCfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(dbCfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db, nil
}

// SQLiteDSN 构造 sqlite 连接串并确保父目录存在
func SQLiteDSN(path string, busyTimeoutMs int) (string, error) {
	if path == "" {
		return "", fmt.Errorf("database.path is required for sqlite")
	}
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create database dir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate", path, busyTimeoutMs), nil
}

func logLevel(s string) logger.LogLevel {
	switch s {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
