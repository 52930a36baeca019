package audit

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite" // 纯 Go SQLite 驱动,注册名 "sqlite"

	"github.com/BaSui01/sessionflow/config"
	"github.com/BaSui01/sessionflow/internal/database"
)

// =============================================================================
// 🔌 审计库连接
// =============================================================================

// Open 按配置打开审计数据库并包上连接池管理器。Schema 由
// internal/migration 负责,调用方应先执行迁移再 Open。
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*database.PoolManager, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		if dir := filepath.Dir(cfg.Name); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		// DriverName 指向 modernc 注册的 "sqlite",跳过方言包默认的 CGO 驱动
		dialector = &sqlite.Dialector{DriverName: "sqlite", DSN: cfg.DSN()}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	// gorm 自带日志直写 stdout,静音后统一归口到 zap
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.Driver == "sqlite" {
		// SQLite 写锁是库级的,单连接串行化写入避免 SQLITE_BUSY
		poolCfg.MaxOpenConns = 1
		poolCfg.MaxIdleConns = 1
	}

	pm, err := database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("audit database connected",
		zap.String("driver", cfg.Driver),
		zap.String("name", cfg.Name))
	return pm, nil
}
