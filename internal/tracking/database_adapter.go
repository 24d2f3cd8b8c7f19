package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"near-forwarder/config"
)

// DatabaseAdapter 定义数据库操作接口
// 抽象SQLite和MySQL的差异，让上层代码无需关心具体实现
type DatabaseAdapter interface {
	Open() error
	Close() error
	Ping(ctx context.Context) error

	GetDB() *sql.DB

	// 数据库初始化
	InitSchema() error

	// SQL语法适配 - 处理SQLite和MySQL的语法差异
	BuildUpsertQuery(table string, keyColumn string, columns []string) string
	BuildLimitOffset(limit, offset int) string

	// 数据库特定操作
	VacuumDatabase(ctx context.Context) error

	// 连接统计
	GetConnectionStats() ConnectionStats

	// 类型标识
	GetDatabaseType() string
}

// ConnectionStats 连接池统计信息
type ConnectionStats struct {
	OpenConnections  int           `json:"open_connections"`
	IdleConnections  int           `json:"idle_connections"`
	InUseConnections int           `json:"in_use_connections"`
	WaitCount        int64         `json:"wait_count"`
	WaitDuration     time.Duration `json:"wait_duration"`
}

// NewDatabaseAdapter 数据库适配器工厂函数
func NewDatabaseAdapter(cfg config.DatabaseConfig) (DatabaseAdapter, error) {
	switch databaseType(cfg) {
	case "sqlite":
		return NewSQLiteAdapter(cfg)
	case "mysql":
		return NewMySQLAdapter(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// databaseType 从配置推断数据库类型
func databaseType(cfg config.DatabaseConfig) string {
	if cfg.Type != "" {
		return cfg.Type
	}
	if cfg.Host != "" || cfg.Database != "" {
		return "mysql"
	}
	return "sqlite"
}
