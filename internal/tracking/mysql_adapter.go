package tracking

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"near-forwarder/config"
)

//go:embed mysql_schema.sql
var mysqlSchemaFS embed.FS

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	config config.DatabaseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(cfg config.DatabaseConfig) (*MySQLAdapter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mysql host is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mysql database name is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	if cfg.Charset == "" {
		cfg.Charset = "utf8mb4"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}

	return &MySQLAdapter{
		config: cfg,
		logger: slog.Default(),
	}, nil
}

// buildDSN 构建MySQL连接字符串
func (m *MySQLAdapter) buildDSN() string {
	loc := "Local"
	if m.config.Timezone != "" {
		// go-sql-driver要求loc参数URL转义，如 Asia%2FShanghai
		loc = strings.ReplaceAll(m.config.Timezone, "/", "%2F")
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=%s",
		m.config.Username, m.config.Password,
		m.config.Host, m.config.Port, m.config.Database,
		m.config.Charset, loc)
}

// Open 建立MySQL数据库连接
func (m *MySQLAdapter) Open() error {
	db, err := sql.Open("mysql", m.buildDSN())
	if err != nil {
		return fmt.Errorf("failed to open MySQL database: %w", err)
	}

	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	m.db = db
	m.logger.Info(fmt.Sprintf("✅ [交易记录] MySQL数据库连接成功: %s:%d/%s", m.config.Host, m.config.Port, m.config.Database))
	return nil
}

// Close 关闭数据库连接
func (m *MySQLAdapter) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database not connected")
	}
	return m.db.PingContext(ctx)
}

// GetDB 获取数据库连接
func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// InitSchema 初始化MySQL数据库Schema
func (m *MySQLAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema, err := mysqlSchemaFS.ReadFile("mysql_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read mysql_schema.sql: %w", err)
	}

	// MySQL驱动默认不支持多语句，逐条执行
	for _, stmt := range strings.Split(string(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// BuildUpsertQuery 构建插入或更新查询（MySQL语法）
func (m *MySQLAdapter) BuildUpsertQuery(table string, keyColumn string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	var updatePairs []string
	for _, col := range columns {
		if col == keyColumn || col == "created_at" {
			continue
		}
		updatePairs = append(updatePairs, fmt.Sprintf("%s = VALUES(%s)", col, col))
	}
	if len(updatePairs) == 0 {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	}
	return query + " ON DUPLICATE KEY UPDATE " + strings.Join(updatePairs, ", ")
}

// BuildLimitOffset 构建分页查询
func (m *MySQLAdapter) BuildLimitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// VacuumDatabase MySQL使用OPTIMIZE TABLE代替VACUUM
func (m *MySQLAdapter) VacuumDatabase(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, "OPTIMIZE TABLE transactions"); err != nil {
		return fmt.Errorf("failed to optimize MySQL table: %w", err)
	}
	return nil
}

// GetConnectionStats 获取连接池统计信息
func (m *MySQLAdapter) GetConnectionStats() ConnectionStats {
	if m.db == nil {
		return ConnectionStats{}
	}
	dbStats := m.db.Stats()
	return ConnectionStats{
		OpenConnections:  dbStats.OpenConnections,
		IdleConnections:  dbStats.Idle,
		InUseConnections: dbStats.InUse,
		WaitCount:        dbStats.WaitCount,
		WaitDuration:     dbStats.WaitDuration,
	}
}

// GetDatabaseType 返回数据库类型标识
func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}
