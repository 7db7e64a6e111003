package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS request_logs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		method VARCHAR(255) NOT NULL,
		rpc_id VARCHAR(255),
		route_index INT NOT NULL DEFAULT -1,
		endpoint_name VARCHAR(255),
		outcome VARCHAR(32) NOT NULL,
		error_code INT NOT NULL DEFAULT 0,
		error_message TEXT,
		attempts INT NOT NULL DEFAULT 0,
		endpoints_tried INT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		client_ip VARCHAR(64),
		created_at BIGINT NOT NULL,
		INDEX idx_request_logs_created_at (created_at),
		INDEX idx_request_logs_method (method)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	config DatabaseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(config DatabaseConfig) *MySQLAdapter {
	return &MySQLAdapter{
		config: config,
		logger: slog.Default(),
	}
}

// Open 建立MySQL数据库连接
func (m *MySQLAdapter) Open() error {
	dsn, err := m.buildDSN()
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}

	m.logger.Info("正在连接MySQL数据库",
		"host", m.config.Host,
		"database", m.config.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
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
	m.logger.Info("✅ MySQL数据库连接成功",
		"max_open_conns", m.config.MaxOpenConns,
		"max_idle_conns", m.config.MaxIdleConns)
	return nil
}

// buildDSN 构建MySQL连接字符串
func (m *MySQLAdapter) buildDSN() (string, error) {
	if m.config.Host == "" {
		return "", fmt.Errorf("MySQL host is required")
	}
	if m.config.Database == "" {
		return "", fmt.Errorf("MySQL database name is required")
	}
	if m.config.Username == "" {
		return "", fmt.Errorf("MySQL username is required")
	}

	loc, err := time.LoadLocation(m.config.Timezone)
	if err != nil {
		m.logger.Warn("MySQL时区解析失败，使用UTC", "timezone", m.config.Timezone, "error", err)
		loc = time.UTC
	}

	cfg := mysql.NewConfig()
	cfg.User = m.config.Username
	cfg.Passwd = m.config.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	cfg.DBName = m.config.Database
	cfg.ParseTime = true
	cfg.Loc = loc
	cfg.Timeout = 30 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second
	cfg.Params = map[string]string{"charset": m.config.Charset}

	return cfg.FormatDSN(), nil
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

func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// InitSchema 初始化数据库表结构
func (m *MySQLAdapter) InitSchema(ctx context.Context) error {
	return execStatements(ctx, m.db, mysqlSchema)
}

func (m *MySQLAdapter) GetConnectionStats() ConnectionStats {
	return statsFrom(m.db)
}

func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}
