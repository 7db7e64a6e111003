package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server               ServerConfig        `yaml:"server"`
	Logging              LoggingConfig       `yaml:"logging"`
	Proxy                ProxyConfig         `yaml:"proxy"`
	Events               EventsConfig        `yaml:"events"`
	UsageTracking        UsageTrackingConfig `yaml:"usage_tracking"` // Request tracking configuration
	TUI                  TUIConfig           `yaml:"tui"`            // TUI configuration
	Web                  WebConfig           `yaml:"web"`            // Web interface configuration
	DefaultTimeout       time.Duration       `yaml:"default_timeout"`        // Per-attempt timeout when an endpoint sets none
	SlowRequestThreshold time.Duration       `yaml:"slow_request_threshold"` // Requests slower than this are logged
	Routes               []RouteConfig       `yaml:"routes"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level           string `yaml:"level"`
	FileEnabled     bool   `yaml:"file_enabled"`     // Enable file logging
	FilePath        string `yaml:"file_path"`        // Log file path
	MaxFileSize     string `yaml:"max_file_size"`    // Max file size (e.g., "100MB")
	MaxFiles        int    `yaml:"max_files"`        // Max number of rotated files to keep
	CompressRotated bool   `yaml:"compress_rotated"` // Compress rotated log files
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"` // Event channel buffer, default: 1000
}

type UsageTrackingConfig struct {
	Enabled bool `yaml:"enabled"` // Enable request tracking, default: false

	Database *DatabaseBackendConfig `yaml:"database,omitempty"`

	BufferSize      int           `yaml:"buffer_size"`      // Record buffer size, default: 1000
	BatchSize       int           `yaml:"batch_size"`       // Batch write size, default: 100
	FlushInterval   time.Duration `yaml:"flush_interval"`   // Force flush interval, default: 30s
	MaxRetry        int           `yaml:"max_retry"`        // Max retry count for write failures, default: 3
	RetentionDays   int           `yaml:"retention_days"`   // Data retention days (0=permanent), default: 30
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Cleanup task execution interval, default: 24h
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`

	Charset  string `yaml:"charset,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
}

type TUIConfig struct {
	Enabled        bool          `yaml:"enabled"`         // Enable TUI interface, default: false
	UpdateInterval time.Duration `yaml:"update_interval"` // TUI refresh interval, default: 1s
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable Web interface, default: false
	Host    string `yaml:"host"`    // Web interface host, default: localhost
	Port    int    `yaml:"port"`    // Web interface port, default: 8088
}

// RouteConfig maps a set of JSON-RPC methods to an ordered list of upstreams.
type RouteConfig struct {
	Methods   []string         `yaml:"methods"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

type EndpointConfig struct {
	Name        string        `yaml:"name,omitempty"`
	Address     string        `yaml:"address"`
	Retries     int           `yaml:"retries"`
	TimeoutSecs int           `yaml:"timeout_secs,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"` // wins over timeout_secs
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8899
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.FileEnabled && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFileSize == "" {
		c.Logging.MaxFileSize = "100MB"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFiles == 0 {
		c.Logging.MaxFiles = 10
	}

	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.SlowRequestThreshold == 0 {
		c.SlowRequestThreshold = time.Second
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1000
	}

	if c.UsageTracking.Database == nil {
		c.UsageTracking.Database = &DatabaseBackendConfig{}
	}
	if c.UsageTracking.Database.Type == "" {
		c.UsageTracking.Database.Type = "sqlite"
	}
	if c.UsageTracking.Database.Type == "sqlite" && c.UsageTracking.Database.Path == "" {
		c.UsageTracking.Database.Path = "data/requests.db"
	}
	if c.UsageTracking.BufferSize == 0 {
		c.UsageTracking.BufferSize = 1000
	}
	if c.UsageTracking.BatchSize == 0 {
		c.UsageTracking.BatchSize = 100
	}
	if c.UsageTracking.FlushInterval == 0 {
		c.UsageTracking.FlushInterval = 30 * time.Second
	}
	if c.UsageTracking.MaxRetry == 0 {
		c.UsageTracking.MaxRetry = 3
	}
	if c.UsageTracking.RetentionDays == 0 {
		c.UsageTracking.RetentionDays = 30
	}
	if c.UsageTracking.CleanupInterval == 0 {
		c.UsageTracking.CleanupInterval = 24 * time.Hour
	}

	if c.TUI.UpdateInterval == 0 {
		c.TUI.UpdateInterval = time.Second
	}
	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}

	taken := make(map[string]bool)
	for _, route := range c.Routes {
		for _, ep := range route.Endpoints {
			if ep.Name != "" {
				taken[ep.Name] = true
			}
		}
	}

	for r := range c.Routes {
		for i := range c.Routes[r].Endpoints {
			ep := &c.Routes[r].Endpoints[i]
			if ep.Retries == 0 {
				ep.Retries = 1
			}
			if ep.Timeout == 0 {
				if ep.TimeoutSecs > 0 {
					ep.Timeout = time.Duration(ep.TimeoutSecs) * time.Second
				} else {
					ep.Timeout = c.DefaultTimeout
				}
			}
			if ep.Name == "" {
				name := endpointName(ep.Address)
				if taken[name] {
					name = fmt.Sprintf("%s#%d.%d", name, r, i)
				}
				ep.Name = name
				taken[name] = true
			}
		}
	}
}

// endpointName derives a metric-friendly label from an upstream address:
// host plus path, without scheme, query or trailing slash.
func endpointName(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return address
	}
	return u.Host + strings.TrimRight(u.Path, "/")
}

// validate validates the configuration
func (c *Config) validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}

	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	if c.UsageTracking.Enabled {
		db := c.UsageTracking.Database
		switch db.Type {
		case "sqlite":
			if db.Path == "" {
				return fmt.Errorf("database path is required for sqlite tracking")
			}
		case "mysql":
			if db.Host == "" || db.Database == "" || db.Username == "" {
				return fmt.Errorf("mysql tracking requires host, database and username")
			}
		default:
			return fmt.Errorf("unsupported tracking database type: %s", db.Type)
		}
		if c.UsageTracking.BatchSize > c.UsageTracking.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
		if c.UsageTracking.RetentionDays < 0 {
			return fmt.Errorf("retention days cannot be negative")
		}
	}

	for r, route := range c.Routes {
		if len(route.Methods) == 0 {
			return fmt.Errorf("route %d: at least one method is required", r)
		}
		for _, m := range route.Methods {
			if strings.TrimSpace(m) == "" {
				return fmt.Errorf("route %d: method name cannot be empty", r)
			}
		}
		if len(route.Endpoints) == 0 {
			return fmt.Errorf("route %d: at least one endpoint is required", r)
		}
		for i, ep := range route.Endpoints {
			u, err := url.Parse(ep.Address)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("route %d endpoint %d: address must be an absolute http(s) URL, got %q", r, i, ep.Address)
			}
			if ep.Retries < 1 {
				return fmt.Errorf("route %d endpoint %s: retries must be at least 1", r, ep.Name)
			}
			if ep.Timeout <= 0 {
				return fmt.Errorf("route %d endpoint %s: timeout must be positive", r, ep.Name)
			}
		}
	}

	return nil
}

// DuplicateMethod describes a method registered by more than one route.
type DuplicateMethod struct {
	Method string
	Routes []int // route indexes in declaration order, first one wins
}

// DuplicateMethods reports methods claimed by more than one route.
func (c *Config) DuplicateMethods() []DuplicateMethod {
	seen := make(map[string]int)
	var dups []DuplicateMethod
	for r, route := range c.Routes {
		claimed := make(map[string]bool, len(route.Methods))
		for _, m := range route.Methods {
			if claimed[m] {
				continue
			}
			claimed[m] = true
			if idx, ok := seen[m]; ok {
				dups[idx].Routes = append(dups[idx].Routes, r)
				continue
			}
			dups = append(dups, DuplicateMethod{Method: m, Routes: []int{r}})
			seen[m] = len(dups) - 1
		}
	}

	result := dups[:0]
	for _, d := range dups {
		if len(d.Routes) > 1 {
			result = append(result, d)
		}
	}
	return result
}

// WarnDuplicateMethods logs every method that more than one route claims.
func (c *Config) WarnDuplicateMethods(logger *slog.Logger) {
	for _, d := range c.DuplicateMethods() {
		logger.Warn(fmt.Sprintf("⚠️ 方法 %s 在多个路由中重复注册，将使用第一个匹配的路由", d.Method),
			"method", d.Method,
			"routes", d.Routes)
	}
}

// EndpointCount returns the number of endpoints across all routes.
func (c *Config) EndpointCount() int {
	n := 0
	for _, r := range c.Routes {
		n += len(r.Endpoints)
	}
	return n
}

// ConfigWatcher watches the config file and reports edits. Routes are loaded
// once; a changed file is validated and announced but never applied.
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config, error)
	lastModTime   time.Time
	debounceTimer *time.Timer
	debounce      time.Duration
}

// NewConfigWatcher loads the initial configuration and starts watching it.
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		lastModTime: fileInfo.ModTime(),
		debounce:    500 * time.Millisecond,
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the configuration the process started with.
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// UpdateLogger updates the logger used by the config watcher
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

// AddChangeCallback registers a function called after every detected edit with
// the parsed file, or the error that made it unusable.
func (cw *ConfigWatcher) AddChangeCallback(callback func(*Config, error)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) getLogger() *slog.Logger {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.logger
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.getLogger().Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}
				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}
				cw.lastModTime = fileInfo.ModTime()

				cw.mutex.Lock()
				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}
				cw.debounceTimer = time.AfterFunc(cw.debounce, cw.checkConfig)
				cw.mutex.Unlock()
			}

			// some editors save by rename
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.getLogger().Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.getLogger().Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// checkConfig validates the edited file and notifies callbacks.
func (cw *ConfigWatcher) checkConfig() {
	logger := cw.getLogger()
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 配置文件变更无效: %v", err))
	} else {
		logger.Warn("🔄 检测到配置文件变更，路由表不会热更新，请重启服务以生效",
			"file", cw.configPath,
			"routes", len(newConfig.Routes),
			"endpoints", newConfig.EndpointCount())
	}

	cw.mutex.RLock()
	callbacks := make([]func(*Config, error), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.RUnlock()

	for _, callback := range callbacks {
		callback(newConfig, err)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	cw.mutex.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mutex.Unlock()
	return cw.watcher.Close()
}
