package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Network  NetworkConfig  `yaml:"network"`
	RPC      RPCConfig      `yaml:"rpc"`
	Retry    RetryConfig    `yaml:"retry"`
	Poll     PollConfig     `yaml:"poll"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracking TrackingConfig `yaml:"tracking"` // Transaction tracking configuration
	Web      WebConfig      `yaml:"web"`      // Web admin interface configuration
	Proxy    ProxyConfig    `yaml:"proxy"`
	Timezone string         `yaml:"timezone"` // Global timezone setting for all components
}

type NetworkConfig struct {
	UseMainnet bool `yaml:"use_mainnet"`
}

// RPCConfig describes the upstream endpoint pool and its shared settings.
type RPCConfig struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Settings  RPCSettings      `yaml:"settings"`
}

type EndpointConfig struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Weight     int    `yaml:"weight"`      // Relative selection weight, default: 10
	MaxRetries int    `yaml:"max_retries"` // Same-endpoint retry budget per call, default: 3
}

type RPCSettings struct {
	FailureReset   time.Duration `yaml:"failure_reset"`   // Ban duration after a rate limit, default: 300s
	MaxAttempts    int           `yaml:"max_attempts"`    // Global attempt ceiling per logical call, default: 10
	RequestTimeout time.Duration `yaml:"request_timeout"` // Total HTTP request timeout, default: 30s
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // TCP connect timeout, default: 10s
}

type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`  // Sleep between transaction status polls, default: 2s
	MaxPolls int           `yaml:"max_polls"` // Poll budget per submission, default: 30
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// TrackingConfig 交易记录持久化配置
type TrackingConfig struct {
	Enabled         bool            `yaml:"enabled"`            // Enable transaction tracking, default: false
	Database        *DatabaseConfig `yaml:"database,omitempty"` // Database backend configuration
	BufferSize      int             `yaml:"buffer_size"`        // Event buffer size, default: 1000
	BatchSize       int             `yaml:"batch_size"`         // Batch write size, default: 100
	FlushInterval   time.Duration   `yaml:"flush_interval"`     // Force flush interval, default: 30s
	RetentionDays   int             `yaml:"retention_days"`     // Data retention days (0=permanent), default: 90
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`   // Cleanup task execution interval, default: 24h
}

// DatabaseConfig 数据库后端配置
type DatabaseConfig struct {
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

	// MySQL特定配置
	Charset  string `yaml:"charset,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable web admin interface, default: false
	Host    string `yaml:"host"`    // Web interface host, default: localhost
	Port    int    `yaml:"port"`    // Web interface port, default: 8089
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

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	config.setDefaults()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	// Endpoint pool defaults follow the public NEAR gateways when nothing is
	// configured, so the binary still works out of the box.
	if len(c.RPC.Endpoints) == 0 {
		url := "https://rpc.testnet.near.org"
		if c.Network.UseMainnet {
			url = "https://rpc.mainnet.near.org"
		}
		c.RPC.Endpoints = []EndpointConfig{{Name: "default", URL: url, Weight: 100, MaxRetries: 3}}
	}
	for i := range c.RPC.Endpoints {
		if c.RPC.Endpoints[i].Weight == 0 {
			c.RPC.Endpoints[i].Weight = 10
		}
		if c.RPC.Endpoints[i].MaxRetries == 0 {
			c.RPC.Endpoints[i].MaxRetries = 3
		}
		if c.RPC.Endpoints[i].Name == "" {
			c.RPC.Endpoints[i].Name = c.RPC.Endpoints[i].URL
		}
	}

	if c.RPC.Settings.FailureReset == 0 {
		c.RPC.Settings.FailureReset = 300 * time.Second
	}
	if c.RPC.Settings.MaxAttempts == 0 {
		c.RPC.Settings.MaxAttempts = 10
	}
	if c.RPC.Settings.RequestTimeout == 0 {
		c.RPC.Settings.RequestTimeout = 30 * time.Second
	}
	if c.RPC.Settings.ConnectTimeout == 0 {
		c.RPC.Settings.ConnectTimeout = 10 * time.Second
	}

	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = 2 * time.Second
	}
	if c.Poll.MaxPolls == 0 {
		c.Poll.MaxPolls = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Set global timezone default
	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai" // Default timezone for all components
	}

	// Set tracking defaults
	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = 1000
	}
	if c.Tracking.BatchSize == 0 {
		c.Tracking.BatchSize = 100
	}
	if c.Tracking.FlushInterval == 0 {
		c.Tracking.FlushInterval = 30 * time.Second
	}
	if c.Tracking.RetentionDays == 0 {
		c.Tracking.RetentionDays = 90
	}
	if c.Tracking.CleanupInterval == 0 {
		c.Tracking.CleanupInterval = 24 * time.Hour
	}
	if c.Tracking.Database == nil {
		c.Tracking.Database = &DatabaseConfig{Type: "sqlite", Path: "data/transactions.db"}
	}
	if c.Tracking.Database.Type == "" {
		c.Tracking.Database.Type = "sqlite"
	}
	if c.Tracking.Database.Type == "sqlite" && c.Tracking.Database.Path == "" {
		c.Tracking.Database.Path = "data/transactions.db"
	}
	if c.Tracking.Database.Timezone == "" {
		c.Tracking.Database.Timezone = c.Timezone
	}

	// Set Web defaults
	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8089
	}
	// Web enabled defaults to false if not explicitly set in YAML
}

// validate validates the configuration
func (c *Config) validate() error {
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("at least one rpc endpoint must be configured")
	}

	for i, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("rpc endpoint %d: URL is required", i)
		}
		if ep.Weight < 0 {
			return fmt.Errorf("rpc endpoint %s: weight must be non-negative", ep.Name)
		}
		if ep.MaxRetries < 0 {
			return fmt.Errorf("rpc endpoint %s: max_retries must be non-negative", ep.Name)
		}
	}

	if c.RPC.Settings.MaxAttempts <= 0 {
		return fmt.Errorf("rpc max_attempts must be greater than 0")
	}
	if c.RPC.Settings.FailureReset <= 0 {
		return fmt.Errorf("rpc failure_reset must be greater than 0")
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry multiplier must be at least 1.0")
	}
	if c.Poll.MaxPolls <= 0 {
		return fmt.Errorf("poll max_polls must be greater than 0")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be greater than 0")
	}

	// Validate proxy configuration
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

	// Validate tracking configuration
	if c.Tracking.Enabled {
		if c.Tracking.BufferSize <= 0 {
			return fmt.Errorf("buffer size must be greater than 0 when tracking is enabled")
		}
		if c.Tracking.BatchSize <= 0 {
			return fmt.Errorf("batch size must be greater than 0 when tracking is enabled")
		}
		if c.Tracking.BatchSize > c.Tracking.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
		if c.Tracking.FlushInterval <= 0 {
			return fmt.Errorf("flush interval must be greater than 0 when tracking is enabled")
		}
		if c.Tracking.RetentionDays < 0 {
			return fmt.Errorf("retention days cannot be negative")
		}
		switch c.Tracking.Database.Type {
		case "sqlite":
			if c.Tracking.Database.Path == "" {
				return fmt.Errorf("database path is required for the sqlite backend")
			}
		case "mysql":
			if c.Tracking.Database.Host == "" || c.Tracking.Database.Database == "" {
				return fmt.Errorf("host and database are required for the mysql backend")
			}
		default:
			return fmt.Errorf("database type must be 'sqlite' or 'mysql'")
		}
	}

	return nil
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	// Load initial configuration
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	// Get initial modification time
	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	// Create file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
	}

	// Add config file to watcher
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	// Start watching in background
	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Close stops the watcher
func (cw *ConfigWatcher) Close() error {
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			// Handle file write events
			if event.Has(fsnotify.Write) {
				// Check if file was actually modified by comparing modification time
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.logger.Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				// Skip if modification time hasn't changed
				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}

				cw.lastModTime = fileInfo.ModTime()

				// Cancel any existing debounce timer
				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}

				// Set up debounce timer to avoid multiple rapid reloads
				cw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					cw.logger.Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.logger.Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						cw.logger.Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// Handle file rename/remove events (some editors rename files during save)
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// Re-add the file to watcher in case it was recreated
				time.Sleep(100 * time.Millisecond) // Give time for the file to be recreated
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.logger.Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	// Call all registered callbacks
	for _, callback := range callbacks {
		callback(newConfig)
	}

	// Log configuration changes
	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	if len(oldConfig.RPC.Endpoints) != len(newConfig.RPC.Endpoints) {
		cw.logger.Info("📡 端点数量变更",
			"old_count", len(oldConfig.RPC.Endpoints),
			"new_count", len(newConfig.RPC.Endpoints))
	}

	if oldConfig.Network.UseMainnet != newConfig.Network.UseMainnet {
		cw.logger.Info("🌐 网络变更",
			"old_mainnet", oldConfig.Network.UseMainnet,
			"new_mainnet", newConfig.Network.UseMainnet)
	}

	if oldConfig.RPC.Settings.MaxAttempts != newConfig.RPC.Settings.MaxAttempts {
		cw.logger.Info("🔁 全局尝试上限变更",
			"old_max_attempts", oldConfig.RPC.Settings.MaxAttempts,
			"new_max_attempts", newConfig.RPC.Settings.MaxAttempts)
	}

	if oldConfig.Web.Enabled != newConfig.Web.Enabled {
		cw.logger.Info("🌐 Web界面状态变更",
			"old_enabled", oldConfig.Web.Enabled,
			"new_enabled", newConfig.Web.Enabled)
	}

	if oldConfig.Tracking.Enabled != newConfig.Tracking.Enabled {
		cw.logger.Info("💾 交易记录状态变更",
			"old_enabled", oldConfig.Tracking.Enabled,
			"new_enabled", newConfig.Tracking.Enabled)
	}
}
