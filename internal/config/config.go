// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Session() SessionConfig
	Export() ExportConfig
	Server() ServerConfig

	// CLI overrides
	SetBrowserHeadless(bool)
	SetSessionDefaultDuration(time.Duration)
	SetExportPrefix(string)
	SetServerAddr(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	SessionCfg SessionConfig `mapstructure:"session" yaml:"session"`
	ExportCfg  ExportConfig  `mapstructure:"export" yaml:"export"`
	ServerCfg  ServerConfig  `mapstructure:"server" yaml:"server"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Session() SessionConfig { return c.SessionCfg }
func (c *Config) Export() ExportConfig   { return c.ExportCfg }
func (c *Config) Server() ServerConfig   { return c.ServerCfg }

func (c *Config) SetBrowserHeadless(b bool)                 { c.BrowserCfg.Headless = b }
func (c *Config) SetSessionDefaultDuration(d time.Duration) { c.SessionCfg.DefaultDuration = d }
func (c *Config) SetExportPrefix(p string)                  { c.ExportCfg.Prefix = p }
func (c *Config) SetServerAddr(addr string)                 { c.ServerCfg.Addr = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the capture browser is launched and torn down.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`
	// ExecPath overrides chromedp's browser discovery when set.
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout" yaml:"teardown_timeout"`
}

// SessionConfig holds capture session defaults.
type SessionConfig struct {
	// DefaultDuration of zero means a session runs until stopped.
	DefaultDuration time.Duration `mapstructure:"default_duration" yaml:"default_duration"`
}

// ExportConfig controls where generated reports land.
type ExportConfig struct {
	ReportsDir string `mapstructure:"reports_dir" yaml:"reports_dir"`
	Prefix     string `mapstructure:"prefix" yaml:"prefix"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	WSSendBuffer      int           `mapstructure:"ws_send_buffer" yaml:"ws_send_buffer"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "netlogger")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.args", []string{"disable-dev-shm-usage"})
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.teardown_timeout", "10s")

	// -- Session --
	v.SetDefault("session.default_duration", "5m")

	// -- Export --
	v.SetDefault("export.reports_dir", "~/netlogger/reports")
	v.SetDefault("export.prefix", "")

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:5000")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.ws_send_buffer", 256)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dir, err := homedir.Expand(cfg.ExportCfg.ReportsDir)
	if err != nil {
		return nil, fmt.Errorf("error expanding export.reports_dir: %w", err)
	}
	cfg.ExportCfg.ReportsDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.LaunchTimeout <= 0 {
		return fmt.Errorf("browser.launch_timeout must be a positive duration")
	}
	if c.BrowserCfg.TeardownTimeout <= 0 {
		return fmt.Errorf("browser.teardown_timeout must be a positive duration")
	}
	if c.SessionCfg.DefaultDuration < 0 {
		return fmt.Errorf("session.default_duration must not be negative")
	}
	if c.ExportCfg.ReportsDir == "" {
		return fmt.Errorf("export.reports_dir is a required configuration field")
	}
	if err := c.ServerCfg.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the ServerConfig settings.
func (s *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		return fmt.Errorf("addr %q is not a host:port pair: %w", s.Addr, err)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be a positive duration")
	}
	if s.WSSendBuffer <= 0 {
		return fmt.Errorf("ws_send_buffer must be a positive integer")
	}
	return nil
}
