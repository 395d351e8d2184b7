// Package config loads the transport server configuration from
// go_bridge.yaml (or .yml / .json) with environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// FileNames are tried in order when no explicit path is given.
var FileNames = []string{"go_bridge.yaml", "go_bridge.yml", "go_bridge.json"}

type Listener struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Backlog   int    `yaml:"backlog" json:"backlog"`
	DualStack bool   `yaml:"dual_stack" json:"dual_stack"`
}

type TLS struct {
	CertFile          string `yaml:"cert_file" json:"cert_file"`
	KeyFile           string `yaml:"key_file" json:"key_file"`
	Password          string `yaml:"password" json:"password"`
	RequestClientCert bool   `yaml:"request_client_cert" json:"request_client_cert"`
	Watch             bool   `yaml:"watch" json:"watch"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLS) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type Tunnel struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

type Admin struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Prefix  string `yaml:"prefix" json:"prefix"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

type Config struct {
	// Backend is the bridge runtime address: "host:port" or "unix:/path".
	Backend string `yaml:"backend" json:"backend"`

	ConnectTimeoutMs  int `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	ReadTimeoutMs     int `yaml:"read_timeout_ms" json:"read_timeout_ms"`
	WriteTimeoutMs    int `yaml:"write_timeout_ms" json:"write_timeout_ms"`
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms" json:"shutdown_timeout_ms"`

	MaxFrameBytes       uint32 `yaml:"max_frame_bytes" json:"max_frame_bytes"`
	MaxRequestBodyBytes int64  `yaml:"max_request_body_bytes" json:"max_request_body_bytes"`

	Listeners []Listener `yaml:"listeners" json:"listeners"`
	TLS       TLS        `yaml:"tls" json:"tls"`
	H2C       bool       `yaml:"h2c" json:"h2c"`
	HTTP3     bool       `yaml:"http3" json:"http3"`

	Tunnel Tunnel `yaml:"tunnel" json:"tunnel"`
	Admin  Admin  `yaml:"admin" json:"admin"`
	Log    Log    `yaml:"log" json:"log"`
}

// Default returns the configuration used when no file is found, and the
// base that every file is merged onto.
func Default() *Config {
	return &Config{
		Backend:             "127.0.0.1:9000",
		ConnectTimeoutMs:    5000,
		ReadTimeoutMs:       30000,
		WriteTimeoutMs:      10000,
		ShutdownTimeoutMs:   30000,
		MaxFrameBytes:       16 << 20,
		MaxRequestBodyBytes: 10 << 20,
		Listeners:           []Listener{{Host: "", Port: 8080}},
		Tunnel:              Tunnel{Enabled: true},
		Admin:               Admin{Prefix: "/__bridge/"},
		Log:                 Log{Level: "info", Format: "text"},
	}
}

// LoadFile reads path onto the defaults. The format follows the extension:
// .json files may carry comments and trailing commas, anything else is YAML.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	// A file listing listeners replaces the default list instead of
	// merging into its first element.
	cfg.Listeners = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Validate(slog.Default())
	return cfg, nil
}

// Discover looks for one of FileNames in projectRoot. It falls back to
// defaults when none exists or the one found cannot be parsed.
func Discover(projectRoot string) (*Config, string) {
	for _, name := range FileNames {
		path := filepath.Join(projectRoot, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := LoadFile(path)
		if err != nil {
			slog.Warn("config: invalid file, using defaults", "path", path, "error", err)
			return Default(), ""
		}
		return cfg, path
	}
	slog.Info("config: no config file found, using defaults", "dir", projectRoot)
	return Default(), ""
}

// Validate replaces invalid values with defaults, logging each fix.
func (c *Config) Validate(logger *slog.Logger) {
	def := Default()

	if strings.TrimSpace(c.Backend) == "" {
		logger.Warn("config: backend is empty, falling back", "default", def.Backend)
		c.Backend = def.Backend
	}
	fixPositive(logger, "connect_timeout_ms", &c.ConnectTimeoutMs, def.ConnectTimeoutMs)
	fixPositive(logger, "shutdown_timeout_ms", &c.ShutdownTimeoutMs, def.ShutdownTimeoutMs)
	if c.ReadTimeoutMs < 0 {
		logger.Warn("config: read_timeout_ms is negative, disabling", "value", c.ReadTimeoutMs)
		c.ReadTimeoutMs = 0
	}
	if c.WriteTimeoutMs < 0 {
		logger.Warn("config: write_timeout_ms is negative, disabling", "value", c.WriteTimeoutMs)
		c.WriteTimeoutMs = 0
	}
	if c.MaxFrameBytes == 0 {
		logger.Warn("config: max_frame_bytes is zero, falling back", "default", def.MaxFrameBytes)
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.MaxRequestBodyBytes < 0 {
		logger.Warn("config: max_request_body_bytes is negative, falling back", "default", def.MaxRequestBodyBytes)
		c.MaxRequestBodyBytes = def.MaxRequestBodyBytes
	}

	if len(c.Listeners) == 0 {
		logger.Info("config: no listeners configured, using defaults")
		c.Listeners = def.Listeners
	}
	valid := c.Listeners[:0]
	for i, l := range c.Listeners {
		if l.Port < 0 || l.Port > 65535 {
			logger.Warn("config: listener port out of range, dropping it", "index", i, "port", l.Port)
			continue
		}
		if l.Backlog < 0 {
			logger.Warn("config: listener backlog is negative, using the system default", "index", i)
			l.Backlog = 0
		}
		valid = append(valid, l)
	}
	if len(valid) == 0 {
		logger.Warn("config: every listener was invalid, using defaults")
		valid = def.Listeners
	}
	c.Listeners = valid

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		logger.Warn("config: tls needs both cert_file and key_file, disabling TLS")
		c.TLS = TLS{}
	}
	if c.HTTP3 && !c.TLS.Enabled() {
		logger.Warn("config: http3 requires tls, disabling http3")
		c.HTTP3 = false
	}

	if c.Admin.Prefix == "" {
		c.Admin.Prefix = def.Admin.Prefix
	}
	if !strings.HasPrefix(c.Admin.Prefix, "/") {
		logger.Warn("config: admin.prefix does not start with '/', fixing", "prefix", c.Admin.Prefix)
		c.Admin.Prefix = "/" + c.Admin.Prefix
	}
	if !strings.HasSuffix(c.Admin.Prefix, "/") {
		c.Admin.Prefix += "/"
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		logger.Warn("config: unknown log.format, falling back", "format", c.Log.Format, "default", def.Log.Format)
		c.Log.Format = def.Log.Format
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		logger.Warn("config: unknown log.level, falling back", "level", c.Log.Level, "default", def.Log.Level)
		c.Log.Level = def.Log.Level
	}
}

func fixPositive(logger *slog.Logger, name string, v *int, def int) {
	if *v <= 0 {
		logger.Warn("config: "+name+" is invalid, falling back", "value", *v, "default", def)
		*v = def
	}
}

// ApplyEnv applies BRIDGE_BACKEND, APP_SERVER_ADDR and APP_JWT_SECRET.
// APP_SERVER_ADDR ("host:port" or ":port") replaces the listener list.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("BRIDGE_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := getenv("APP_SERVER_ADDR"); v != "" {
		l, err := ParseListener(v)
		if err != nil {
			return fmt.Errorf("config: APP_SERVER_ADDR: %w", err)
		}
		c.Listeners = []Listener{l}
	}
	if v := getenv("APP_JWT_SECRET"); v != "" {
		c.Tunnel.JWTSecret = v
	}
	return nil
}

// ParseListener parses "host:port" or ":port".
func ParseListener(addr string) (Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Listener{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Listener{}, fmt.Errorf("invalid port %q", portStr)
	}
	return Listener{Host: host, Port: port}, nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, errors.New("unknown log level " + strconv.Quote(s))
	}
	return level, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ConnectTimeout() time.Duration  { return ms(c.ConnectTimeoutMs) }
func (c *Config) ReadTimeout() time.Duration     { return ms(c.ReadTimeoutMs) }
func (c *Config) WriteTimeout() time.Duration    { return ms(c.WriteTimeoutMs) }
func (c *Config) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMs) }

// ProjectRoot walks up from the working directory to the nearest go.mod,
// or returns the working directory when there is none.
func ProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}
