package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/goefitune/internal/ecu"
	"github.com/shaunagostinho/goefitune/internal/layout"
	"github.com/shaunagostinho/goefitune/internal/logger"
	"github.com/shaunagostinho/goefitune/internal/transport"
)

// EnvPrefix prefixes environment overrides, e.g. GOEFITUNE_ECU_PORT.
const EnvPrefix = "GOEFITUNE"

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	ECU     ECUConfig            `yaml:"ecu" json:"ecu" mapstructure:"ecu"`
	Layout  LayoutConfig         `yaml:"layout" json:"layout" mapstructure:"layout"`
	Logging logger.Config        `yaml:"logging" json:"logging" mapstructure:"logging"`
	Datalog logger.DatalogConfig `yaml:"datalog" json:"datalog" mapstructure:"datalog"`
	Store   StoreConfig          `yaml:"store" json:"store" mapstructure:"store"`
	Server  ServerConfig         `yaml:"server" json:"server" mapstructure:"server"`

	path string // file path for save/load
}

type ECUConfig struct {
	Port     string `yaml:"port" json:"port" mapstructure:"port"`             // e.g. /dev/ttyACM0
	BaudRate int    `yaml:"baud_rate" json:"baudRate" mapstructure:"baud_rate"` // 0 = auto-detect

	// Variant and Family override the layout file when set.
	Variant string `yaml:"variant" json:"variant" mapstructure:"variant"` // "binary" or "line"
	Family  string `yaml:"family" json:"family" mapstructure:"family"`    // "status" or "crc32"

	TimeoutMs      int    `yaml:"timeout_ms" json:"timeoutMs" mapstructure:"timeout_ms"`
	FastComms      bool   `yaml:"fast_comms" json:"fastComms" mapstructure:"fast_comms"`
	FastFallback   string `yaml:"fast_fallback" json:"fastFallback" mapstructure:"fast_fallback"` // "silent" or "visible"
	WriteAttempts  int    `yaml:"write_attempts" json:"writeAttempts" mapstructure:"write_attempts"`
	MaxTimeouts    int    `yaml:"max_timeouts" json:"maxTimeouts" mapstructure:"max_timeouts"`
	RejectMismatch bool   `yaml:"reject_mismatch" json:"rejectMismatch" mapstructure:"reject_mismatch"`
	OpenDelayMs    int    `yaml:"open_delay_ms" json:"openDelayMs" mapstructure:"open_delay_ms"`
	PollMs         int    `yaml:"poll_ms" json:"pollMs" mapstructure:"poll_ms"` // realtime polling period, 0 = off
}

type LayoutConfig struct {
	Path string `yaml:"path" json:"path" mapstructure:"path"` // empty = built-in layout
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path" mapstructure:"path"` // empty = no persistence
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" mapstructure:"listen_addr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ECU: ECUConfig{
			Port:          "/dev/ttyACM0",
			BaudRate:      115200,
			TimeoutMs:     1000,
			FastFallback:  string(ecu.FallbackSilent),
			WriteAttempts: ecu.DefaultWriteAttempts,
			MaxTimeouts:   ecu.DefaultMaxTimeouts,
			PollMs:        100,
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Datalog: logger.DatalogConfig{
			Enabled:    false,
			Path:       "/var/log/goefitune",
			IntervalMs: 100,
		},
		Store: StoreConfig{
			Path: "/var/lib/goefitune/tune",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// setDefaults registers every key with viper so environment overrides apply
// even when the file does not mention the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("ecu.port", d.ECU.Port)
	v.SetDefault("ecu.baud_rate", d.ECU.BaudRate)
	v.SetDefault("ecu.variant", d.ECU.Variant)
	v.SetDefault("ecu.family", d.ECU.Family)
	v.SetDefault("ecu.timeout_ms", d.ECU.TimeoutMs)
	v.SetDefault("ecu.fast_comms", d.ECU.FastComms)
	v.SetDefault("ecu.fast_fallback", d.ECU.FastFallback)
	v.SetDefault("ecu.write_attempts", d.ECU.WriteAttempts)
	v.SetDefault("ecu.max_timeouts", d.ECU.MaxTimeouts)
	v.SetDefault("ecu.reject_mismatch", d.ECU.RejectMismatch)
	v.SetDefault("ecu.open_delay_ms", d.ECU.OpenDelayMs)
	v.SetDefault("ecu.poll_ms", d.ECU.PollMs)

	v.SetDefault("layout.path", d.Layout.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("datalog.enabled", d.Datalog.Enabled)
	v.SetDefault("datalog.path", d.Datalog.Path)
	v.SetDefault("datalog.interval_ms", d.Datalog.IntervalMs)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
}

// LoadConfig reads config from a YAML file, then applies GOEFITUNE_*
// environment overrides. A missing file means defaults; a broken one is an
// error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// ECUSettings converts the ecu section into connection settings.
func (c *Config) ECUSettings() ecu.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.ECU
	return ecu.Settings{
		Link: transport.Settings{
			Port:     e.Port,
			BaudRate: e.BaudRate,
			Timeout:  time.Duration(e.TimeoutMs) * time.Millisecond,
		},
		FastComms:      e.FastComms,
		FastFallback:   ecu.FallbackPolicy(e.FastFallback),
		WriteAttempts:  e.WriteAttempts,
		MaxTimeouts:    e.MaxTimeouts,
		RejectMismatch: e.RejectMismatch,
		OpenDelay:      time.Duration(e.OpenDelayMs) * time.Millisecond,
	}
}

// LoadLayout reads the configured layout, or the built-in one, and applies
// the ecu section's protocol overrides.
func (c *Config) LoadLayout() (*layout.Layout, error) {
	c.mu.RLock()
	path, variant, family := c.Layout.Path, c.ECU.Variant, c.ECU.Family
	c.mu.RUnlock()

	l := layout.Default()
	if path != "" {
		var err error
		if l, err = layout.Load(path); err != nil {
			return nil, err
		}
	}
	if variant != "" {
		l.Variant = variant
	}
	if family != "" {
		l.Family = family
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// PollInterval is the realtime polling period, 0 when polling is off.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.ECU.PollMs) * time.Millisecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/goefitune/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged; any
// other value in src replaces the one in dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
