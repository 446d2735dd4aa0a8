package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a device.
type Config struct {
	// Home holds the account, device list, crypto store and backups.
	Home     string `yaml:"home" json:"home"`
	RelayURL string `yaml:"relay_url" json:"relay_url"`
	UserID   string `yaml:"user_id" json:"user_id"`
	DeviceID string `yaml:"device_id" json:"device_id"`

	Log          LogConfig          `yaml:"log" json:"log"`
	Megolm       MegolmConfig       `yaml:"megolm" json:"megolm"`
	Gossip       GossipConfig       `yaml:"gossip" json:"gossip"`
	Verification VerificationConfig `yaml:"verification" json:"verification"`
	Backup       BackupConfig       `yaml:"backup" json:"backup"`
	Relay        RelayConfig        `yaml:"relay" json:"relay"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// MegolmConfig tunes outbound session rotation and key sharing.
type MegolmConfig struct {
	RotationMsgs int `yaml:"rotation_msgs" json:"rotation_msgs"`
	// RotationPeriod is a Go duration string such as "168h".
	RotationPeriod      string `yaml:"rotation_period" json:"rotation_period"`
	ShareBatchSize      int    `yaml:"share_batch_size" json:"share_batch_size"`
	ShareConcurrency    int    `yaml:"share_concurrency" json:"share_concurrency"`
	BlacklistUnverified bool   `yaml:"blacklist_unverified" json:"blacklist_unverified"`
	WarnUnknownDevices  bool   `yaml:"warn_unknown_devices" json:"warn_unknown_devices"`
	LimitToOwnDevices   bool   `yaml:"limit_to_own_devices" json:"limit_to_own_devices"`
}

// GossipConfig configures key requests.
type GossipConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// SharePolicy is a govaluate expression over own_device, verified,
	// previously_shared, user_id, device_id and room_id.
	SharePolicy string `yaml:"share_policy" json:"share_policy"`
}

// VerificationConfig configures SAS verification.
type VerificationConfig struct {
	Timeout string `yaml:"timeout" json:"timeout"`
}

// BackupConfig configures automatic key backup.
type BackupConfig struct {
	// Dir defaults to <home>/backup.
	Dir       string `yaml:"dir" json:"dir"`
	Recipient string `yaml:"recipient" json:"recipient"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Home: filepath.Join(homeDir, ".e2ee"),
		Log:  LogConfig{Level: "info"},
		Megolm: MegolmConfig{
			RotationMsgs:     100,
			RotationPeriod:   (7 * 24 * time.Hour).String(),
			ShareBatchSize:   100,
			ShareConcurrency: 4,
		},
		Gossip:       GossipConfig{Enabled: true},
		Verification: VerificationConfig{Timeout: (10 * time.Minute).String()},
		Backup:       BackupConfig{BatchSize: 100},
		Relay:        RelayConfig{Listen: "127.0.0.1:8080"},
	}
}

// Load builds the configuration from Default, the file at path (if any)
// and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func (c *Config) applyEnv() {
	c.Home = getenv("E2EE_HOME", c.Home)
	c.RelayURL = getenv("E2EE_RELAY_URL", c.RelayURL)
	c.UserID = getenv("E2EE_USER_ID", c.UserID)
	c.DeviceID = getenv("E2EE_DEVICE_ID", c.DeviceID)
	c.Log.Level = getenv("E2EE_LOG_LEVEL", c.Log.Level)
	c.Megolm.RotationMsgs = parseInt(os.Getenv("E2EE_ROTATION_MSGS"), c.Megolm.RotationMsgs)
	if d := os.Getenv("E2EE_ROTATION_PERIOD"); d != "" {
		c.Megolm.RotationPeriod = d
	}
	c.Megolm.BlacklistUnverified = parseBool(os.Getenv("E2EE_BLACKLIST_UNVERIFIED"), c.Megolm.BlacklistUnverified)
	c.Megolm.WarnUnknownDevices = parseBool(os.Getenv("E2EE_WARN_UNKNOWN_DEVICES"), c.Megolm.WarnUnknownDevices)
	c.Gossip.Enabled = parseBool(os.Getenv("E2EE_GOSSIP"), c.Gossip.Enabled)
}

// expandVariables expands ${HOME} and friends in paths.
func (c *Config) expandVariables() {
	c.Home = os.ExpandEnv(c.Home)
	c.Backup.Dir = os.ExpandEnv(c.Backup.Dir)
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.Home, "backup")
	}
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	var errs []error
	if c.Home == "" {
		errs = append(errs, errors.New("home is required"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Megolm.RotationMsgs <= 0 {
		errs = append(errs, errors.New("megolm.rotation_msgs must be positive"))
	}
	if d, err := time.ParseDuration(c.Megolm.RotationPeriod); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("megolm.rotation_period: invalid duration %q", c.Megolm.RotationPeriod))
	}
	if d, err := time.ParseDuration(c.Verification.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("verification.timeout: invalid duration %q", c.Verification.Timeout))
	}
	return errors.Join(errs...)
}

// RotationPeriod returns megolm.rotation_period as a duration.
func (c *Config) RotationPeriod() time.Duration {
	return parseDuration(c.Megolm.RotationPeriod, 7*24*time.Hour)
}

// VerificationTimeout returns verification.timeout as a duration.
func (c *Config) VerificationTimeout() time.Duration {
	return parseDuration(c.Verification.Timeout, 10*time.Minute)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
