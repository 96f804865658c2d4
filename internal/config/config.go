package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Interval floors. The vendor throttles aggressive clients, so anything
// below these is a configuration error rather than a silent clamp.
const (
	MinAuthInterval         = 2 * time.Hour
	MinIntercomsInterval    = 5 * time.Minute
	MinCallSessionsInterval = 30 * time.Second
	MinMetersInterval       = 5 * time.Minute
)

const (
	minDeviceIDLength       = 6
	generatedDeviceIDLength = 16
)

// Config holds all application configuration.
type Config struct {
	PIK     PIKConfig     `yaml:"pik"`
	Poll    PollConfig    `yaml:"poll"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Archive ArchiveConfig `yaml:"archive"`
	Rate    RateConfig    `yaml:"rate"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// PIKConfig holds vendor account and endpoint configuration.
type PIKConfig struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceID   string `yaml:"device_id"`
	ICMBaseURL string `yaml:"icm_base_url"`
	IotBaseURL string `yaml:"iot_base_url"`
	VerifySSL  *bool  `yaml:"verify_ssl"`
}

// PollConfig holds per-category refresh intervals in seconds.
// Zero disables a loop.
type PollConfig struct {
	AuthIntervalSeconds         int `yaml:"auth_update_interval"`
	IntercomsIntervalSeconds    int `yaml:"intercoms_update_interval"`
	CallSessionsIntervalSeconds int `yaml:"call_sessions_update_interval"`
	MetersIntervalSeconds       int `yaml:"meters_update_interval"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// ArchiveConfig holds call snapshot archive (S3) configuration.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
}

// RateConfig caps outgoing vendor requests. Zero disables a cap.
type RateConfig struct {
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxPerDay    int `yaml:"max_per_day"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Poll: PollConfig{
			AuthIntervalSeconds:         int((24 * time.Hour).Seconds()),
			IntercomsIntervalSeconds:    int((5 * time.Minute).Seconds()),
			CallSessionsIntervalSeconds: 30,
			MetersIntervalSeconds:       int((24 * time.Hour).Seconds()),
		},
		MQTT: MQTTConfig{
			TopicPrefix: "pik2mqtt",
			ClientID:    "pik2mqtt",
		},
		Rate: RateConfig{
			MaxPerMinute: 30,
			MaxPerDay:    5000,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, overlays environment
// variables, then validates. If path is empty, only defaults + env are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PIK.Username == "" {
		return fmt.Errorf("config: pik.username is required")
	}
	if c.PIK.Password == "" {
		return fmt.Errorf("config: pik.password is required")
	}

	if c.PIK.DeviceID == "" {
		c.PIK.DeviceID = generateDeviceID()
	}
	if err := validateDeviceID(c.PIK.DeviceID); err != nil {
		return err
	}

	if err := checkIntervalFloor("poll.auth_update_interval", c.Poll.AuthIntervalSeconds, MinAuthInterval); err != nil {
		return err
	}
	if err := checkIntervalFloor("poll.intercoms_update_interval", c.Poll.IntercomsIntervalSeconds, MinIntercomsInterval); err != nil {
		return err
	}
	if err := checkIntervalFloor("poll.call_sessions_update_interval", c.Poll.CallSessionsIntervalSeconds, MinCallSessionsInterval); err != nil {
		return err
	}
	if err := checkIntervalFloor("poll.meters_update_interval", c.Poll.MetersIntervalSeconds, MinMetersInterval); err != nil {
		return err
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("config: archive.endpoint and archive.bucket are required when archive is enabled")
		}
	}
	return nil
}

// checkIntervalFloor rejects below-floor intervals. Zero disables the loop
// and is always allowed.
func checkIntervalFloor(name string, seconds int, floor time.Duration) error {
	if seconds == 0 {
		return nil
	}
	if seconds < 0 {
		return fmt.Errorf("config: %s must not be negative", name)
	}
	if time.Duration(seconds)*time.Second < floor {
		return fmt.Errorf("config: %s is %ds, below the minimum of %s", name, seconds, floor)
	}
	return nil
}

func validateDeviceID(id string) error {
	if len(id) < minDeviceIDLength {
		return fmt.Errorf("config: pik.device_id must be at least %d characters", minDeviceIDLength)
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return fmt.Errorf("config: pik.device_id must be alphanumeric")
		}
	}
	return nil
}

const deviceIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateDeviceID produces a random device UID in the format the vendor's
// mobile app uses.
func generateDeviceID() string {
	var sb strings.Builder
	for i := 0; i < generatedDeviceIDLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(deviceIDAlphabet))))
		if err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		sb.WriteByte(deviceIDAlphabet[n.Int64()])
	}
	return sb.String()
}

// VerifySSL defaults to true when unset.
func (p PIKConfig) ShouldVerifySSL() bool {
	if p.VerifySSL == nil {
		return true
	}
	return *p.VerifySSL
}

// Interval helpers converting the wire seconds to durations.

func (p PollConfig) AuthInterval() time.Duration {
	return time.Duration(p.AuthIntervalSeconds) * time.Second
}

func (p PollConfig) IntercomsInterval() time.Duration {
	return time.Duration(p.IntercomsIntervalSeconds) * time.Second
}

func (p PollConfig) CallSessionsInterval() time.Duration {
	return time.Duration(p.CallSessionsIntervalSeconds) * time.Second
}

func (p PollConfig) MetersInterval() time.Duration {
	return time.Duration(p.MetersIntervalSeconds) * time.Second
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PIK2MQTT_USERNAME"); v != "" {
		cfg.PIK.Username = v
	}
	if v := os.Getenv("PIK2MQTT_PASSWORD"); v != "" {
		cfg.PIK.Password = v
	}
	if v := os.Getenv("PIK2MQTT_DEVICE_ID"); v != "" {
		cfg.PIK.DeviceID = v
	}
	if v := os.Getenv("PIK2MQTT_ICM_BASE_URL"); v != "" {
		cfg.PIK.ICMBaseURL = v
	}
	if v := os.Getenv("PIK2MQTT_IOT_BASE_URL"); v != "" {
		cfg.PIK.IotBaseURL = v
	}
	if v := os.Getenv("PIK2MQTT_VERIFY_SSL"); v != "" {
		verify := parseBool(v)
		cfg.PIK.VerifySSL = &verify
	}
	if v := os.Getenv("PIK2MQTT_AUTH_UPDATE_INTERVAL"); v != "" {
		cfg.Poll.AuthIntervalSeconds = parseInt(v, cfg.Poll.AuthIntervalSeconds)
	}
	if v := os.Getenv("PIK2MQTT_INTERCOMS_UPDATE_INTERVAL"); v != "" {
		cfg.Poll.IntercomsIntervalSeconds = parseInt(v, cfg.Poll.IntercomsIntervalSeconds)
	}
	if v := os.Getenv("PIK2MQTT_CALL_SESSIONS_UPDATE_INTERVAL"); v != "" {
		cfg.Poll.CallSessionsIntervalSeconds = parseInt(v, cfg.Poll.CallSessionsIntervalSeconds)
	}
	if v := os.Getenv("PIK2MQTT_METERS_UPDATE_INTERVAL"); v != "" {
		cfg.Poll.MetersIntervalSeconds = parseInt(v, cfg.Poll.MetersIntervalSeconds)
	}
	if v := os.Getenv("PIK2MQTT_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("PIK2MQTT_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("PIK2MQTT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("PIK2MQTT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("PIK2MQTT_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("PIK2MQTT_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = parseBool(v)
	}
	if v := os.Getenv("PIK2MQTT_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("PIK2MQTT_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("PIK2MQTT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("PIK2MQTT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PIK2MQTT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}
