// Package config 服务配置。
//
// 优先级：内置默认值 < YAML 文件（LICENSE_CONFIG_FILE，未设置时读取 ./config.yaml）
// < LICENSE_ 前缀的环境变量（如 LICENSE_SERVER_PORT）。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix         = "LICENSE"
	defaultConfigFile = "config.yaml"
)

// 设备标识来源
const (
	DeviceSourceExplicit = "explicit"
	DeviceSourceMachine  = "machine"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Events    EventsConfig    `yaml:"events" envconfig:"EVENTS"`
	Sheets    SheetsConfig    `yaml:"sheets" envconfig:"SHEETS"`
	Receipt   ReceiptConfig   `yaml:"receipt" envconfig:"RECEIPT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	BasePath        string        `yaml:"base_path" envconfig:"BASE_PATH"`
	AllowedOrigins  string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	// sqlite、postgres 或 mongo
	Driver        string `yaml:"driver" envconfig:"DRIVER"`
	Path          string `yaml:"path" envconfig:"SQLITE_PATH"`
	DSN           string `yaml:"dsn" envconfig:"DSN"`
	MongoURI      string `yaml:"mongo_uri" envconfig:"MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" envconfig:"MONGO_DATABASE"`
	MaxConns      int    `yaml:"max_conns" envconfig:"MAX_CONNS"`
}

type LicenseConfig struct {
	TrialDuration time.Duration `yaml:"trial_duration" envconfig:"TRIAL_DURATION"`
	TrialPrefix   string        `yaml:"trial_prefix" envconfig:"TRIAL_PREFIX"`
	KeyRetries    int           `yaml:"key_retries" envconfig:"KEY_RETRIES"`
	// explicit 使用请求中的 deviceId，machine 使用本机标识
	DeviceSource   string `yaml:"device_source" envconfig:"DEVICE_SOURCE"`
	BindOnValidate bool   `yaml:"bind_on_validate" envconfig:"BIND_ON_VALIDATE"`
	// 计算当日结束时间使用的时区，Local 为服务器时区
	TimeZone string `yaml:"time_zone" envconfig:"TIME_ZONE"`
	// 试用按精确结束时间过期，而不是当日结束
	TrialExactExpiry bool `yaml:"trial_exact_expiry" envconfig:"TRIAL_EXACT_EXPIRY"`
}

type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"ENABLED"`
	RPS      float64       `yaml:"rps" envconfig:"RPS"`
	Burst    int           `yaml:"burst" envconfig:"BURST"`
	RedisURL string        `yaml:"redis_url" envconfig:"REDIS_URL"`
	Window   time.Duration `yaml:"window" envconfig:"WINDOW"`
	Max      int           `yaml:"max" envconfig:"MAX"`
}

type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `yaml:"kafka_topic" envconfig:"KAFKA_TOPIC"`
}

type SheetsConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"ENABLED"`
	CredentialPath string `yaml:"credential_path" envconfig:"CREDENTIAL_PATH"`
	SpreadsheetID  string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName      string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
	ImportSheet    string `yaml:"import_sheet" envconfig:"IMPORT_SHEET"`
	ImportOnStart  bool   `yaml:"import_on_start" envconfig:"IMPORT_ON_START"`
}

type ReceiptConfig struct {
	Secret string        `yaml:"secret" envconfig:"SECRET"`
	TTL    time.Duration `yaml:"ttl" envconfig:"TTL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// Default 内置默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            5000,
			AllowedOrigins:  "*",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Path:          "data/license.db",
			MongoDatabase: "licenseDB",
			MaxConns:      10,
		},
		License: LicenseConfig{
			TrialDuration: 5 * time.Minute,
			TrialPrefix:   "TRIAL-",
			KeyRetries:    5,
			DeviceSource:  DeviceSourceExplicit,
			TimeZone:      "Local",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     2,
			Burst:   10,
			Window:  time.Minute,
			Max:     30,
		},
		Events: EventsConfig{
			KafkaTopic: "license-events",
		},
		Sheets: SheetsConfig{
			SheetName:   "Licenses",
			ImportSheet: "Import",
		},
		Receipt: ReceiptConfig{
			TTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 依次加载默认值、配置文件和环境变量
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv(envPrefix + "_CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	if err := loadFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database dsn is required for postgres")
		}
	case "mongo":
		if c.Database.MongoURI == "" {
			return errors.New("mongo uri is required for mongo")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.License.TrialDuration <= 0 {
		return fmt.Errorf("trial duration must be positive: %s", c.License.TrialDuration)
	}
	if strings.TrimSpace(c.License.TrialPrefix) == "" {
		return errors.New("trial prefix is required")
	}
	if c.License.KeyRetries < 1 {
		return fmt.Errorf("key retries must be at least 1: %d", c.License.KeyRetries)
	}
	switch c.License.DeviceSource {
	case DeviceSourceExplicit, DeviceSourceMachine:
	default:
		return fmt.Errorf("invalid device source: %s", c.License.DeviceSource)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.RateLimit.Enabled {
		if c.RedisLimiter() {
			if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
				return errors.New("rate limit max and window must be positive")
			}
		} else if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
			return errors.New("rate limit rps and burst must be positive")
		}
	}

	if c.Sheets.Enabled && (c.Sheets.CredentialPath == "" || c.Sheets.SpreadsheetID == "") {
		return errors.New("sheets credential path and spreadsheet id are required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Location 过期判定使用的时区
func (c *Config) Location() (*time.Location, error) {
	if c.License.TimeZone == "" || c.License.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.License.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", c.License.TimeZone, err)
	}
	return loc, nil
}

// RedisLimiter 是否使用 redis 限流
func (c *Config) RedisLimiter() bool {
	return c.RateLimit.RedisURL != ""
}

func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
