package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"seminarhall/internal/models"
	"seminarhall/internal/slots"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Lease      LeaseConfig      `yaml:"lease"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Allocation AllocationConfig `yaml:"allocation"`
	Slots      []slots.Range    `yaml:"slots"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Google     GoogleConfig     `yaml:"google"`
	Exports    ExportConfig     `yaml:"exports"`
}

// AllocationConfig controls the reservation engine policy.
type AllocationConfig struct {
	Mode           models.Mode   `yaml:"mode"`
	DailyQuota     int           `yaml:"daily_quota"`
	HorizonDays    int           `yaml:"horizon_days"`
	StorageTimeout time.Duration `yaml:"storage_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	// Timezone decides what "today" means for the booking window.
	Timezone string `yaml:"timezone"`
}

// Location resolves Timezone, falling back to local time.
func (a AllocationConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderActor  string         `yaml:"header_actor"`
	HeaderRole   string         `yaml:"header_role"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BotToken     string  `yaml:"bot_token"`
	AdminChatIDs []int64 `yaml:"admin_chat_ids"`
	Debug        bool    `yaml:"debug"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// SeedFile lists halls inserted on startup when absent.
	SeedFile string `yaml:"seed_file"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LeaseConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type OutboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	RedisQueue   string        `yaml:"redis_queue"`
}

type RabbitMQConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool          `yaml:"prometheus_enabled"`
	PrometheusPort    int           `yaml:"prometheus_port"`
	HealthInterval    time.Duration `yaml:"health_interval"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type GoogleConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"reservations_spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Allocation.Mode {
	case models.ModeModerated, models.ModeWaitlist:
	default:
		return fmt.Errorf("unknown allocation mode %q", c.Allocation.Mode)
	}
	if c.Allocation.DailyQuota < 1 {
		return errors.New("allocation.daily_quota must be positive")
	}
	if c.Allocation.HorizonDays < 0 {
		return errors.New("allocation.horizon_days must not be negative")
	}
	if c.Allocation.Timezone != "" {
		if _, err := time.LoadLocation(c.Allocation.Timezone); err != nil {
			return fmt.Errorf("allocation.timezone: %w", err)
		}
	}

	switch c.Lease.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown lease backend %q", c.Lease.Backend)
	}

	if _, err := slots.NewCalendar(c.Slots); err != nil {
		return fmt.Errorf("slots: %w", err)
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram bot token is required when telegram is enabled")
	}
	if c.RabbitMQ.Enabled && c.RabbitMQ.URL == "" {
		return errors.New("rabbitmq url is required when rabbitmq is enabled")
	}
	if c.Google.Enabled && (c.Google.CredentialsFile == "" || c.Google.SpreadsheetID == "") {
		return errors.New("google credentials_file and reservations_spreadsheet_id are required when google is enabled")
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "seminarhall"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Lease.Backend == "" {
		c.Lease.Backend = "memory"
	}
	if c.Lease.TTL == 0 {
		c.Lease.TTL = 10 * time.Second
	}
	if c.Lease.RetryInterval == 0 {
		c.Lease.RetryInterval = 20 * time.Millisecond
	}

	if c.Allocation.Mode == "" {
		c.Allocation.Mode = models.ModeModerated
	}
	if c.Allocation.DailyQuota == 0 {
		c.Allocation.DailyQuota = models.DefaultDailyQuota
	}
	if c.Allocation.HorizonDays == 0 {
		c.Allocation.HorizonDays = models.DefaultHorizonDays
	}
	if c.Allocation.StorageTimeout == 0 {
		c.Allocation.StorageTimeout = models.DefaultStorageTimeoutSeconds * time.Second
	}
	if c.Allocation.MaxRetries == 0 {
		c.Allocation.MaxRetries = models.DefaultMaxRetries
	}
	if c.Allocation.RetryDelay == 0 {
		c.Allocation.RetryDelay = 50 * time.Millisecond
	}
	if len(c.Slots) == 0 {
		c.Slots = append([]slots.Range(nil), slots.DefaultRanges...)
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderActor == "" {
		c.API.Auth.HeaderActor = "x-actor-id"
	}
	if c.API.Auth.HeaderRole == "" {
		c.API.Auth.HeaderRole = "x-actor-role"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Monitoring.HealthInterval == 0 {
		c.Monitoring.HealthInterval = 15 * time.Second
	}

	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 2 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "seminarhall.reservations"
	}
	if c.Google.SheetName == "" {
		c.Google.SheetName = "Reservations"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "./exports"
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
}
