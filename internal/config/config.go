package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"ridebook/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Payments   PaymentsConfig   `yaml:"payments"`
	Viewer     ViewerConfig     `yaml:"viewer"`
	Google     GoogleConfig     `yaml:"google"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Exports    ExportConfig     `yaml:"exports"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
	Push      PushConfig         `yaml:"push"`
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

	// Keepalive pings idle viewer connections; zero leaves the grpc defaults.
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	MaxRecvMsgBytes  int           `yaml:"max_recv_msg_bytes"`
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
	HeaderExtra  string         `yaml:"header_extra"`
	HeaderActor  string         `yaml:"header_actor"`
	HeaderRole   string         `yaml:"header_role"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

// APIClientKey binds a credential to the role its holder acts in.
type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type PushConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LifecycleConfig struct {
	OTPLength int           `yaml:"otp_length"`
	OTPTTL    time.Duration `yaml:"otp_ttl"`
}

type PaymentsConfig struct {
	Currency string        `yaml:"currency"`
	Gateway  GatewayConfig `yaml:"gateway"`
}

type GatewayConfig struct {
	BaseURL   string        `yaml:"base_url"`
	KeyID     string        `yaml:"key_id"`
	KeySecret string        `yaml:"key_secret"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ViewerConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	APIExtra          string        `yaml:"api_extra"`
	ViewerID          string        `yaml:"viewer_id"`
	ActorID           string        `yaml:"actor_id"`
	Role              string        `yaml:"role"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReviewPromptDelay time.Duration `yaml:"review_prompt_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	Push              bool          `yaml:"push"`
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
	Debug        bool    `yaml:"debug"`
	AdminChatIDs []int64 `yaml:"admin_chat_ids"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type GoogleConfig struct {
	Enabled             bool   `yaml:"enabled"`
	CredentialsFile     string `yaml:"credentials_file"`
	LedgerSpreadsheetID string `yaml:"ledger_spreadsheet_id"`
	ResyncOnStart       bool   `yaml:"resync_on_start"`

	Retry GoogleRetryConfig `yaml:"retry"`
}

// GoogleRetryConfig tunes retries of failed ledger writes.
type GoogleRetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

func Load(configPath string) (*Config, error) {
	// .env необязателен, переменные могут прийти из окружения
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

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
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Lifecycle.OTPLength < 4 || c.Lifecycle.OTPLength > 10 {
		return fmt.Errorf("lifecycle.otp_length must be between 4 and 10, got %d", c.Lifecycle.OTPLength)
	}
	if c.Lifecycle.OTPTTL < 0 {
		return errors.New("lifecycle.otp_ttl must not be negative")
	}
	if c.Payments.Gateway.BaseURL != "" && c.Payments.Gateway.KeySecret == "" {
		return errors.New("payments.gateway.key_secret is required when gateway is configured")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE") {
		return errors.New("telegram bot token is required")
	}
	if c.Google.Enabled && (c.Google.CredentialsFile == "" || c.Google.LedgerSpreadsheetID == "") {
		return errors.New("google ledger requires credentials_file and ledger_spreadsheet_id")
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

// ValidateAPIKeys checks that every key is unique and bound to a known role.
func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
		if !models.Role(k.Role).Valid() {
			return fmt.Errorf("api key '%s' has unknown role '%s'", k.Name, k.Role)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ridebook"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.Auth.HeaderActor == "" {
		c.API.Auth.HeaderActor = "x-actor-id"
	}
	if c.API.Auth.HeaderRole == "" {
		c.API.Auth.HeaderRole = "x-actor-role"
	}
	if c.API.Push.PingInterval == 0 {
		c.API.Push.PingInterval = 30 * time.Second
	}
	if c.API.Push.WriteTimeout == 0 {
		c.API.Push.WriteTimeout = 5 * time.Second
	}

	if c.Lifecycle.OTPLength == 0 {
		c.Lifecycle.OTPLength = models.DefaultOTPLength
	}
	if c.Payments.Currency == "" {
		c.Payments.Currency = "INR"
	}
	if c.Payments.Gateway.Timeout == 0 {
		c.Payments.Gateway.Timeout = models.DefaultRequestTimeout
	}

	if c.Viewer.PollInterval == 0 {
		c.Viewer.PollInterval = models.DefaultPollInterval
	}
	if c.Viewer.ReviewPromptDelay == 0 {
		c.Viewer.ReviewPromptDelay = models.DefaultReviewPromptDelay
	}
	if c.Viewer.RequestTimeout == 0 {
		c.Viewer.RequestTimeout = models.DefaultRequestTimeout
	}
	if c.Viewer.Role == "" {
		c.Viewer.Role = string(models.RolePassenger)
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
