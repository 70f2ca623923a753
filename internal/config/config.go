package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"counselbook/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig          `yaml:"app"`
	Database      DatabaseConfig     `yaml:"database"`
	Redis         RedisConfig        `yaml:"redis"`
	Backup        BackupConfig       `yaml:"backup"`
	Monitoring    MonitoringConfig   `yaml:"monitoring"`
	Logging       LoggingConfig      `yaml:"logging"`
	Tracing       TracingConfig      `yaml:"tracing"`
	API           APIConfig          `yaml:"api"`
	Booking       BookingConfig      `yaml:"booking"`
	Session       SessionConfig      `yaml:"session"`
	Payment       PaymentConfig      `yaml:"payment"`
	Notifications NotificationConfig `yaml:"notifications"`
	Worker        WorkerConfig       `yaml:"worker"`
	Broker        BrokerConfig       `yaml:"broker"`
	Google        GoogleConfig       `yaml:"google"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
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

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	JWT       JWTConfig          `yaml:"jwt"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type APIGRPCConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              int           `yaml:"port"`
	Reflection        bool          `yaml:"reflection"`
	MaxConnectionIdle time.Duration `yaml:"max_connection_idle"`
	KeepaliveTime     time.Duration `yaml:"keepalive_time"`
	TLS               APITLSConfig  `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// APIAuthConfig covers service-to-service API keys used by the gRPC surface.
type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// JWTConfig verifies identity tokens issued by the external identity provider.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type BookingConfig struct {
	DailyLimit   int `yaml:"daily_limit"`
	ClaimRetries int `yaml:"claim_retries"`
}

type SessionConfig struct {
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	MessageGrace          time.Duration `yaml:"message_grace"`
	ExtensionRequestGrace time.Duration `yaml:"extension_request_grace"`
	MaxMessageLength      int           `yaml:"max_message_length"`
	MessageRateLimit      int           `yaml:"message_rate_limit"`
	MessageRateWindow     time.Duration `yaml:"message_rate_window"`
	OutboundQueueSize     int           `yaml:"outbound_queue_size"`
	ExtensionStateTTL     time.Duration `yaml:"extension_state_ttl"`
}

type PaymentConfig struct {
	Provider  string        `yaml:"provider"` // stripe, sandbox
	StripeKey string        `yaml:"stripe_key"`
	Currency  string        `yaml:"currency"`
	Timeout   time.Duration `yaml:"timeout"`
}

type NotificationConfig struct {
	TelegramToken   string           `yaml:"telegram_token"`
	TelegramChatIDs map[string]int64 `yaml:"telegram_chat_ids"`
	// ReminderTime is the UTC HH:MM at which next-day session reminders go out. "off" disables them.
	ReminderTime string `yaml:"reminder_time"`
}

type WorkerConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type GoogleConfig struct {
	CredentialsFile      string `yaml:"credentials_file"`
	BookingSpreadSheetID string `yaml:"bookings_spreadsheet_id"`
}

func Load(configPath string) (*Config, error) {
	// .env необязателен
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
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
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.API.JWT.Secret == "" {
		return errors.New("api.jwt.secret is required")
	}
	switch c.Payment.Provider {
	case "sandbox":
	case "stripe":
		if c.Payment.StripeKey == "" {
			return errors.New("payment.stripe_key is required for the stripe provider")
		}
	default:
		return fmt.Errorf("unknown payment provider %q", c.Payment.Provider)
	}
	if c.Booking.DailyLimit < 1 {
		return fmt.Errorf("booking.daily_limit must be positive, got %d", c.Booking.DailyLimit)
	}
	if c.Session.MessageGrace < 0 || c.Session.ExtensionRequestGrace < 0 {
		return errors.New("session grace periods must not be negative")
	}
	if c.API.GRPC.TLS.Enabled && (c.API.GRPC.TLS.CertFile == "" || c.API.GRPC.TLS.KeyFile == "") {
		return errors.New("grpc tls requires cert_file and key_file")
	}
	if rt := c.Notifications.ReminderTime; rt != "" && rt != "off" {
		if _, err := time.Parse(models.ClockLayout, rt); err != nil {
			return fmt.Errorf("invalid notifications.reminder_time %q", rt)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "counselbook"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.HTTP.ReadTimeout == 0 {
		c.API.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.API.HTTP.WriteTimeout == 0 {
		c.API.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.API.HTTP.ShutdownTimeout == 0 {
		c.API.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.GRPC.MaxConnectionIdle == 0 {
		c.API.GRPC.MaxConnectionIdle = 5 * time.Minute
	}
	if c.API.GRPC.KeepaliveTime == 0 {
		c.API.GRPC.KeepaliveTime = 2 * time.Minute
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}

	// Бронирования
	if c.Booking.DailyLimit == 0 {
		c.Booking.DailyLimit = models.DefaultDailyBookingLimit
	}
	if c.Booking.ClaimRetries == 0 {
		c.Booking.ClaimRetries = models.DefaultClaimRetries
	}

	// Сессии
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = time.Minute
	}
	if c.Session.MessageGrace == 0 {
		c.Session.MessageGrace = 5 * time.Minute
	}
	if c.Session.ExtensionRequestGrace == 0 {
		c.Session.ExtensionRequestGrace = time.Minute
	}
	if c.Session.MaxMessageLength == 0 {
		c.Session.MaxMessageLength = models.MaxMessageLength
	}
	if c.Session.MessageRateLimit == 0 {
		c.Session.MessageRateLimit = models.MessageRateLimit
	}
	if c.Session.MessageRateWindow == 0 {
		c.Session.MessageRateWindow = models.MessageRateWindow * time.Second
	}
	if c.Session.OutboundQueueSize == 0 {
		c.Session.OutboundQueueSize = 64
	}
	if c.Session.ExtensionStateTTL == 0 {
		c.Session.ExtensionStateTTL = models.DefaultExtensionTTL * time.Second
	}

	if c.Payment.Provider == "" {
		c.Payment.Provider = "sandbox"
	}
	c.Payment.Provider = strings.ToLower(c.Payment.Provider)
	if c.Payment.Currency == "" {
		c.Payment.Currency = "usd"
	}
	if c.Payment.Timeout == 0 {
		c.Payment.Timeout = 10 * time.Second
	}

	if c.Worker.QueueSize == 0 {
		c.Worker.QueueSize = models.WorkerQueueSize
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.BaseDelay == 0 {
		c.Worker.BaseDelay = 2 * time.Second
	}
	if c.Worker.MaxDelay == 0 {
		c.Worker.MaxDelay = time.Minute
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}

	if c.Notifications.ReminderTime == "" {
		c.Notifications.ReminderTime = "09:00"
	}

	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "counselbook.events"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.App.Name
	}
}
