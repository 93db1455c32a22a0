package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TELEHEALTH_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// One section per component; app wiring copies each section into the component's own Config.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
	AccessKey *AccessKeyConfig `json:"access_key"`
	Redis     *RedisConfig     `json:"redis"`
	Auth      *AuthConfig      `json:"auth"`
	Notify    *NotifyConfig    `json:"notify"`
	Storage   *StorageConfig   `json:"storage"`
	Log       *LogConfig       `json:"log"`
	OTEL      *OTELConfig      `json:"otel"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	GinMode         string        `json:"gin_mode"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration bounds both liveness and load
// Heartbeat timings, the per-process socket cap, and per-socket flood control.
type WebSocketConfig struct {
	PingInterval      time.Duration `json:"ping_interval"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	BufferSize        int           `json:"buffer_size"`
	MaxConnections    int           `json:"max_connections"`
	MaxMessageBytes   int64         `json:"max_message_bytes"`
	MessagesPerSecond float64       `json:"messages_per_second"`
	MessageBurst      int           `json:"message_burst"`
	RetryAfter        time.Duration `json:"retry_after"`
}

type SessionConfig struct {
	InactivityTimeout      time.Duration `json:"inactivity_timeout"`
	TimeoutCheckInterval   time.Duration `json:"timeout_check_interval"`
	Retention              time.Duration `json:"retention"`
	RetentionInterval      time.Duration `json:"retention_interval"`
	StaleSweepInterval     time.Duration `json:"stale_sweep_interval"`
	AccessKeyBatchInterval time.Duration `json:"access_key_batch_interval"`
	AccessKeyLeadTime      time.Duration `json:"access_key_lead_time"`
	PublicBaseURL          string        `json:"public_base_url"`
}

type AccessKeyConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	Lockout     time.Duration `json:"lockout"`
}

// RedisConfig configures the backplane. An empty Addr runs single-process.
type RedisConfig struct {
	Addr            string        `json:"addr"`
	Password        string        `json:"-"`
	DB              int           `json:"db"`
	ChannelPrefix   string        `json:"channel_prefix"`
	MaxRetries      int           `json:"max_retries"`
	InitialBackoff  time.Duration `json:"initial_backoff"`
	MaxBackoff      time.Duration `json:"max_backoff"`
	PublishTimeout  time.Duration `json:"publish_timeout"`
	BreakerFailures int           `json:"breaker_failures"`
	BreakerCooldown time.Duration `json:"breaker_cooldown"`
}

type AuthConfig struct {
	JWTSecret string `json:"-"`
	Issuer    string `json:"issuer"`
}

// NotifyConfig selects the notification broker. An empty AMQPURL logs
// notifications instead of sending them.
type NotifyConfig struct {
	AMQPURL  string `json:"-"`
	Exchange string `json:"exchange"`
}

// StorageConfig configures recording uploads. An empty Bucket disables them.
// Static credentials are optional; the AWS default chain is used otherwise.
type StorageConfig struct {
	Bucket          string        `json:"bucket"`
	Region          string        `json:"region"`
	Endpoint        string        `json:"endpoint"`
	PresignTTL      time.Duration `json:"presign_ttl"`
	AccessKeyID     string        `json:"-"`
	SecretAccessKey string        `json:"-"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

type OTELConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	Insecure    bool    `json:"insecure"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on telemedicine requirements
// 500 sockets per process, 1h inactivity timeout, 90 day retention, 5 attempts before a 30m lockout.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./telehealth.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			GinMode:         "release",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:      30 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      10 * time.Second,
			BufferSize:        4096,
			MaxConnections:    500,
			MaxMessageBytes:   64 * 1024,
			MessagesPerSecond: 20,
			MessageBurst:      40,
			RetryAfter:        30 * time.Second,
		},
		Session: &SessionConfig{
			InactivityTimeout:      time.Hour,
			TimeoutCheckInterval:   time.Minute,
			Retention:              90 * 24 * time.Hour,
			RetentionInterval:      5 * time.Minute,
			StaleSweepInterval:     5 * time.Minute,
			AccessKeyBatchInterval: 5 * time.Minute,
			AccessKeyLeadTime:      24 * time.Hour,
		},
		AccessKey: &AccessKeyConfig{
			MaxAttempts: 5,
			Lockout:     30 * time.Minute,
		},
		Redis: &RedisConfig{
			ChannelPrefix:   "telehealth:room:",
			MaxRetries:      5,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			PublishTimeout:  2 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Auth: &AuthConfig{
			Issuer: "telehealth",
		},
		Notify: &NotifyConfig{
			Exchange: "telehealth.notifications",
		},
		Storage: &StorageConfig{
			Region:     "us-east-1",
			PresignTTL: 15 * time.Minute,
		},
		Log: &LogConfig{
			Level: "info",
		},
		OTEL: &OTELConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "telehealth",
			SampleRatio: 1.0,
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Session == nil ||
		c.AccessKey == nil || c.Redis == nil || c.Auth == nil || c.Notify == nil ||
		c.Storage == nil || c.Log == nil || c.OTEL == nil {
		return errors.New("every configuration section is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	switch c.HTTP.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("HTTP gin mode must be one of debug, release, test")
	}

	ws := c.WebSocket
	if ws.PingInterval <= 0 || ws.ReadTimeout <= 0 || ws.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if ws.ReadTimeout <= ws.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if ws.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if ws.MaxConnections <= 0 {
		return fmt.Errorf("WebSocket max connections must be positive")
	}
	if ws.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message bytes must be positive")
	}
	if ws.MessagesPerSecond <= 0 || ws.MessageBurst < 1 {
		return fmt.Errorf("WebSocket rate limit must be positive with burst >= 1")
	}

	s := c.Session
	if s.InactivityTimeout <= 0 || s.Retention <= 0 || s.AccessKeyLeadTime <= 0 {
		return fmt.Errorf("session timeout, retention and lead time must be positive")
	}
	if s.TimeoutCheckInterval <= 0 || s.RetentionInterval <= 0 || s.StaleSweepInterval <= 0 || s.AccessKeyBatchInterval <= 0 {
		return fmt.Errorf("session job intervals must be positive")
	}

	if c.AccessKey.MaxAttempts < 1 {
		return fmt.Errorf("access key max attempts must be at least 1")
	}
	if c.AccessKey.Lockout <= 0 {
		return fmt.Errorf("access key lockout must be positive")
	}

	if c.Redis.Addr != "" {
		if c.Redis.ChannelPrefix == "" {
			return fmt.Errorf("redis channel prefix cannot be empty")
		}
		if c.Redis.MaxRetries < 1 || c.Redis.BreakerFailures < 1 {
			return fmt.Errorf("redis retries and breaker failures must be at least 1")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required")
	}

	if c.Storage.Bucket != "" && c.Storage.PresignTTL <= 0 {
		return fmt.Errorf("storage presign TTL must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}

	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return fmt.Errorf("OTEL sample ratio must be in [0,1]")
	}
	if c.OTEL.Enabled && c.OTEL.Endpoint == "" {
		return fmt.Errorf("OTEL endpoint is required when tracing is enabled")
	}

	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Unset or unparsable variables leave the current value untouched.
func (c *Config) applyEnv() {
	envString("DATABASE_PATH", &c.Database.Path)
	envDuration("DATABASE_TIMEOUT", &c.Database.Timeout)

	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	envCSV("HTTP_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)
	envString("HTTP_GIN_MODE", &c.HTTP.GinMode)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	envInt("WEBSOCKET_MAX_CONNECTIONS", &c.WebSocket.MaxConnections)
	envInt64("WEBSOCKET_MAX_MESSAGE_BYTES", &c.WebSocket.MaxMessageBytes)
	envFloat("WEBSOCKET_MESSAGES_PER_SECOND", &c.WebSocket.MessagesPerSecond)
	envInt("WEBSOCKET_MESSAGE_BURST", &c.WebSocket.MessageBurst)
	envDuration("WEBSOCKET_RETRY_AFTER", &c.WebSocket.RetryAfter)

	envDuration("SESSION_INACTIVITY_TIMEOUT", &c.Session.InactivityTimeout)
	envDuration("SESSION_TIMEOUT_CHECK_INTERVAL", &c.Session.TimeoutCheckInterval)
	envDuration("SESSION_RETENTION", &c.Session.Retention)
	envDuration("SESSION_RETENTION_INTERVAL", &c.Session.RetentionInterval)
	envDuration("SESSION_STALE_SWEEP_INTERVAL", &c.Session.StaleSweepInterval)
	envDuration("SESSION_ACCESS_KEY_BATCH_INTERVAL", &c.Session.AccessKeyBatchInterval)
	envDuration("SESSION_ACCESS_KEY_LEAD_TIME", &c.Session.AccessKeyLeadTime)
	envString("SESSION_PUBLIC_BASE_URL", &c.Session.PublicBaseURL)

	envInt("ACCESS_KEY_MAX_ATTEMPTS", &c.AccessKey.MaxAttempts)
	envDuration("ACCESS_KEY_LOCKOUT", &c.AccessKey.Lockout)

	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)
	envString("REDIS_CHANNEL_PREFIX", &c.Redis.ChannelPrefix)
	envInt("REDIS_MAX_RETRIES", &c.Redis.MaxRetries)
	envDuration("REDIS_INITIAL_BACKOFF", &c.Redis.InitialBackoff)
	envDuration("REDIS_MAX_BACKOFF", &c.Redis.MaxBackoff)
	envDuration("REDIS_PUBLISH_TIMEOUT", &c.Redis.PublishTimeout)
	envInt("REDIS_BREAKER_FAILURES", &c.Redis.BreakerFailures)
	envDuration("REDIS_BREAKER_COOLDOWN", &c.Redis.BreakerCooldown)

	envString("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)

	envString("NOTIFY_AMQP_URL", &c.Notify.AMQPURL)
	envString("NOTIFY_EXCHANGE", &c.Notify.Exchange)

	envString("STORAGE_BUCKET", &c.Storage.Bucket)
	envString("STORAGE_REGION", &c.Storage.Region)
	envString("STORAGE_ENDPOINT", &c.Storage.Endpoint)
	envDuration("STORAGE_PRESIGN_TTL", &c.Storage.PresignTTL)
	envString("STORAGE_ACCESS_KEY_ID", &c.Storage.AccessKeyID)
	envString("STORAGE_SECRET_ACCESS_KEY", &c.Storage.SecretAccessKey)

	envString("LOG_LEVEL", &c.Log.Level)
	envBool("LOG_PRETTY", &c.Log.Pretty)

	envBool("OTEL_ENABLED", &c.OTEL.Enabled)
	envString("OTEL_ENDPOINT", &c.OTEL.Endpoint)
	envBool("OTEL_INSECURE", &c.OTEL.Insecure)
	envString("OTEL_SERVICE_NAME", &c.OTEL.ServiceName)
	envFloat("OTEL_SAMPLE_RATIO", &c.OTEL.SampleRatio)

	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
}

// LoadFromEnv returns the defaults overridden by TELEHEALTH_* variables.
// A .env file in the working directory is loaded first when present.
func LoadFromEnv() *Config {
	_ = godotenv.Load()
	config := DefaultConfig()
	config.applyEnv()
	return config
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate structs for JSON parsing to handle duration strings
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Session   *SessionConfigFile   `json:"session"`
	AccessKey *AccessKeyConfigFile `json:"access_key"`
	Redis     *RedisConfigFile     `json:"redis"`
	Auth      *AuthConfig          `json:"auth"`
	Notify    *NotifyConfig        `json:"notify"`
	Storage   *StorageConfigFile   `json:"storage"`
	Log       *LogConfig           `json:"log"`
	OTEL      *OTELConfig          `json:"otel"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ReadTimeout     string   `json:"read_timeout"`
	WriteTimeout    string   `json:"write_timeout"`
	ShutdownTimeout string   `json:"shutdown_timeout"`
	AllowedOrigins  []string `json:"allowed_origins"`
	GinMode         string   `json:"gin_mode"`
}

type WebSocketConfigFile struct {
	PingInterval      string  `json:"ping_interval"`
	ReadTimeout       string  `json:"read_timeout"`
	WriteTimeout      string  `json:"write_timeout"`
	BufferSize        int     `json:"buffer_size"`
	MaxConnections    int     `json:"max_connections"`
	MaxMessageBytes   int64   `json:"max_message_bytes"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	MessageBurst      int     `json:"message_burst"`
	RetryAfter        string  `json:"retry_after"`
}

type SessionConfigFile struct {
	InactivityTimeout      string `json:"inactivity_timeout"`
	TimeoutCheckInterval   string `json:"timeout_check_interval"`
	Retention              string `json:"retention"`
	RetentionInterval      string `json:"retention_interval"`
	StaleSweepInterval     string `json:"stale_sweep_interval"`
	AccessKeyBatchInterval string `json:"access_key_batch_interval"`
	AccessKeyLeadTime      string `json:"access_key_lead_time"`
	PublicBaseURL          string `json:"public_base_url"`
}

type AccessKeyConfigFile struct {
	MaxAttempts int    `json:"max_attempts"`
	Lockout     string `json:"lockout"`
}

type RedisConfigFile struct {
	Addr            string `json:"addr"`
	DB              int    `json:"db"`
	ChannelPrefix   string `json:"channel_prefix"`
	MaxRetries      int    `json:"max_retries"`
	InitialBackoff  string `json:"initial_backoff"`
	MaxBackoff      string `json:"max_backoff"`
	PublishTimeout  string `json:"publish_timeout"`
	BreakerFailures int    `json:"breaker_failures"`
	BreakerCooldown string `json:"breaker_cooldown"`
}

type StorageConfigFile struct {
	Bucket     string `json:"bucket"`
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint"`
	PresignTTL string `json:"presign_ttl"`
}

// applyFile overlays the values present in path. Secrets are read from the
// environment only and never from the file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	dur := func(s string, dst *time.Duration) {
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid duration %q: %w", s, err))
			return
		}
		*dst = d
	}

	if f := file.Database; f != nil {
		setString(f.Path, &c.Database.Path)
		dur(f.Timeout, &c.Database.Timeout)
	}

	if f := file.HTTP; f != nil {
		setString(f.Host, &c.HTTP.Host)
		setInt(f.Port, &c.HTTP.Port)
		dur(f.ReadTimeout, &c.HTTP.ReadTimeout)
		dur(f.WriteTimeout, &c.HTTP.WriteTimeout)
		dur(f.ShutdownTimeout, &c.HTTP.ShutdownTimeout)
		if len(f.AllowedOrigins) > 0 {
			c.HTTP.AllowedOrigins = f.AllowedOrigins
		}
		setString(f.GinMode, &c.HTTP.GinMode)
	}

	if f := file.WebSocket; f != nil {
		dur(f.PingInterval, &c.WebSocket.PingInterval)
		dur(f.ReadTimeout, &c.WebSocket.ReadTimeout)
		dur(f.WriteTimeout, &c.WebSocket.WriteTimeout)
		setInt(f.BufferSize, &c.WebSocket.BufferSize)
		setInt(f.MaxConnections, &c.WebSocket.MaxConnections)
		if f.MaxMessageBytes > 0 {
			c.WebSocket.MaxMessageBytes = f.MaxMessageBytes
		}
		if f.MessagesPerSecond > 0 {
			c.WebSocket.MessagesPerSecond = f.MessagesPerSecond
		}
		setInt(f.MessageBurst, &c.WebSocket.MessageBurst)
		dur(f.RetryAfter, &c.WebSocket.RetryAfter)
	}

	if f := file.Session; f != nil {
		dur(f.InactivityTimeout, &c.Session.InactivityTimeout)
		dur(f.TimeoutCheckInterval, &c.Session.TimeoutCheckInterval)
		dur(f.Retention, &c.Session.Retention)
		dur(f.RetentionInterval, &c.Session.RetentionInterval)
		dur(f.StaleSweepInterval, &c.Session.StaleSweepInterval)
		dur(f.AccessKeyBatchInterval, &c.Session.AccessKeyBatchInterval)
		dur(f.AccessKeyLeadTime, &c.Session.AccessKeyLeadTime)
		setString(f.PublicBaseURL, &c.Session.PublicBaseURL)
	}

	if f := file.AccessKey; f != nil {
		setInt(f.MaxAttempts, &c.AccessKey.MaxAttempts)
		dur(f.Lockout, &c.AccessKey.Lockout)
	}

	if f := file.Redis; f != nil {
		setString(f.Addr, &c.Redis.Addr)
		setInt(f.DB, &c.Redis.DB)
		setString(f.ChannelPrefix, &c.Redis.ChannelPrefix)
		setInt(f.MaxRetries, &c.Redis.MaxRetries)
		dur(f.InitialBackoff, &c.Redis.InitialBackoff)
		dur(f.MaxBackoff, &c.Redis.MaxBackoff)
		dur(f.PublishTimeout, &c.Redis.PublishTimeout)
		setInt(f.BreakerFailures, &c.Redis.BreakerFailures)
		dur(f.BreakerCooldown, &c.Redis.BreakerCooldown)
	}

	if f := file.Auth; f != nil {
		setString(f.Issuer, &c.Auth.Issuer)
	}

	if f := file.Notify; f != nil {
		setString(f.Exchange, &c.Notify.Exchange)
	}

	if f := file.Storage; f != nil {
		setString(f.Bucket, &c.Storage.Bucket)
		setString(f.Region, &c.Storage.Region)
		setString(f.Endpoint, &c.Storage.Endpoint)
		dur(f.PresignTTL, &c.Storage.PresignTTL)
	}

	if f := file.Log; f != nil {
		setString(strings.ToLower(f.Level), &c.Log.Level)
		c.Log.Pretty = c.Log.Pretty || f.Pretty
	}

	if f := file.OTEL; f != nil {
		c.OTEL.Enabled = c.OTEL.Enabled || f.Enabled
		setString(f.Endpoint, &c.OTEL.Endpoint)
		setString(f.ServiceName, &c.OTEL.ServiceName)
		if f.SampleRatio > 0 {
			c.OTEL.SampleRatio = f.SampleRatio
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config file %s: %w", path, errors.Join(errs...))
	}
	return nil
}

// LoadFromFile reads the defaults overridden by a JSON file.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.applyFile(path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// Load applies defaults, then the environment, then the JSON file named by
// path (or TELEHEALTH_CONFIG_FILE when path is empty), and validates.
// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
func Load(path string) (*Config, error) {
	config := LoadFromEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG_FILE")
	}
	if path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Addr returns the HTTP listen address.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
