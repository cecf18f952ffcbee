package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"TrailWatch/pkg/cache"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/notification"
	"TrailWatch/pkg/util"
)

// config/config.go
type Config struct {
	DBDriver       string           `env:"DB_DRIVER" yaml:"db_driver"`
	DSN            string           `env:"DSN" yaml:"dsn"`
	Log            logger.LogConfig `yaml:"log"`
	Addr           string           `env:"ADDR" yaml:"addr"`
	Mode           string           `env:"MODE" yaml:"mode"`
	APIPrefix      string           `env:"API_PREFIX" yaml:"api_prefix"`
	MonitorPrefix  string           `env:"MONITOR_PREFIX" yaml:"monitor_prefix"`
	AuthTokens     []string         `env:"AUTH_TOKENS" yaml:"auth_tokens"` // token:user pairs
	RateLimit      string           `env:"RATE_LIMIT" yaml:"rate_limit"`
	IdempotencyTTL time.Duration    `env:"IDEMPOTENCY_TTL" yaml:"idempotency_ttl"`
	Cache          cache.Config     `yaml:"cache"`

	Mail           notification.MailConfig    `yaml:"mail"`
	Webhook        notification.WebhookConfig `yaml:"webhook"`
	SMS            notification.SMSConfig     `yaml:"sms"`
	NotifyLanguage string                     `env:"NOTIFY_LANGUAGE" yaml:"notify_language"`
	NotifyTimeout  time.Duration              `env:"NOTIFY_TIMEOUT" yaml:"notify_timeout"`

	BackupEnabled  bool   `env:"BACKUP_ENABLED" yaml:"backup_enabled"`
	BackupPath     string `env:"BACKUP_PATH" yaml:"backup_path"`
	BackupSchedule string `env:"BACKUP_SCHEDULE" yaml:"backup_schedule"`

	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// WatchdogConfig configures the device-side daemon.
type WatchdogConfig struct {
	StatePath   string `env:"WATCHDOG_STATE_PATH" yaml:"state_path"`
	ServerURL   string `env:"WATCHDOG_SERVER_URL" yaml:"server_url"`
	AuthToken   string `env:"WATCHDOG_AUTH_TOKEN" yaml:"auth_token"`
	ControlAddr string `env:"WATCHDOG_CONTROL_ADDR" yaml:"control_addr"`

	// 宽限期的合法范围，在调用侧裁剪
	GraceMin     time.Duration `env:"WATCHDOG_GRACE_MIN" yaml:"grace_min"`
	GraceMax     time.Duration `env:"WATCHDOG_GRACE_MAX" yaml:"grace_max"`
	GraceDefault time.Duration `env:"WATCHDOG_GRACE_DEFAULT" yaml:"grace_default"`

	BackoffBase     time.Duration `env:"WATCHDOG_BACKOFF_BASE" yaml:"backoff_base"`
	BackoffMax      time.Duration `env:"WATCHDOG_BACKOFF_MAX" yaml:"backoff_max"`
	MaxRetries      int           `env:"WATCHDOG_MAX_RETRIES" yaml:"max_retries"`
	DeliveryTimeout time.Duration `env:"WATCHDOG_DELIVERY_TIMEOUT" yaml:"delivery_timeout"`
	FlushSchedule   string        `env:"WATCHDOG_FLUSH_SCHEDULE" yaml:"flush_schedule"`
	ProbeInterval   time.Duration `env:"WATCHDOG_PROBE_INTERVAL" yaml:"probe_interval"`
}

var GlobalConfig *Config

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		DBDriver:       "sqlite",
		DSN:            "trailwatch.db",
		Addr:           ":8080",
		Mode:           "production",
		APIPrefix:      "/api",
		MonitorPrefix:  "/metrics",
		RateLimit:      "60-M",
		IdempotencyTTL: 30 * time.Second,
		Cache: cache.Config{
			Type:      "local",
			Namespace: "trailwatch",
			Local: cache.LocalConfig{
				MaxSize:           10000,
				DefaultExpiration: 5 * time.Minute,
				CleanupInterval:   10 * time.Minute,
			},
			Redis: cache.RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				IdleTimeout:  5 * time.Minute,
			},
		},
		Webhook:        notification.WebhookConfig{Timeout: 10 * time.Second},
		NotifyLanguage: "en",
		NotifyTimeout:  15 * time.Second,
		BackupPath:     "backups",
		BackupSchedule: "0 3 * * *",
		Watchdog: WatchdogConfig{
			StatePath:       "watchdog.db",
			ServerURL:       "http://localhost:8080/api",
			ControlAddr:     "127.0.0.1:7070",
			GraceMin:        5 * time.Minute,
			GraceMax:        60 * time.Minute,
			GraceDefault:    15 * time.Minute,
			BackoffBase:     2 * time.Second,
			BackoffMax:      5 * time.Minute,
			MaxRetries:      8,
			DeliveryTimeout: 10 * time.Second,
			FlushSchedule:   "@every 1m",
			ProbeInterval:   15 * time.Second,
		},
	}
}

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 可选的 YAML 配置文件，环境变量优先
	cfg := Defaults()
	if path := util.GetEnv("CONFIG_FILE"); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return err
		}
	}
	applyEnv(cfg)
	GlobalConfig = cfg
	return nil
}

// LoadFile overlays the YAML document at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

func applyEnv(cfg *Config) {
	str(&cfg.DBDriver, "DB_DRIVER")
	str(&cfg.DSN, "DSN")
	str(&cfg.Addr, "ADDR")
	str(&cfg.Mode, "MODE")
	str(&cfg.APIPrefix, "API_PREFIX")
	str(&cfg.MonitorPrefix, "MONITOR_PREFIX")
	list(&cfg.AuthTokens, "AUTH_TOKENS")
	str(&cfg.RateLimit, "RATE_LIMIT")
	dur(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL")

	str(&cfg.Log.Level, "LOG_LEVEL")
	str(&cfg.Log.Filename, "LOG_FILENAME")
	num(&cfg.Log.MaxSize, "LOG_MAX_SIZE")
	num(&cfg.Log.MaxAge, "LOG_MAX_AGE")
	num(&cfg.Log.MaxBackups, "LOG_MAX_BACKUPS")

	str(&cfg.Cache.Type, "CACHE_TYPE")
	str(&cfg.Cache.Namespace, "CACHE_NAMESPACE")
	str(&cfg.Cache.Redis.Addr, "REDIS_ADDR")
	str(&cfg.Cache.Redis.Password, "REDIS_PASSWORD")
	num(&cfg.Cache.Redis.DB, "REDIS_DB")
	num(&cfg.Cache.Local.MaxSize, "LOCAL_CACHE_MAX_SIZE")

	str(&cfg.Mail.Host, "MAIL_HOST")
	num(&cfg.Mail.Port, "MAIL_PORT")
	str(&cfg.Mail.Username, "MAIL_USERNAME")
	str(&cfg.Mail.Password, "MAIL_PASSWORD")
	str(&cfg.Mail.From, "MAIL_FROM")
	list(&cfg.Mail.To, "MAIL_TO")
	str(&cfg.Webhook.URL, "WEBHOOK_URL")
	dur(&cfg.Webhook.Timeout, "WEBHOOK_TIMEOUT")
	str(&cfg.SMS.GatewayURL, "SMS_GATEWAY_URL")
	str(&cfg.SMS.APIKey, "SMS_API_KEY")
	str(&cfg.SMS.SignName, "SMS_SIGN_NAME")
	list(&cfg.SMS.To, "SMS_TO")
	str(&cfg.NotifyLanguage, "NOTIFY_LANGUAGE")
	dur(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT")

	if util.GetEnv("BACKUP_ENABLED") != "" {
		cfg.BackupEnabled = util.GetBoolEnv("BACKUP_ENABLED")
	}
	str(&cfg.BackupPath, "BACKUP_PATH")
	str(&cfg.BackupSchedule, "BACKUP_SCHEDULE")

	w := &cfg.Watchdog
	str(&w.StatePath, "WATCHDOG_STATE_PATH")
	str(&w.ServerURL, "WATCHDOG_SERVER_URL")
	str(&w.AuthToken, "WATCHDOG_AUTH_TOKEN")
	str(&w.ControlAddr, "WATCHDOG_CONTROL_ADDR")
	dur(&w.GraceMin, "WATCHDOG_GRACE_MIN")
	dur(&w.GraceMax, "WATCHDOG_GRACE_MAX")
	dur(&w.GraceDefault, "WATCHDOG_GRACE_DEFAULT")
	dur(&w.BackoffBase, "WATCHDOG_BACKOFF_BASE")
	dur(&w.BackoffMax, "WATCHDOG_BACKOFF_MAX")
	num(&w.MaxRetries, "WATCHDOG_MAX_RETRIES")
	dur(&w.DeliveryTimeout, "WATCHDOG_DELIVERY_TIMEOUT")
	str(&w.FlushSchedule, "WATCHDOG_FLUSH_SCHEDULE")
	dur(&w.ProbeInterval, "WATCHDOG_PROBE_INTERVAL")
}

func str(dst *string, key string) {
	if v := util.GetEnv(key); v != "" {
		*dst = v
	}
}

func num(dst *int, key string) {
	if util.GetEnv(key) != "" {
		*dst = int(util.GetIntEnvDefault(key, int64(*dst)))
	}
}

func dur(dst *time.Duration, key string) {
	*dst = util.GetDurationEnv(key, *dst)
}

func list(dst *[]string, key string) {
	if v := util.GetListEnv(key); len(v) > 0 {
		*dst = v
	}
}
