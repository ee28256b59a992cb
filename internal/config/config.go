// Package config предоставялет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/Fllarpell/btrainer/internal/models"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string          `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string          `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string          `yaml:"migrations_path" env-default:"migrations"`
	HTTPServer              HTTPServer      `yaml:"http_server"`
	RedisConnection         RedisConnection `yaml:"redis_connection"`
	RabbitMQ                RabbitMQ        `yaml:"rabbitmq"`
	JWTToken                JWTToken        `yaml:"jwttoken"`
	// AdminIDs внешние идентификаторы администраторов.
	AdminIDs       []int64        `yaml:"admin_ids" env:"ADMIN_IDS" env-separator:","`
	Entitlement    Entitlement    `yaml:"entitlement"`
	Plans          []models.Plan  `yaml:"plans"`
	Gate           Gate           `yaml:"gate"`
	Notifications  Notifications  `yaml:"notifications"`
	Payment        Payment        `yaml:"payment"`
	Telegram       Telegram       `yaml:"telegram"`
	FeatureService FeatureService `yaml:"feature_service"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
	// TTL время жизни закэшированной проекции пользователя.
	TTL time.Duration `yaml:"ttl" env-default:"5m"`
}

// RabbitMQ структура для подключения к брокеру
type RabbitMQ struct {
	URL        string        `yaml:"url" env:"RABBITMQ_URL"`
	MaxRetries int           `yaml:"max_retries" env-default:"5"`
	RetryDelay time.Duration `yaml:"retry_delay" env-default:"2s"`
}

// JWTToken структура для работы с jwt-токеном
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"24h"`
}

// Entitlement настройки движка прав доступа.
type Entitlement struct {
	MaxRetries       int `yaml:"max_retries" env-default:"3"`
	DefaultTrialDays int `yaml:"default_trial_days" env-default:"7"`
}

// Gate настройки шлюза доступа.
type Gate struct {
	Allowlist    []string `yaml:"allowlist" env-default:"start,help,plans,subscribe,payment"`
	BootstrapTag string   `yaml:"bootstrap_tag" env-default:"start"`
	// RateLimit запросов в секунду на один внешний идентификатор.
	RateLimit float64 `yaml:"rate_limit" env-default:"1"`
	RateBurst int     `yaml:"rate_burst" env-default:"3"`
}

// Notifications настройки рассылки об окончании пробного периода.
type Notifications struct {
	Interval    time.Duration `yaml:"interval" env-default:"1h"`
	WindowHours int           `yaml:"window_hours" env-default:"6"`
	// MetricsAddress адрес, на котором планировщик отдаёт метрики.
	MetricsAddress string `yaml:"metrics_address" env-default:":9101"`
}

// Payment настройки платёжного провайдера.
type Payment struct {
	WebhookSecret string `yaml:"webhook_secret" env:"PAYMENT_WEBHOOK_SECRET"`
	ProviderToken string `yaml:"provider_token" env:"PAYMENT_PROVIDER_TOKEN"`
}

// Telegram настройки Bot API.
type Telegram struct {
	BotToken string        `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	APIURL   string        `yaml:"api_url" env-default:"https://api.telegram.org"`
	Timeout  time.Duration `yaml:"timeout" env-default:"10s"`
}

// FeatureService адрес сервиса, которому передаются разрешённые обновления.
type FeatureService struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout" env-default:"60s"`
}

// Load читает конфиг из файла и переменных окружения.
func Load(configPath string) (*Config, error) {
	const op = "config.Load"

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, configPath)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MustLoad функция для загрузки конфига из файла, указанного в CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error
	if c.Entitlement.MaxRetries <= 0 {
		errs = append(errs, errors.New("entitlement.max_retries must be positive"))
	}
	if c.Entitlement.DefaultTrialDays <= 0 {
		errs = append(errs, errors.New("entitlement.default_trial_days must be positive"))
	}
	if c.Gate.BootstrapTag == "" {
		errs = append(errs, errors.New("gate.bootstrap_tag is empty"))
	}
	seen := make(map[string]struct{}, len(c.Plans))
	for _, p := range c.Plans {
		if p.Code == "" {
			errs = append(errs, errors.New("plan code is empty"))
			continue
		}
		if _, ok := seen[p.Code]; ok {
			errs = append(errs, fmt.Errorf("plan %s: duplicate code", p.Code))
		}
		seen[p.Code] = struct{}{}
		if p.DurationDays <= 0 {
			errs = append(errs, fmt.Errorf("plan %s: duration_days must be positive", p.Code))
		}
		if p.Amount <= 0 {
			errs = append(errs, fmt.Errorf("plan %s: amount must be positive", p.Code))
		}
		if len(p.Currency) != 3 {
			errs = append(errs, fmt.Errorf("plan %s: currency must be a 3-letter code", p.Code))
		}
	}
	return errors.Join(errs...)
}

// IsAdmin сообщает, входит ли внешний идентификатор в список администраторов.
func (c *Config) IsAdmin(externalID int64) bool {
	return slices.Contains(c.AdminIDs, externalID)
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"MigrationsPath: %s\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"  TTL: %s\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"  IdleTimeout: %s\n"+
			"Admins: %d\n"+
			"Plans: %d\n"+
			"Notifications:\n"+
			"  Interval: %s\n"+
			"  WindowHours: %d\n",
		c.Env,
		c.MigrationsPath,
		c.RedisConnection.AddressRedis,
		c.RedisConnection.DB,
		c.RedisConnection.TTL,
		c.HTTPServer.AddressHTTP,
		c.HTTPServer.TimeoutHTTP,
		c.HTTPServer.IdleTimeout,
		len(c.AdminIDs),
		len(c.Plans),
		c.Notifications.Interval,
		c.Notifications.WindowHours,
	)
}
