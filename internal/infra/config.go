package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Engine    EngineConfig        `mapstructure:"engine"`
	RateLimit RateLimitConfig     `mapstructure:"rate_limit"`
	Registry  RegistryConfig      `mapstructure:"registry"`
	Filter    FilterConfig        `mapstructure:"filter"`
	Webhooks  WebhookConfig       `mapstructure:"webhooks"`
	Audit     AuditConfig         `mapstructure:"audit"`
	Allowlist map[string][]string `mapstructure:"allowlist"` // actor -> инструменты ('*' поддерживается)
	Logger    LoggerConfig        `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера. Таймаута записи нет:
// SSE-стрим и долгие ожидания апрува живут дольше любого разумного значения.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	MetricsPort int           `mapstructure:"metrics_port"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
// Пустой URL — журнал и заявки живут в памяти (локальный режим).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (синхронизация рубильника).
// Пустой Addr — рубильник чисто локальный.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит публичный ключ RS256 для проверки админских токенов.
// Выпуск токенов — забота внешнего Identity-сервиса.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — настройки ядра арбитража.
type EngineConfig struct {
	Capabilities          []string      `mapstructure:"capabilities"` // Общепроцессный набор разрешенных capabilities
	TicketTTL             time.Duration `mapstructure:"ticket_ttl"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	StreamBuffer          int           `mapstructure:"stream_buffer"`
	ForceHighRiskApproval bool          `mapstructure:"force_high_risk_approval"`
}

// RateLimitConfig — корзины лимитера. Применяется горячо при изменении файла.
type RateLimitConfig struct {
	ActorRate   float64 `mapstructure:"actor_rate"`
	ActorBurst  int     `mapstructure:"actor_burst"`
	GlobalRate  float64 `mapstructure:"global_rate"`
	GlobalBurst int     `mapstructure:"global_burst"`
}

type RegistryConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
}

type FilterConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

type WebhookConfig struct {
	Targets     []string      `mapstructure:"targets"`
	MaxAttempts uint          `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Buffer      int           `mapstructure:"buffer"`
}

// AuditConfig — шифрование журнала at-rest. Пустой ключ — шифрование
// выключено; ключ — 64 hex-символа (32 байта).
type AuditConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Возвращает также viper-инстанс: на нем висит WatchConfig для горячей
// перезагрузки лимитера.
func LoadConfig() (*Config, *viper.Viper, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ проверки подписи: напрямую из ENV (Docker/K8s) или файлом
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, v, nil
}

// Reload перечитывает секцию rate_limit из viper-а после изменения файла.
func (c *Config) Reload(v *viper.Viper) RateLimitConfig {
	var rl RateLimitConfig
	_ = v.UnmarshalKey("rate_limit", &rl)
	return rl
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("engine.ticket_ttl", 15*time.Minute)
	v.SetDefault("engine.sweep_interval", 5*time.Second)
	v.SetDefault("engine.stream_buffer", 64)
	v.SetDefault("rate_limit.actor_rate", 5.0)
	v.SetDefault("rate_limit.actor_burst", 10)
	v.SetDefault("rate_limit.global_rate", 100.0)
	v.SetDefault("rate_limit.global_burst", 200)
	v.SetDefault("webhooks.max_attempts", 4)
	v.SetDefault("webhooks.timeout", 5*time.Second)
	v.SetDefault("registry.manifest_path", "./configs/manifests.yaml")
}

// loadKeyResource — ключ либо напрямую в ENV (PEM), либо файлом по пути.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
