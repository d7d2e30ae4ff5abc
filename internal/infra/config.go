package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-paygate/internal/risk"
)

// Config — корневая структура конфигурации платежного шлюза и консоли.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`  // API агентов
	Console    ServerConfig     `mapstructure:"console"` // API оператора
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Replica    ReplicaConfig    `mapstructure:"replica"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Custody    CustodyConfig    `mapstructure:"custody"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL (основное хранилище).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// ReplicaConfig — MySQL-реплика журнала. Пустой DSN отключает реплику.
type ReplicaConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, nonce, кэш вердиктов).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RabbitMQConfig — очередь уведомлений о финальности. Пустой URL отключает потребителя.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
	Workers  int    `mapstructure:"workers"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT консоли.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	RBACModelPath  string        `mapstructure:"rbac_model_path"`  // Пусто — встроенная модель
	RBACPolicyPath string        `mapstructure:"rbac_policy_path"` // Пусто — встроенные роли
	PublicKey      []byte
	PrivateKey     []byte
}

type IdentityConfig struct {
	// Допустимое расхождение часов подписанта и сервера
	SignatureWindow time.Duration `mapstructure:"signature_window"`
}

type ComplianceConfig struct {
	ProviderURL string        `mapstructure:"provider_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"`
	Burst       int           `mapstructure:"burst"`
	// Пороги риск-скора провайдера
	Risk risk.Thresholds `mapstructure:"risk"`
}

// HolderEndpoint — адрес gRPC-сервиса держателя доли ключа.
type HolderEndpoint struct {
	ID   string `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

type CustodyConfig struct {
	Holders       []HolderEndpoint `mapstructure:"holders"`
	HolderTimeout time.Duration    `mapstructure:"holder_timeout"`
	RotationEvery time.Duration    `mapstructure:"rotation_every"`
	// Для cmd/keyshare: какой держатель обслуживается этим процессом
	ListenAddr string `mapstructure:"listen_addr"`
	HolderID   string `mapstructure:"holder_id"`
}

type SettlementConfig struct {
	EndpointsFile string `mapstructure:"endpoints_file"`
	// Hex ключ релейера EVM; нужен только при наличии onchain-узлов
	RelayerKey   string            `mapstructure:"relayer_key"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Attempts     uint              `mapstructure:"attempts"`
	CallTimeout  time.Duration     `mapstructure:"call_timeout"`
	MaxFailures  uint32            `mapstructure:"max_failures"`
	OpenTimeout  time.Duration     `mapstructure:"open_timeout"`
	RatePerSec   float64           `mapstructure:"rate_per_sec"`
	WebhookKeys  map[string]string `mapstructure:"webhook_keys"` // endpoint -> HMAC секрет
}

type LedgerConfig struct {
	MirrorBuffer        int           `mapstructure:"mirror_buffer"`
	MirrorBatchSize     int           `mapstructure:"mirror_batch_size"`
	MirrorFlushInterval time.Duration `mapstructure:"mirror_flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if path := os.Getenv("PAYGATE_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Значения по умолчанию
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. PEM-ключ берется из ENV (Docker/K8s) или из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")
	if key := os.Getenv("SETTLEMENT_RELAYER_KEY_DATA"); key != "" {
		cfg.Settlement.RelayerKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.migrate", true)
	v.SetDefault("replica.max_open_conns", 10)
	v.SetDefault("replica.max_idle_conns", 5)
	v.SetDefault("replica.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("rabbitmq.queue", "paygate.settlement.finality")
	v.SetDefault("rabbitmq.prefetch", 16)
	v.SetDefault("rabbitmq.workers", 4)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("identity.signature_window", 2*time.Minute)
	v.SetDefault("compliance.timeout", 3*time.Second)
	v.SetDefault("compliance.rate_per_sec", 50)
	v.SetDefault("compliance.burst", 10)
	v.SetDefault("compliance.risk.escalate_at", 0.6)
	v.SetDefault("compliance.risk.block_at", 0.85)
	v.SetDefault("custody.holder_timeout", 2*time.Second)
	v.SetDefault("custody.rotation_every", 30*24*time.Hour)
	v.SetDefault("custody.listen_addr", ":50061")
	v.SetDefault("settlement.endpoints_file", "configs/settlement.yaml")
	v.SetDefault("settlement.poll_interval", 15*time.Second)
	v.SetDefault("settlement.attempts", 3)
	v.SetDefault("settlement.call_timeout", 10*time.Second)
	v.SetDefault("settlement.max_failures", 5)
	v.SetDefault("settlement.open_timeout", 30*time.Second)
	v.SetDefault("settlement.rate_per_sec", 20)
	v.SetDefault("ledger.mirror_buffer", 10000)
	v.SetDefault("ledger.mirror_batch_size", 100)
	v.SetDefault("ledger.mirror_flush_interval", 500*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: ключ напрямую из ENV (PEM) или из файла по пути из конфига.
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
