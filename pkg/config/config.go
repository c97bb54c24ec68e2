package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Chains  []ChainConfig `mapstructure:"chains"`
	Fee     FeeConfig     `mapstructure:"fee"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Poll    PollConfig    `mapstructure:"poll"`
	Keyring KeyringConfig `mapstructure:"keyring"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	Name     string `mapstructure:"name"`
	HttpPort string `mapstructure:"http_port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DBConfig struct {
	Driver     string `mapstructure:"driver"` // "postgres" or "sqlite"
	Host       string `mapstructure:"host"`
	Port       string `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Name       string `mapstructure:"name"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DSN 构造 gorm 使用的 postgres DSN
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port)
}

// MigrateURL 构造 golang-migrate 使用的 URL
func (c DBConfig) MigrateURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Name)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// ChainConfig 单条链的接入配置
type ChainConfig struct {
	ChainID           uint64        `mapstructure:"chain_id"`
	Name              string        `mapstructure:"name"`
	RpcUrl            string        `mapstructure:"rpc_url"`
	EIP1559           bool          `mapstructure:"eip1559"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	DelegationAddress string        `mapstructure:"delegation_address"` // EIP-7702 委托合约
}

type FeeConfig struct {
	HistoryBlocks      uint64        `mapstructure:"history_blocks"`
	LegacySampleBlocks int           `mapstructure:"legacy_sample_blocks"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	MinBumpPercent     int64         `mapstructure:"min_bump_percent"`
	QuoteStaleBlocks   uint64        `mapstructure:"quote_stale_blocks"`
	QuoteToleranceBps  int64         `mapstructure:"quote_tolerance_bps"`
}

type RelayConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	Provider     string        `mapstructure:"provider"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // 每秒请求数
	Burst        int           `mapstructure:"burst"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	StuckAfter   time.Duration `mapstructure:"stuck_after"`
	CapsCacheTTL time.Duration `mapstructure:"caps_cache_ttl"`
}

type PollConfig struct {
	DroppedBlockCount int           `mapstructure:"dropped_block_count"`
	MaxBlockDistance  uint64        `mapstructure:"max_block_distance"`
	Workers           int           `mapstructure:"workers"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	HousekeepingSpec  string        `mapstructure:"housekeeping_spec"`
}

type KeyringConfig struct {
	KeystorePath string `mapstructure:"keystore_path"`
	Password     string `mapstructure:"password"` // 通常通过环境变量 KEYRING_PASSWORD 传入
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath(".")      // optionally look for config in the working directory
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s, Chains: %d", Global.App.Env, len(Global.Chains))
}

// Chain 按 chain id 查找链配置
func (c Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.name", "txengine")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("log.level", "")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 7)
	viper.SetDefault("log.max_age_days", 30)

	viper.SetDefault("db.driver", "postgres")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "wallet_user")
	viper.SetDefault("db.password", "wallet_password")
	viper.SetDefault("db.name", "txengine_db")
	viper.SetDefault("db.sqlite_path", "txengine.db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.mq_type", "redis")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "txengine-events")

	viper.SetDefault("fee.history_blocks", 10)
	viper.SetDefault("fee.legacy_sample_blocks", 5)
	viper.SetDefault("fee.cache_ttl", 10*time.Second)
	viper.SetDefault("fee.min_bump_percent", 10)
	viper.SetDefault("fee.quote_stale_blocks", 20)
	viper.SetDefault("fee.quote_tolerance_bps", 100)

	viper.SetDefault("relay.enabled", false)
	viper.SetDefault("relay.provider", "smart-transactions")
	viper.SetDefault("relay.timeout", 10*time.Second)
	viper.SetDefault("relay.rate_limit", 5.0)
	viper.SetDefault("relay.burst", 10)
	viper.SetDefault("relay.backoff_base", 2*time.Second)
	viper.SetDefault("relay.backoff_max", 30*time.Second)
	viper.SetDefault("relay.stuck_after", 5*time.Minute)
	viper.SetDefault("relay.caps_cache_ttl", 10*time.Minute)

	viper.SetDefault("poll.dropped_block_count", 3)
	viper.SetDefault("poll.max_block_distance", 50)
	viper.SetDefault("poll.workers", 8)
	viper.SetDefault("poll.lock_ttl", 30*time.Second)
	viper.SetDefault("poll.housekeeping_spec", "@every 1m")

	viper.SetDefault("keyring.keystore_path", "keyring.json")
}
