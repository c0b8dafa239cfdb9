package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EngineConfig holds the settlement engine construction parameters.
type EngineConfig struct {
	Admin           string        `mapstructure:"admin"`
	Collector       string        `mapstructure:"collector"`
	PayoutToken     string        `mapstructure:"payout_token"`
	Custody         string        `mapstructure:"custody"`
	Depositor       string        `mapstructure:"depositor"` // empty disables wallet deposits
	MinPremium      int64         `mapstructure:"min_premium"`
	MaxPriceAge     time.Duration `mapstructure:"max_price_age"`
	MaxConsensusAge time.Duration `mapstructure:"max_consensus_age"`
}

// DatabaseConfig holds Postgres configuration. The read model must live in
// the same database as the event log; projections catch up from it.
type DatabaseConfig struct {
	EventLogDSN     string        `mapstructure:"event_log_dsn"`
	ReadModelDSN    string        `mapstructure:"read_model_dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PoolMaxConns    int32         `mapstructure:"pool_max_conns"`
}

// NATSConfig holds NATS JetStream configuration.
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	VerdictConsumer string `mapstructure:"verdict_consumer"`
}

// EthereumConfig holds the RPC endpoint used for Chainlink feed reads.
// An empty RPC URL selects the in-memory static feed.
type EthereumConfig struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	RetryMaxTotal time.Duration `mapstructure:"retry_max_total"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// AuthConfig holds JWT validation settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// ProcessorConfig tunes the command pipeline and its workers.
type ProcessorConfig struct {
	LRUCapacity            int           `mapstructure:"lru_capacity"`
	InvariantCheckInterval int64         `mapstructure:"invariant_check_interval"`
	SnapshotInterval       int64         `mapstructure:"snapshot_interval"`
	PersistBatchSize       int           `mapstructure:"persist_batch_size"`
	PersistFlushInterval   time.Duration `mapstructure:"persist_flush_interval"`
	ChannelBuffer          int           `mapstructure:"channel_buffer"`
}

// KeeperConfig holds the payout keeper's scan settings.
type KeeperConfig struct {
	APIURL       string        `mapstructure:"api_url"`
	Caller       string        `mapstructure:"caller"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	Workers      int           `mapstructure:"workers"`
}

// BastionConfig holds configuration for the settlement service.
type BastionConfig struct {
	LogLevel  string          `mapstructure:"log_level"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Processor ProcessorConfig `mapstructure:"processor"`
}

// KeeperServiceConfig holds configuration for the payout keeper.
type KeeperServiceConfig struct {
	LogLevel string         `mapstructure:"log_level"`
	Engine   EngineConfig   `mapstructure:"engine"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Server   ServerConfig   `mapstructure:"server"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
}

func setCommonDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("engine.min_premium", 1000)
	v.SetDefault("engine.max_price_age", "2h")
	v.SetDefault("engine.max_consensus_age", "1h")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("ethereum.retry_max_total", "10s")
}

// LoadBastionConfig loads configuration for the settlement service.
func LoadBastionConfig(configFile string, envPath string) (*BastionConfig, error) {
	v := configureViper("bastion", configFile, envPath)

	setCommonDefaults(v)
	v.SetDefault("database.event_log_dsn", "postgres://localhost:5432/bastion?sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.pool_max_conns", 10)
	v.SetDefault("nats.verdict_consumer", "bastion-verdicts")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9091")
	v.SetDefault("auth.jwt_issuer", "bastion")
	v.SetDefault("processor.lru_capacity", 1_000_000)
	v.SetDefault("processor.invariant_check_interval", 100)
	v.SetDefault("processor.snapshot_interval", 10_000)
	v.SetDefault("processor.persist_batch_size", 100)
	v.SetDefault("processor.persist_flush_interval", "10ms")
	v.SetDefault("processor.channel_buffer", 10_000)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg BastionConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Database.ReadModelDSN == "" {
		cfg.Database.ReadModelDSN = cfg.Database.EventLogDSN
	}
	return &cfg, nil
}

// LoadKeeperConfig loads configuration for the payout keeper.
func LoadKeeperConfig(configFile string, envPath string) (*KeeperServiceConfig, error) {
	v := configureViper("keeper", configFile, envPath)

	setCommonDefaults(v)
	v.SetDefault("server.metrics_addr", ":9092")
	v.SetDefault("nats.verdict_consumer", "bastion-keeper-verdicts")
	v.SetDefault("keeper.api_url", "http://localhost:8080")
	v.SetDefault("keeper.scan_interval", "30s")
	v.SetDefault("keeper.workers", 8)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg KeeperServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicitly named file that is absent surfaces as an fs error.
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// Validate checks the settlement service configuration.
func (c *BastionConfig) Validate() error {
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if !common.IsHexAddress(c.Engine.Custody) {
		return errors.New("engine.custody must be a hex address")
	}
	if c.Engine.Depositor != "" {
		if !common.IsHexAddress(c.Engine.Depositor) {
			return errors.New("engine.depositor must be a hex address")
		}
		if common.HexToAddress(c.Engine.Depositor) == common.HexToAddress(c.Engine.Custody) {
			return errors.New("engine.depositor must differ from engine.custody")
		}
	}
	if c.Database.EventLogDSN == "" {
		return errors.New("database.event_log_dsn is required")
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if c.Server.GRPCAddr == "" || c.Server.HTTPAddr == "" {
		return errors.New("server.grpc_addr and server.http_addr are required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Processor.SnapshotInterval < 0 {
		return errors.New("processor.snapshot_interval must not be negative")
	}
	if c.Processor.PersistBatchSize <= 0 {
		return errors.New("processor.persist_batch_size must be positive")
	}
	if c.Processor.ChannelBuffer <= 0 {
		return errors.New("processor.channel_buffer must be positive")
	}
	return nil
}

// Validate checks the keeper configuration.
func (c *KeeperServiceConfig) Validate() error {
	if c.Engine.MaxPriceAge <= 0 || c.Engine.MaxConsensusAge <= 0 {
		return errors.New("engine.max_price_age and engine.max_consensus_age must be positive")
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if c.Keeper.APIURL == "" {
		return errors.New("keeper.api_url is required")
	}
	if !common.IsHexAddress(c.Keeper.Caller) {
		return errors.New("keeper.caller must be a hex address")
	}
	if c.Keeper.ScanInterval < time.Second {
		return errors.New("keeper.scan_interval must be at least 1s")
	}
	if c.Keeper.Workers <= 0 {
		return errors.New("keeper.workers must be positive")
	}
	return nil
}

func (e EngineConfig) validate() error {
	if !common.IsHexAddress(e.Admin) {
		return errors.New("engine.admin must be a hex address")
	}
	if !common.IsHexAddress(e.Collector) {
		return errors.New("engine.collector must be a hex address")
	}
	if e.PayoutToken != "" && !common.IsHexAddress(e.PayoutToken) {
		return errors.New("engine.payout_token must be a hex address")
	}
	if e.MinPremium <= 0 {
		return errors.New("engine.min_premium must be positive")
	}
	if e.MaxPriceAge <= 0 || e.MaxConsensusAge <= 0 {
		return errors.New("engine.max_price_age and engine.max_consensus_age must be positive")
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("BASTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars binds every key so env-only deployments unmarshal fully.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"log_level",
		"engine.admin",
		"engine.collector",
		"engine.payout_token",
		"engine.custody",
		"engine.depositor",
		"engine.min_premium",
		"engine.max_price_age",
		"engine.max_consensus_age",
		"database.event_log_dsn",
		"database.read_model_dsn",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.pool_max_conns",
		"nats.url",
		"nats.verdict_consumer",
		"ethereum.rpc_url",
		"ethereum.retry_max_total",
		"server.grpc_addr",
		"server.http_addr",
		"server.metrics_addr",
		"auth.jwt_secret",
		"auth.jwt_issuer",
		"processor.lru_capacity",
		"processor.invariant_check_interval",
		"processor.snapshot_interval",
		"processor.persist_batch_size",
		"processor.persist_flush_interval",
		"processor.channel_buffer",
		"keeper.api_url",
		"keeper.caller",
		"keeper.scan_interval",
		"keeper.workers",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range envFiles {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
