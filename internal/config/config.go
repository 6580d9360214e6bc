package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Relayer   RelayerConfig   `mapstructure:"relayer"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Health    HealthConfig    `mapstructure:"health"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Prices    PricesConfig    `mapstructure:"prices"`
	Market    MarketConfig    `mapstructure:"market"`
	ENS       ENSConfig       `mapstructure:"ens"`
	Journal   JournalConfig   `mapstructure:"journal"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	AdminKey string `mapstructure:"admin_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ChainConfig struct {
	ID            int64   `mapstructure:"id"`
	RPCURL        string  `mapstructure:"rpc_url"`
	RateLimit     float64 `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst     int     `mapstructure:"rate_burst"`
	CallTimeoutMs int     `mapstructure:"call_timeout_ms"`
	CallRetries   int     `mapstructure:"call_retries"`
}

type ContractsConfig struct {
	LoanAsset            string `mapstructure:"loan_asset"`
	Vault                string `mapstructure:"vault"`
	Morpho               string `mapstructure:"morpho"`
	EntryPoint           string `mapstructure:"entry_point"`
	WalletImplementation string `mapstructure:"wallet_implementation"`
	EIP7702Proxy         string `mapstructure:"eip7702_proxy"`
	WalletValidator      string `mapstructure:"wallet_validator"`
	NonceTracker         string `mapstructure:"nonce_tracker"`
}

type RelayerConfig struct {
	URL                 string   `mapstructure:"url"`
	SponsorGas          bool     `mapstructure:"sponsor_gas"`
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds"`
	MaxWaitSeconds      int      `mapstructure:"max_wait_seconds"`
	ExtraAllowed        []string `mapstructure:"extra_allowed"` // appended to the built-in allow-list
}

type SignerConfig struct {
	PrivateKey string   `mapstructure:"private_key"` // delegation sender
	AgentKeys  []string `mapstructure:"agent_keys"`  // owner keys of agent wallets
	MaxRetries int      `mapstructure:"max_retries"`
	Gas        uint64   `mapstructure:"gas"`
}

type MonitorConfig struct {
	IntervalSeconds     int     `mapstructure:"interval_seconds"`
	Concurrency         int     `mapstructure:"concurrency"`
	CriticalThreshold   float64 `mapstructure:"critical_threshold"` // fraction of lltv
	WarnIntervalHours   float64 `mapstructure:"warn_interval_hours"`
	UrgentIntervalHours float64 `mapstructure:"urgent_interval_hours"`
	DigestIntervalHours float64 `mapstructure:"digest_interval_hours"`
	IdleSweepMinUSD     float64 `mapstructure:"idle_sweep_min_usd"`
	DryRun              bool    `mapstructure:"dry_run"`
}

type HealthConfig struct {
	MarginUpper         float64 `mapstructure:"margin_upper"`
	MarginLower         float64 `mapstructure:"margin_lower"`
	MinActionUSD        float64 `mapstructure:"min_action_usd"`
	MinOptimizeGainUSD  float64 `mapstructure:"min_optimize_gain_usd"`
	VolatilityThreshold float64 `mapstructure:"volatility_threshold"`
}

type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type CacheConfig struct {
	Capacity               int `mapstructure:"capacity"`
	PriceTTLSeconds        int `mapstructure:"price_ttl_seconds"`
	AnalysisTTLSeconds     int `mapstructure:"analysis_ttl_seconds"`
	ConstitutionTTLSeconds int `mapstructure:"constitution_ttl_seconds"`
	YieldTTLSeconds        int `mapstructure:"yield_ttl_seconds"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

type PricesConfig struct {
	AlchemyAPIKey  string `mapstructure:"alchemy_api_key"`
	AlchemyBaseURL string `mapstructure:"alchemy_base_url"`
	MoralisAPIKey  string `mapstructure:"moralis_api_key"`
	MoralisBaseURL string `mapstructure:"moralis_base_url"`
}

type MarketConfig struct {
	GraphQLURL       string  `mapstructure:"graphql_url"`
	FallbackAPY      float64 `mapstructure:"fallback_apy"`
	YieldWindowHours int     `mapstructure:"yield_window_hours"`
}

type ENSConfig struct {
	RPCURL   string `mapstructure:"rpc_url"`
	Resolver string `mapstructure:"resolver"`
}

type JournalConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func (c MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c RelayerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c RelayerConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c CacheConfig) PriceTTL() time.Duration        { return seconds(c.PriceTTLSeconds) }
func (c CacheConfig) AnalysisTTL() time.Duration     { return seconds(c.AnalysisTTLSeconds) }
func (c CacheConfig) ConstitutionTTL() time.Duration { return seconds(c.ConstitutionTTLSeconds) }
func (c CacheConfig) YieldTTL() time.Duration        { return seconds(c.YieldTTLSeconds) }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Base mainnet
	v.SetDefault("chain.id", 8453)
	v.SetDefault("chain.rpc_url", "https://mainnet.base.org")
	v.SetDefault("chain.rate_limit", 20)
	v.SetDefault("chain.rate_burst", 10)
	v.SetDefault("chain.call_timeout_ms", 10000)
	v.SetDefault("chain.call_retries", 2)

	v.SetDefault("contracts.loan_asset", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	v.SetDefault("contracts.vault", "0x0000000f2eB9f69274678c76222B35eEc7588a65")
	v.SetDefault("contracts.morpho", "0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb")
	v.SetDefault("contracts.entry_point", "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	v.SetDefault("contracts.wallet_implementation", "0x000100abaad02f1cfC8Bbe32bD5a564817339E72")
	v.SetDefault("contracts.eip7702_proxy", "0x7702cb554e6bFb442cb743A7dF23154544a7176C")
	v.SetDefault("contracts.wallet_validator", "0x79A33f950b90C7d07E66950daedf868BD0cDcF96")
	v.SetDefault("contracts.nonce_tracker", "0xD0Ff13c28679FDd75Bc09c0a430a0089bf8b95a8")

	v.SetDefault("relayer.sponsor_gas", true)
	v.SetDefault("relayer.poll_interval_seconds", 2)
	v.SetDefault("relayer.max_wait_seconds", 120)

	v.SetDefault("signer.max_retries", 3)
	v.SetDefault("signer.gas", 1_000_000)

	v.SetDefault("monitor.interval_seconds", 300)
	v.SetDefault("monitor.concurrency", 4)
	v.SetDefault("monitor.critical_threshold", 0.80)
	v.SetDefault("monitor.warn_interval_hours", 4)
	v.SetDefault("monitor.urgent_interval_hours", 1)
	v.SetDefault("monitor.digest_interval_hours", 24)
	v.SetDefault("monitor.idle_sweep_min_usd", 1.0)

	v.SetDefault("health.margin_upper", 0.05)
	v.SetDefault("health.margin_lower", 0.05)
	v.SetDefault("health.min_action_usd", 1.0)
	v.SetDefault("health.min_optimize_gain_usd", 100.0)
	v.SetDefault("health.volatility_threshold", 0.02)

	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.key_prefix", "keeper:")

	v.SetDefault("cache.capacity", 1024)
	v.SetDefault("cache.price_ttl_seconds", 60)
	v.SetDefault("cache.analysis_ttl_seconds", 900)
	v.SetDefault("cache.constitution_ttl_seconds", 300)
	v.SetDefault("cache.yield_ttl_seconds", 3600)

	v.SetDefault("telegram.api_base", "https://api.telegram.org")

	v.SetDefault("prices.alchemy_base_url", "https://api.g.alchemy.com/prices/v1")
	v.SetDefault("prices.moralis_base_url", "https://deep-index.moralis.io/api/v2.2")

	v.SetDefault("market.graphql_url", "https://blue-api.morpho.org/graphql")
	v.SetDefault("market.fallback_apy", 0.08)
	v.SetDefault("market.yield_window_hours", 168)

	v.SetDefault("ens.rpc_url", "https://eth.llamarpc.com")
	v.SetDefault("ens.resolver", "0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63")

	v.SetDefault("journal.dir", "./logs")
	v.SetDefault("journal.max_size_mb", 50)
	v.SetDefault("journal.max_backups", 10)
	v.SetDefault("journal.max_age_days", 30)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. KEEPER_RELAYER_URL
	v.SetEnvPrefix("keeper")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
