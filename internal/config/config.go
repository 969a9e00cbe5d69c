package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	"github.com/FrankiePower/Reactive-autolend/internal/cooldown"
	"github.com/FrankiePower/Reactive-autolend/internal/logging"
)

// Source kinds.
const (
	SourceLendingPool = "lending_pool"
	SourceHTTP        = "http"
	SourceRedis       = "redis"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	// Retention prunes journaled observations older than this; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// MonitorConfig holds the decision rules.
type MonitorConfig struct {
	ThresholdBps     uint64        `mapstructure:"threshold_bps"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxInFlight      time.Duration `mapstructure:"max_in_flight"`
	CooldownRecordOn string        `mapstructure:"cooldown_record_on"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

// SourcesConfig binds the two slots to rate sources.
type SourcesConfig struct {
	A SourceConfig `mapstructure:"a"`
	B SourceConfig `mapstructure:"b"`
}

// SourceConfig describes one pool rate source.
type SourceConfig struct {
	Name         string            `mapstructure:"name"`
	Kind         string            `mapstructure:"kind"`
	Interval     time.Duration     `mapstructure:"interval"`
	RateDecimals int32             `mapstructure:"rate_decimals"`
	LendingPool  LendingPoolConfig `mapstructure:"lending_pool"`
	HTTP         HTTPSourceConfig  `mapstructure:"http"`
	Redis        RedisSourceConfig `mapstructure:"redis"`
}

// LendingPoolConfig points at an on-chain reserve data provider.
type LendingPoolConfig struct {
	DataProviderAddress string `mapstructure:"data_provider_address"`
	AssetAddress        string `mapstructure:"asset_address"`
}

// HTTPSourceConfig describes a JSON rate endpoint.
type HTTPSourceConfig struct {
	URL       string        `mapstructure:"url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RedisSourceConfig describes a redis stream carrying rate entries.
type RedisSourceConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Stream   string `mapstructure:"stream"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// VaultConfig covers the funds custodian.
type VaultConfig struct {
	Address             string        `mapstructure:"address"`
	RelayURL            string        `mapstructure:"relay_url"`
	MonitorAddress      string        `mapstructure:"monitor_address"`
	AllocationInterval  time.Duration `mapstructure:"allocation_interval"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
}

// PolicyConfig tunes the amount policy.
type PolicyConfig struct {
	MoveBps uint64 `mapstructure:"move_bps"`
	// MinAmount is a base-unit integer; smaller moves are skipped.
	MinAmount string `mapstructure:"min_amount"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTOLEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "autolend")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitor.threshold_bps", 50)
	v.SetDefault("monitor.cooldown", "1h")
	v.SetDefault("monitor.max_in_flight", "10m")
	v.SetDefault("monitor.cooldown_record_on", string(cooldown.RecordOnSuccess))
	v.SetDefault("monitor.advisory_lock_key", int64(0x6175746f))
	v.SetDefault("monitor.event_buffer", 64)

	for _, slot := range []string{"a", "b"} {
		prefix := "sources." + slot
		v.SetDefault(prefix+".name", "pool-"+slot)
		v.SetDefault(prefix+".kind", SourceLendingPool)
		v.SetDefault(prefix+".interval", "12s")
		v.SetDefault(prefix+".rate_decimals", 27)
		v.SetDefault(prefix+".http.user_agent", "autolend/1.0")
		v.SetDefault(prefix+".http.timeout", "10s")
		v.SetDefault(prefix+".redis.addr", "127.0.0.1:6379")
		v.SetDefault(prefix+".redis.stream", "rates:"+slot)
	}

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("vault.allocation_interval", "1m")
	v.SetDefault("vault.receipt_poll_interval", "3s")
	v.SetDefault("vault.request_timeout", "15s")

	v.SetDefault("policy.move_bps", 10000)
	v.SetDefault("policy.min_amount", "0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.retention", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Monitor.Cooldown < 0 {
		return fmt.Errorf("monitor.cooldown cannot be negative")
	}
	if c.Monitor.MaxInFlight <= 0 {
		return fmt.Errorf("monitor.max_in_flight must be greater than zero")
	}
	if _, err := cooldown.ParseRecordPolicy(c.Monitor.CooldownRecordOn); err != nil {
		return fmt.Errorf("monitor.cooldown_record_on: %w", err)
	}
	if c.Monitor.EventBuffer < 0 {
		return fmt.Errorf("monitor.event_buffer cannot be negative")
	}
	if c.Policy.MoveBps == 0 || c.Policy.MoveBps > 10000 {
		return fmt.Errorf("policy.move_bps must be within 1..10000")
	}
	if _, err := c.Policy.Min(); err != nil {
		return err
	}
	if err := c.Sources.A.validate("sources.a"); err != nil {
		return err
	}
	if err := c.Sources.B.validate("sources.b"); err != nil {
		return err
	}
	if c.Vault.Address != "" && !common.IsHexAddress(c.Vault.Address) {
		return fmt.Errorf("vault.address is not a valid address")
	}
	if c.Vault.MonitorAddress != "" && !common.IsHexAddress(c.Vault.MonitorAddress) {
		return fmt.Errorf("vault.monitor_address is not a valid address")
	}
	if c.Vault.Address != "" && c.Vault.AllocationInterval <= 0 {
		return fmt.Errorf("vault.allocation_interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (s SourceConfig) validate(key string) error {
	if s.Interval <= 0 {
		return fmt.Errorf("%s.interval must be greater than zero", key)
	}
	if s.RateDecimals < 0 || s.RateDecimals > 77 {
		return fmt.Errorf("%s.rate_decimals out of range", key)
	}
	switch s.Kind {
	case SourceLendingPool:
		if s.LendingPool.DataProviderAddress != "" && !common.IsHexAddress(s.LendingPool.DataProviderAddress) {
			return fmt.Errorf("%s.lending_pool.data_provider_address is not a valid address", key)
		}
		if s.LendingPool.AssetAddress != "" && !common.IsHexAddress(s.LendingPool.AssetAddress) {
			return fmt.Errorf("%s.lending_pool.asset_address is not a valid address", key)
		}
	case SourceHTTP, SourceRedis:
	default:
		return fmt.Errorf("%s.kind %q is not supported", key, s.Kind)
	}
	return nil
}

// Min parses policy.min_amount.
func (p PolicyConfig) Min() (uint256.Int, error) {
	if p.MinAmount == "" {
		return uint256.Int{}, nil
	}
	v, err := uint256.FromDecimal(p.MinAmount)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("policy.min_amount: %w", err)
	}
	return *v, nil
}

// RecordPolicy returns the parsed cooldown record policy.
func (m MonitorConfig) RecordPolicy() cooldown.RecordPolicy {
	p, err := cooldown.ParseRecordPolicy(m.CooldownRecordOn)
	if err != nil {
		return cooldown.RecordOnSuccess
	}
	return p
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
