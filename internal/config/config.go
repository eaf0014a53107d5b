package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/quantfabric/fixgate/internal/fix"
	"github.com/quantfabric/fixgate/internal/messaging"
)

// Config is the full gateway configuration, loaded from YAML with environment
// overrides (FIXGATE_LOG_LEVEL overrides log_level, and so on).
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Venues []VenueConfig `mapstructure:"venues" validate:"required,min=1,dive"`

	Routing  RoutingConfig  `mapstructure:"routing"`
	SeqStore SeqStoreConfig `mapstructure:"seq_store"`
	Kafka    KafkaSection   `mapstructure:"kafka"`

	MarketData MarketDataConfig `mapstructure:"market_data"`
}

// VenueConfig describes one FIX counterparty connection.
type VenueConfig struct {
	ID                 string        `mapstructure:"id" validate:"required"`
	Host               string        `mapstructure:"host" validate:"required"`
	Port               int           `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	BeginString        string        `mapstructure:"begin_string"`
	SenderCompID       string        `mapstructure:"sender_comp_id" validate:"required"`
	TargetCompID       string        `mapstructure:"target_comp_id" validate:"required"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	LogonTimeout       time.Duration `mapstructure:"logon_timeout"`
	LogoutTimeout      time.Duration `mapstructure:"logout_timeout"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	OutboundQueueSize  int           `mapstructure:"outbound_queue_size"`
	ResetSeqNumOnLogon bool          `mapstructure:"reset_seq_num_on_logon"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`

	// Dialect overrides the FIX 4.2 application tag numbers for venues that
	// renumber or extend them. Zero fields keep the default.
	Dialect fix.Dialect `mapstructure:"dialect"`
}

// RoutingConfig maps symbols to venue session ids.
type RoutingConfig struct {
	Symbols map[string]string `mapstructure:"symbols"`
	Default string            `mapstructure:"default"`
}

// SeqStoreConfig selects the sequence number persistence backend.
type SeqStoreConfig struct {
	Backend string `mapstructure:"backend" validate:"omitempty,oneof=memory sqlite postgres redis"`
	DSN     string `mapstructure:"dsn"`
	Redis   struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// KafkaSection toggles the order event stream.
type KafkaSection struct {
	Enabled bool `mapstructure:"enabled"`
	messaging.KafkaConfig `mapstructure:",squash"`
}

// MarketDataConfig tunes quote handling.
type MarketDataConfig struct {
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
}

// Load reads the configuration file, applies FIXGATE_* environment overrides,
// validates it and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FIXGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("seq_store.backend", "memory")
	v.SetDefault("market_data.staleness_threshold", 5*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.checkRouting(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Venues {
		venue := &c.Venues[i]
		if venue.BeginString == "" {
			venue.BeginString = "FIX.4.2"
		}
		if venue.HeartbeatInterval == 0 {
			venue.HeartbeatInterval = 30 * time.Second
		}
		if venue.DialTimeout == 0 {
			venue.DialTimeout = 10 * time.Second
		}
	}
	if c.Kafka.Enabled {
		defaults := messaging.DefaultKafkaConfig()
		if len(c.Kafka.Brokers) == 0 {
			c.Kafka.Brokers = defaults.Brokers
		}
		if c.Kafka.Topic == "" {
			c.Kafka.Topic = defaults.Topic
		}
		if c.Kafka.WriteTimeout == 0 {
			c.Kafka.WriteTimeout = defaults.WriteTimeout
		}
		if c.Kafka.BatchSize == 0 {
			c.Kafka.BatchSize = defaults.BatchSize
		}
		if c.Kafka.BatchTimeout == 0 {
			c.Kafka.BatchTimeout = defaults.BatchTimeout
		}
		if c.Kafka.RequiredAcks == 0 {
			c.Kafka.RequiredAcks = defaults.RequiredAcks
		}
	}
}

// checkRouting rejects routes that point at venues the config does not define.
func (c *Config) checkRouting() error {
	known := make(map[string]bool, len(c.Venues))
	for _, venue := range c.Venues {
		known[venue.ID] = true
	}
	for symbol, id := range c.Routing.Symbols {
		if !known[id] {
			return fmt.Errorf("invalid config: route %s -> %s names an undefined venue", symbol, id)
		}
	}
	if c.Routing.Default != "" && !known[c.Routing.Default] {
		return fmt.Errorf("invalid config: default route names undefined venue %s", c.Routing.Default)
	}
	return nil
}

// DialectFor merges a venue's overrides onto the FIX 4.2 defaults.
func (v *VenueConfig) DialectFor() fix.Dialect {
	d := fix.DefaultDialect()
	override := v.Dialect
	merge := func(dst *int, src int) {
		if src != 0 {
			*dst = src
		}
	}
	merge(&d.ClOrdID, override.ClOrdID)
	merge(&d.OrigClOrdID, override.OrigClOrdID)
	merge(&d.OrderID, override.OrderID)
	merge(&d.ExecID, override.ExecID)
	merge(&d.ExecType, override.ExecType)
	merge(&d.OrdStatus, override.OrdStatus)
	merge(&d.Symbol, override.Symbol)
	merge(&d.Side, override.Side)
	merge(&d.OrderQty, override.OrderQty)
	merge(&d.OrdType, override.OrdType)
	merge(&d.Price, override.Price)
	merge(&d.TimeInForce, override.TimeInForce)
	merge(&d.LastPx, override.LastPx)
	merge(&d.LastQty, override.LastQty)
	merge(&d.LeavesQty, override.LeavesQty)
	merge(&d.CumQty, override.CumQty)
	merge(&d.AvgPx, override.AvgPx)
	merge(&d.TransactTime, override.TransactTime)
	merge(&d.CxlRejReason, override.CxlRejReason)
	merge(&d.OrdRejReason, override.OrdRejReason)
	merge(&d.MDEntryType, override.MDEntryType)
	merge(&d.MDEntryPx, override.MDEntryPx)
	merge(&d.MDEntrySize, override.MDEntrySize)
	merge(&d.MDUpdateID, override.MDUpdateID)
	return d
}
