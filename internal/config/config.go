// Package config is the layered configuration loader (§6.2). Precedence,
// highest first: CLI flags, environment variables (a .env file only fills
// in variables not already set), an optional config file, then defaults —
// the same godotenv-then-env pattern
// services/facilitator/internal/config/config.go uses, generalized with
// viper so cobra flags can override it per subcommand.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every recognized option from §6's configuration table, plus
// the supplemented expires_soon_interval (§6.2).
type Config struct {
	MaxVerificationGasLimit int64
	MinMaxFeePerGas         int64
	MinMaxPriorityFeePerGas int64
	UserOpLifetime          time.Duration
	LastUserOpsCount        int
	ExpiresSoonInterval     time.Duration

	RPCEndpointURI string
	Environment    string // "APP" or "TEST"

	DBDir    string
	TestMode bool

	HTTPPort       int
	RequestTimeout time.Duration

	RedisURL string

	MetricsPort int
	HealthPort  int
}

func (c *Config) IsTest() bool { return c.Environment == "TEST" }

// Defaults are applied before any layer overrides them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("max_verification_gas_limit", 6_000_000)
	v.SetDefault("min_max_fee_per_gas", 1)
	v.SetDefault("min_max_priority_fee_per_gas", 1)
	v.SetDefault("user_op_lifetime", 1800)
	v.SetDefault("last_user_ops_count", 100)
	v.SetDefault("expires_soon_interval", 300)
	v.SetDefault("environment", "APP")
	v.SetDefault("db_dir", "./mempool-data")
	v.SetDefault("test_mode", false)
	v.SetDefault("http_port", 8080)
	v.SetDefault("request_timeout", 30)
	v.SetDefault("redis_url", "")
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("health_port", 9101)
}

// Load builds a Config: godotenv first (a missing .env file is not an
// error, matching the teacher's `_ = godotenv.Load()`), then viper-bound
// environment variables with the `MEMPOOL_` prefix, then an optional
// config file at configFile (skipped silently if empty or absent), then
// flags already bound to fs (cobra's PersistentFlags/Flags set for the
// invoked subcommand) — flags win.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("mempool")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	rpcURI := v.GetString("rpc_endpoint_uri")
	if rpcURI == "" && !v.GetBool("test_mode") {
		return nil, fmt.Errorf("rpc_endpoint_uri is required")
	}

	return &Config{
		MaxVerificationGasLimit: v.GetInt64("max_verification_gas_limit"),
		MinMaxFeePerGas:         v.GetInt64("min_max_fee_per_gas"),
		MinMaxPriorityFeePerGas: v.GetInt64("min_max_priority_fee_per_gas"),
		UserOpLifetime:          time.Duration(v.GetInt64("user_op_lifetime")) * time.Second,
		LastUserOpsCount:        v.GetInt("last_user_ops_count"),
		ExpiresSoonInterval:     time.Duration(v.GetInt64("expires_soon_interval")) * time.Second,
		RPCEndpointURI:          rpcURI,
		Environment:             v.GetString("environment"),
		DBDir:                   v.GetString("db_dir"),
		TestMode:                v.GetBool("test_mode"),
		HTTPPort:                v.GetInt("http_port"),
		RequestTimeout:          time.Duration(v.GetInt64("request_timeout")) * time.Second,
		RedisURL:                v.GetString("redis_url"),
		MetricsPort:             v.GetInt("metrics_port"),
		HealthPort:              v.GetInt("health_port"),
	}, nil
}
