package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Lightning LightningConfig
	Mint      MintConfig
	Nostr     NostrConfig
	Providers ProvidersConfig
	Pricing   PricingConfig
	Ledger    LedgerConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LightningConfig struct {
	// LND REST endpoint, e.g. https://localhost:8080.
	Endpoint string `mapstructure:"endpoint"`
	// Hex-encoded admin macaroon for the node.
	Macaroon string `mapstructure:"macaroon"`
	// DegradedMode swaps the node for a local fake. Invoices settle
	// instantly and carry no value; never enable outside development.
	DegradedMode bool `mapstructure:"degraded_mode"`
}

type MintConfig struct {
	URL string `mapstructure:"url"`
}

type NostrConfig struct {
	Relays    []string `mapstructure:"relays"`
	SecretKey string   `mapstructure:"secret_key"`
}

type ProvidersConfig struct {
	OpenAIKey     string `mapstructure:"openai_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	OllamaURL     string `mapstructure:"ollama_url"`
	Default       string `mapstructure:"default"`
}

type PricingConfig struct {
	// RootKey signs access macaroons. Rotating it invalidates every
	// outstanding credential.
	RootKey string `mapstructure:"root_key"`
	// PricePerToken in sats, per tier name.
	BaselinePricePerToken float64 `mapstructure:"baseline_price_per_token"`
	BaselineMinPayment    int64   `mapstructure:"baseline_min_payment"`
	PremiumPricePerToken  float64 `mapstructure:"premium_price_per_token"`
	PremiumMinPayment     int64   `mapstructure:"premium_min_payment"`
}

type LedgerConfig struct {
	// Postgres DSN; empty disables the durable ledger.
	DSN string `mapstructure:"dsn"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mint.url", "https://testnut.cashu.space")
	v.SetDefault("providers.ollama_url", "http://localhost:11434")
	v.SetDefault("providers.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.default", "ollama")
	v.SetDefault("pricing.baseline_price_per_token", 0.01)
	v.SetDefault("pricing.baseline_min_payment", 10)
	v.SetDefault("pricing.premium_price_per_token", 0.1)
	v.SetDefault("pricing.premium_min_payment", 100)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                      "PORT",
		"redis.addr":                       "REDIS_ADDR",
		"redis.password":                   "REDIS_PASSWORD",
		"lightning.endpoint":               "LND_ENDPOINT",
		"lightning.macaroon":               "LND_MACAROON",
		"lightning.degraded_mode":          "DEGRADED_MODE",
		"mint.url":                         "MINT_URL",
		"nostr.relays":                     "NOSTR_RELAYS",
		"nostr.secret_key":                 "NOSTR_SECRET_KEY",
		"providers.openai_key":             "OPENAI_API_KEY",
		"providers.openai_base_url":        "OPENAI_BASE_URL",
		"providers.ollama_url":             "OLLAMA_URL",
		"providers.default":                "DEFAULT_PROVIDER",
		"pricing.root_key":                 "L402_ROOT_KEY",
		"pricing.baseline_price_per_token": "BASELINE_PRICE_PER_TOKEN",
		"pricing.baseline_min_payment":     "BASELINE_MIN_PAYMENT",
		"pricing.premium_price_per_token":  "PREMIUM_PRICE_PER_TOKEN",
		"pricing.premium_min_payment":      "PREMIUM_MIN_PAYMENT",
		"ledger.dsn":                       "LEDGER_DSN",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Pricing.RootKey == "" {
		return fmt.Errorf("required config missing: L402_ROOT_KEY")
	}
	if len(c.Pricing.RootKey) < 32 {
		return fmt.Errorf("L402_ROOT_KEY must be at least 32 bytes")
	}
	if !c.Lightning.DegradedMode {
		if c.Lightning.Endpoint == "" {
			return fmt.Errorf("required config missing: LND_ENDPOINT")
		}
		if c.Lightning.Macaroon == "" {
			return fmt.Errorf("required config missing: LND_MACAROON")
		}
	}
	return nil
}
