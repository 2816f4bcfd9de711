// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/escrowd/internal/networks"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	AdminSecret string

	// CORSAllowedOrigins lists browser origins for the ops API. Empty allows any.
	CORSAllowedOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Tracing
	OTLPEndpoint string

	// Scheduling
	DeadlineSweepCron   string
	CrossChainSweepCron string
	SweepBatchSize      int
	StuckThreshold      time.Duration

	// Chain calls
	ChainCallTimeout time.Duration
	Confirmations    uint64

	// Escrow contracts
	EscrowNetwork string
	EscrowABIPath string // optional, embedded ABI otherwise

	// Per-network RPC endpoints and signing keys
	Chains map[string]ChainConfig

	Bridge BridgeConfig

	// AllowMockSigning is the explicit non-production switch that lets a
	// network without a signing key run with mock transactions.
	AllowMockSigning bool
}

// ChainConfig holds connection settings for one network.
type ChainConfig struct {
	Name       string
	RPCURL     string
	PrivateKey string // Hex-encoded, 0x optional
	ChainID    int64
}

// HasSigner reports whether a signing key is configured.
func (c ChainConfig) HasSigner() bool {
	return c.PrivateKey != ""
}

// BridgeConfig holds bridge aggregator settings.
type BridgeConfig struct {
	AggregatorURL string
	APIKey        string
	Integrator    string
	Timeout       time.Duration
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultDeadlineSweepCron   = "*/30 * * * *"
	DefaultCrossChainSweepCron = "*/15 * * * *"
	DefaultSweepBatchSize      = 100
	DefaultStuckThreshold      = 24 * time.Hour
	DefaultChainCallTimeout    = 2 * time.Minute
	DefaultConfirmations       = 1
	DefaultEscrowNetwork       = "sepolia"
	DefaultAggregatorURL       = "https://li.quest/v1"
	DefaultIntegrator          = "escrowd"
	DefaultBridgeTimeout       = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DeadlineSweepCron:   getEnv("DEADLINE_SWEEP_CRON", DefaultDeadlineSweepCron),
		CrossChainSweepCron: getEnv("CROSSCHAIN_SWEEP_CRON", DefaultCrossChainSweepCron),
		SweepBatchSize:      int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		StuckThreshold:      getEnvDuration("STUCK_THRESHOLD", DefaultStuckThreshold),
		ChainCallTimeout:    getEnvDuration("CHAIN_CALL_TIMEOUT", DefaultChainCallTimeout),
		Confirmations:       uint64(getEnvInt64("CONFIRMATIONS", DefaultConfirmations)),
		EscrowNetwork:       networks.Normalize(getEnv("ESCROW_NETWORK", DefaultEscrowNetwork)),
		EscrowABIPath:       os.Getenv("ESCROW_ABI_PATH"),
		Bridge: BridgeConfig{
			AggregatorURL: getEnv("BRIDGE_AGGREGATOR_URL", DefaultAggregatorURL),
			APIKey:        os.Getenv("BRIDGE_API_KEY"),
			Integrator:    getEnv("BRIDGE_INTEGRATOR", DefaultIntegrator),
			Timeout:       getEnvDuration("BRIDGE_TIMEOUT", DefaultBridgeTimeout),
		},
		AllowMockSigning:   getEnvBool("ALLOW_MOCK_SIGNING", false),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
	}
	cfg.Chains = loadChains(cfg.EscrowNetwork)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadChains reads CHAINS (comma separated) and the per-network
// <NAME>_RPC_URL, <NAME>_PRIVATE_KEY and <NAME>_CHAIN_ID variables. The
// escrow network is always included; RPC_URL and PRIVATE_KEY serve as its
// fallbacks.
func loadChains(escrowNetwork string) map[string]ChainConfig {
	names := []string{escrowNetwork}
	for _, n := range strings.Split(os.Getenv("CHAINS"), ",") {
		if n = networks.Normalize(n); n != "" && n != escrowNetwork {
			names = append(names, n)
		}
	}

	chains := make(map[string]ChainConfig, len(names))
	for _, name := range names {
		prefix := EnvPrefix(name)
		cc := ChainConfig{
			Name:       name,
			RPCURL:     os.Getenv(prefix + "_RPC_URL"),
			PrivateKey: os.Getenv(prefix + "_PRIVATE_KEY"),
			ChainID:    getEnvInt64(prefix+"_CHAIN_ID", 0),
		}
		if name == escrowNetwork {
			if cc.RPCURL == "" {
				cc.RPCURL = os.Getenv("RPC_URL")
			}
			if cc.PrivateKey == "" {
				cc.PrivateKey = os.Getenv("PRIVATE_KEY")
			}
		}
		if cc.ChainID == 0 {
			if n, err := networks.Lookup(name); err == nil {
				cc.ChainID = n.ChainID
			}
		}
		chains[name] = cc
	}
	return chains
}

// EnvPrefix converts a network name to its environment variable prefix
// ("base-sepolia" -> "BASE_SEPOLIA").
func EnvPrefix(network string) string {
	return strings.ToUpper(strings.ReplaceAll(networks.Normalize(network), "-", "_"))
}

// Validate checks that all required configuration is present. Missing
// chain credentials are not an error here: the scheduler disables the
// tasks that need them.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AllowMockSigning {
		return fmt.Errorf("ALLOW_MOCK_SIGNING must not be set when ENV=production")
	}

	if _, err := networks.Lookup(c.EscrowNetwork); err != nil {
		return fmt.Errorf("ESCROW_NETWORK: %w", err)
	}

	for name, cc := range c.Chains {
		if _, err := networks.Lookup(name); err != nil {
			return fmt.Errorf("CHAINS: %w", err)
		}
		if cc.PrivateKey == "" {
			continue
		}
		if !validPrivateKey(cc.PrivateKey) {
			return fmt.Errorf("%s_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)", EnvPrefix(name))
		}
	}

	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.Confirmations == 0 {
		return fmt.Errorf("CONFIRMATIONS must be at least 1")
	}

	return nil
}

func validPrivateKey(key string) bool {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return false
	}
	for _, r := range key {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// MockSigningAllowed reports whether networks without a key may fall back
// to mock transactions.
func (c *Config) MockSigningAllowed() bool {
	return c.AllowMockSigning && !c.IsProduction()
}

// Chain returns the configuration for a network (zero value if absent).
func (c *Config) Chain(name string) ChainConfig {
	return c.Chains[networks.Normalize(name)]
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
