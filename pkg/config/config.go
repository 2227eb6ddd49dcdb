package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration, loaded from environment variables in
// the 12-factor style.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	ShadowMode  bool

	// LLMServiceURL, if set, enables the researcher pipeline's optional
	// AI-analysis step (ANTHROPIC_API_KEY supplies the credential; the URL
	// knob is kept for parity with a local/offline model endpoint).
	LLMServiceURL  string
	AnthropicAPIKey string
	AnthropicModel  string

	// Queue concurrency, one knob per named queue (spec.md §5 concurrency
	// model: each queue's workers lease jobs independently).
	ProtocolQueueConcurrency   int
	ResearchQueueConcurrency   int
	ValidationQueueConcurrency int
	PaymentQueueConcurrency    int

	QueueLeaseFor   time.Duration
	QueuePollEvery  time.Duration
	QueueRatePerSec float64

	// Sandbox spawn range for the EVM fork used by the proof validator.
	SandboxPortRangeStart int
	SandboxPortRangeEnd   int
	SandboxTimeout        time.Duration

	// Toolchain: path to the static-analysis binary invoked against cloned
	// protocol repositories, and the clone workspace root.
	AnalyzerBinaryPath string
	CloneWorkspaceDir  string

	// On-chain settlement.
	ChainRPCURL        string
	ChainSigningKeyPath string
	ChainID            int64

	// Deployed contract addresses the chain client calls against.
	ProtocolRegistryAddress  string
	BountyPoolAddress        string
	ValidationRegistryAddress string
	AgentRegistryAddress     string
	EscrowAddress            string
	PaymentTokenAddress      string

	// Health check server, separate from the main service so an overloaded
	// worker pool never fails liveness probes.
	HealthPort string

	// Cache TTL for protocol/agent reputation lookups.
	CacheURL string
	CacheTTL time.Duration

	// Replay-protection window for SIWE nonces.
	NonceReplayWindow time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://vulnmesh@localhost:5433/vulnmesh?sslmode=disable"
	}

	llmURL := os.Getenv("LLM_SERVICE_URL")

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		ShadowMode:  os.Getenv("SHADOW_MODE") == "true",

		LLMServiceURL:   llmURL,
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOr("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),

		ProtocolQueueConcurrency:   envInt("PROTOCOL_QUEUE_CONCURRENCY", 4),
		ResearchQueueConcurrency:   envInt("RESEARCH_QUEUE_CONCURRENCY", 8),
		ValidationQueueConcurrency: envInt("VALIDATION_QUEUE_CONCURRENCY", 4),
		PaymentQueueConcurrency:    envInt("PAYMENT_QUEUE_CONCURRENCY", 2),

		QueueLeaseFor:   envDuration("QUEUE_LEASE_FOR", 2*time.Minute),
		QueuePollEvery:  envDuration("QUEUE_POLL_EVERY", 500*time.Millisecond),
		QueueRatePerSec: envFloat("QUEUE_RATE_PER_SEC", 10.0),

		SandboxPortRangeStart: envInt("SANDBOX_PORT_RANGE_START", 18545),
		SandboxPortRangeEnd:   envInt("SANDBOX_PORT_RANGE_END", 18645),
		SandboxTimeout:        envDuration("SANDBOX_TIMEOUT", 90*time.Second),

		AnalyzerBinaryPath: envOr("ANALYZER_BINARY_PATH", "/usr/local/bin/slither"),
		CloneWorkspaceDir:  envOr("CLONE_WORKSPACE_DIR", "/var/lib/vulnmesh/clones"),

		ChainRPCURL:         envOr("CHAIN_RPC_URL", "http://localhost:8545"),
		ChainSigningKeyPath: os.Getenv("CHAIN_SIGNING_KEY_PATH"),
		ChainID:             envInt64("CHAIN_ID", 1),

		ProtocolRegistryAddress:   os.Getenv("PROTOCOL_REGISTRY_ADDRESS"),
		BountyPoolAddress:         os.Getenv("BOUNTY_POOL_ADDRESS"),
		ValidationRegistryAddress: os.Getenv("VALIDATION_REGISTRY_ADDRESS"),
		AgentRegistryAddress:      os.Getenv("AGENT_REGISTRY_ADDRESS"),
		EscrowAddress:             os.Getenv("ESCROW_ADDRESS"),
		PaymentTokenAddress:       os.Getenv("PAYMENT_TOKEN_ADDRESS"),

		HealthPort: envOr("HEALTH_PORT", "8081"),

		CacheURL: envOr("CACHE_URL", "redis://localhost:6379/0"),
		CacheTTL: envDuration("CACHE_TTL", 5*time.Minute),

		NonceReplayWindow: envDuration("NONCE_REPLAY_WINDOW", 10*time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
