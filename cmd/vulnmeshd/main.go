// Command vulnmeshd runs the bug-bounty platform's core: the durable queue
// workers that drive protocol registration, vulnerability research, proof
// validation, and payment release, plus the on-chain settlement reconciler.
// It exposes no HTTP API itself (spec.md §6: the call surface is the
// pkg/api.Service Go interface, embedded by whatever transport layer wraps
// it) beyond a minimal liveness endpoint, mirroring the teacher's separate
// low-privilege health-check server alongside its main service port.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/cache"
	"github.com/vulnmesh/core/pkg/chainclient"
	"github.com/vulnmesh/core/pkg/config"
	"github.com/vulnmesh/core/pkg/crypto"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/ledger"
	"github.com/vulnmesh/core/pkg/llm"
	"github.com/vulnmesh/core/pkg/observability"
	"github.com/vulnmesh/core/pkg/pipeline"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/reconciler"
	"github.com/vulnmesh/core/pkg/sandbox"
	"github.com/vulnmesh/core/pkg/store"

	"log/slog"
)

// defaultAnvilDeployerKeyHex is the well-known first dev account of
// anvil/hardhat's deterministic mnemonic. The sandbox spends its own funded
// dev-node balance deploying a checkout under test, never real funds, so a
// public test key is the correct default rather than a secret.
const defaultAnvilDeployerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// startServer is overridable so tests can stub the blocking server run.
var startServer = runServer

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns a process exit code, kept as a
// pure function of (args, stdout, stderr) so it's testable without spawning
// a process.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCheck(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if len(args[1]) > 0 && args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "vulnmeshd - protocol registration, research, validation, and payment pipelines")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  vulnmeshd [server]   start the queue workers, reconciler, and health endpoint")
	fmt.Fprintln(w, "  vulnmeshd health     check a running instance's /health endpoint")
	fmt.Fprintln(w, "  vulnmeshd help       show this message")
}

func runHealthCheck(stdout, stderr io.Writer) int {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}
	resp, err := http.Get(fmt.Sprintf("http://localhost:%s/health", port))
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check returned status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// runServer wires every subsystem and blocks until SIGINT/SIGTERM.
// Core dependencies (database, chain client, signing key) are fatal on
// failure; auxiliary subsystems (cache, observability, LLM-assisted
// analysis) degrade gracefully, logged but non-fatal, matching the
// teacher's "degraded mode" bootstrap.
func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if profileName := os.Getenv("NETWORK_PROFILE"); profileName != "" {
		profileDir := envOr("NETWORK_PROFILE_DIR", "./profiles")
		profile, err := config.LoadNetworkProfile(profileDir, profileName)
		if err != nil {
			logger.Error("failed to load network profile", "profile", profileName, "error", err)
			return 1
		}
		profile.Apply(cfg)
		logger.Info("applied network profile", "profile", profileName, "chainId", cfg.ChainID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer stores.Close()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "vulnmeshd",
		Environment:  envOr("ENVIRONMENT", "development"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		SampleRate:   1.0,
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
	})
	if err != nil {
		logger.Warn("observability disabled: degraded mode", "error", err)
		obs = nil
	} else {
		defer obs.Shutdown(ctx)
	}

	signingKeyHex, err := loadSigningKeyHex(cfg.ChainSigningKeyPath)
	if err != nil {
		logger.Error("failed to load chain signing key", "error", err)
		return 1
	}

	chain, err := chainclient.New(ctx, chainclient.Config{
		RPCURL:        cfg.ChainRPCURL,
		SigningKeyHex: signingKeyHex,
		ChainID:       cfg.ChainID,
		Addresses: chainclient.Addresses{
			ProtocolRegistry:   common.HexToAddress(cfg.ProtocolRegistryAddress),
			BountyPool:         common.HexToAddress(cfg.BountyPoolAddress),
			ValidationRegistry: common.HexToAddress(cfg.ValidationRegistryAddress),
			AgentRegistry:      common.HexToAddress(cfg.AgentRegistryAddress),
			Escrow:             common.HexToAddress(cfg.EscrowAddress),
			PaymentToken:       common.HexToAddress(cfg.PaymentTokenAddress),
		},
		Observability: obs,
	})
	if err != nil {
		logger.Error("failed to dial chain rpc", "error", err)
		return 1
	}

	redisCache, err := cache.New(ctx, cfg.CacheURL, cfg.CacheTTL)
	if err != nil {
		logger.Warn("cache disabled: degraded mode, protocol lookups hit the database directly", "error", err)
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	keyring := crypto.NewEncryptionKeyring()
	if err := keyring.GenerateKey("v1"); err != nil {
		logger.Error("failed to seed proof encryption keyring", "error", err)
		return 1
	}

	deployerKey, err := ethcrypto.HexToECDSA(envOr("SANDBOX_DEPLOYER_KEY", defaultAnvilDeployerKeyHex))
	if err != nil {
		logger.Error("failed to parse sandbox deployer key", "error", err)
		return 1
	}

	var llmClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		llmClient = llm.NewAnthropicClient(cfg.AnthropicAPIKey, anthropic.Model(cfg.AnthropicModel))
		logger.Info("AI-assisted analysis enabled", "model", cfg.AnthropicModel)
	} else {
		logger.Info("AI-assisted analysis disabled: no ANTHROPIC_API_KEY set")
	}

	eventBus := bus.New()

	protocolQueue := queue.New(stores.DB, "protocols", cfg.QueueRatePerSec, logger)
	scanQueue := queue.New(stores.DB, "scans", cfg.QueueRatePerSec, logger)
	validationQueue := queue.New(stores.DB, "validations", cfg.QueueRatePerSec, logger)
	paymentQueue := queue.New(stores.DB, "payments", cfg.QueueRatePerSec, logger)

	validatorAgentID, err := ensureSystemValidator(ctx, stores, chain.Address())
	if err != nil {
		logger.Error("failed to seed system validator identity", "error", err)
		return 1
	}

	portBroker := sandbox.NewPortBroker(cfg.SandboxPortRangeStart, cfg.SandboxPortRangeEnd)
	sandboxConfig := sandbox.Config{
		BinaryPath:   envOr("SANDBOX_BINARY_PATH", "anvil"),
		PortFrom:     cfg.SandboxPortRangeStart,
		PortTo:       cfg.SandboxPortRangeEnd,
		ReadyTimeout: cfg.SandboxTimeout,
	}

	protocolPipeline := &pipeline.ProtocolPipeline{
		Protocols:    stores.Protocols,
		Scans:        stores.Scans,
		Chain:        chain,
		Bus:          eventBus,
		ScanQueue:    scanQueue,
		WorkspaceDir: cfg.CloneWorkspaceDir,
		Logger:       logger.With("pipeline", "protocol"),
	}

	researcherPipeline := &pipeline.ResearcherPipeline{
		Scans:           stores.Scans,
		Protocols:       stores.Protocols,
		Findings:        stores.Findings,
		Proofs:          stores.Proofs,
		Bus:             eventBus,
		ValidationQueue: validationQueue,
		WorkspaceDir:    cfg.CloneWorkspaceDir,
		AnalyzerBinary:  cfg.AnalyzerBinaryPath,
		SandboxBroker:   portBroker,
		SandboxConfig:   sandboxConfig,
		DeployerKey:     deployerKey,
		Keyring:         keyring,
		LLM:             llmClient,
		Logger:          logger.With("pipeline", "researcher"),
	}

	paymentLedger := ledger.NewLedger(ledger.LedgerTypePayment)

	validatorPipeline := &pipeline.ValidatorPipeline{
		Proofs:         stores.Proofs,
		Findings:       stores.Findings,
		Scans:          stores.Scans,
		Protocols:      stores.Protocols,
		Validations:    stores.Validations,
		Agents:         stores.Agents,
		AgentDirectory: stores.Agents,
		Attribution:    unknownAttribution{},
		Chain:          chain,
		BountyAmounts:  chain,
		Payments:       stores.Payments,
		PaymentQueue:   paymentQueue,
		Bus:            eventBus,
		WorkspaceDir:   cfg.CloneWorkspaceDir,
		AnalyzerBinary: cfg.AnalyzerBinaryPath,
		SandboxBroker:  portBroker,
		SandboxConfig:  sandboxConfig,
		DeployerKey:    deployerKey,
		Keyring:        keyring,
		Logger:         logger.With("pipeline", "validator"),
	}

	paymentPipeline := &pipeline.PaymentPipeline{
		Payments:  stores.Payments,
		Findings:  stores.Findings,
		Scans:     stores.Scans,
		Protocols: stores.Protocols,
		Chain:     chain,
		Bus:       eventBus,
		Logger:    logger.With("pipeline", "payment"),
	}

	protocolCache := &cachedProtocolReader{inner: stores.Protocols, cache: redisCache}

	recon := &reconciler.Reconciler{
		Chain:           chain,
		Payments:        stores.Payments,
		Findings:        stores.Findings,
		Scans:           stores.Scans,
		Protocols:       protocolCache,
		Reconciliations: stores.Reconciliations,
		Checkpoints:     stores.EventListeners,
		Bus:             eventBus,
		ContractAddress: cfg.BountyPoolAddress,
		Logger:          logger.With("component", "reconciler"),
	}

	workers := []*queue.Worker{
		{Queue: protocolQueue, Concurrency: cfg.ProtocolQueueConcurrency, LeaseFor: cfg.QueueLeaseFor, PollEvery: cfg.QueuePollEvery},
		{Queue: scanQueue, Concurrency: cfg.ResearchQueueConcurrency, LeaseFor: cfg.QueueLeaseFor, PollEvery: cfg.QueuePollEvery},
		{Queue: validationQueue, Concurrency: cfg.ValidationQueueConcurrency, LeaseFor: cfg.QueueLeaseFor, PollEvery: cfg.QueuePollEvery},
		{Queue: paymentQueue, Concurrency: cfg.PaymentQueueConcurrency, LeaseFor: cfg.QueueLeaseFor, PollEvery: cfg.QueuePollEvery},
	}

	handlers := []queue.Handler{
		protocolJobHandler(protocolPipeline, logger),
		scanJobHandler(researcherPipeline, logger),
		validationJobHandler(validatorPipeline, validatorAgentID, logger),
		paymentJobHandler(paymentPipeline, paymentLedger, logger),
	}

	for i, w := range workers {
		go w.Run(ctx, handlers[i])
	}

	go recon.Run(ctx)
	go recon.RunSweep(ctx)

	healthSrv := startHealthServer(cfg.HealthPort, logger)

	logger.Info("vulnmeshd started", "port", cfg.Port, "healthPort", cfg.HealthPort)
	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", "error", err)
	}
	return 0
}

func startHealthServer(port string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped unexpectedly", "error", err)
		}
	}()
	return srv
}

func protocolJobHandler(p *pipeline.ProtocolPipeline, logger *slog.Logger) queue.Handler {
	return func(j *queue.Job) error {
		protocolID := string(j.Payload)
		if err := p.Process(context.Background(), protocolID); err != nil {
			logger.Warn("protocol pipeline failed", "protocolId", protocolID, "error", err)
			return err
		}
		return nil
	}
}

func scanJobHandler(p *pipeline.ResearcherPipeline, logger *slog.Logger) queue.Handler {
	return func(j *queue.Job) error {
		var payload pipeline.ScanJobPayload
		if err := decodeJSON(j.Payload, &payload); err != nil {
			return domain.NewError(domain.KindValidation, "BAD_SCAN_PAYLOAD", "malformed scan job payload", err)
		}
		if err := p.Process(context.Background(), payload.ScanID); err != nil {
			logger.Warn("researcher pipeline failed", "scanId", payload.ScanID, "error", err)
			return err
		}
		return nil
	}
}

func validationJobHandler(p *pipeline.ValidatorPipeline, validatorAgentID string, logger *slog.Logger) queue.Handler {
	return func(j *queue.Job) error {
		var payload pipeline.ValidationJobPayload
		if err := decodeJSON(j.Payload, &payload); err != nil {
			return domain.NewError(domain.KindValidation, "BAD_VALIDATION_PAYLOAD", "malformed validation job payload", err)
		}
		if err := p.Process(context.Background(), payload.ProofID, validatorAgentID); err != nil {
			logger.Warn("validator pipeline failed", "proofId", payload.ProofID, "error", err)
			return err
		}
		return nil
	}
}

// paymentJobHandler additionally appends an in-process, hash-chained audit
// entry per attempt, independent of the durable payments table: a forensic
// trail of every release attempt this process drove, not just the final
// row state, survivable across a disputed payment's investigation even if
// the row was since overwritten by a retry.
func paymentJobHandler(p *pipeline.PaymentPipeline, auditLedger *ledger.Ledger, logger *slog.Logger) queue.Handler {
	return func(j *queue.Job) error {
		var payload pipeline.PaymentJobPayload
		if err := decodeJSON(j.Payload, &payload); err != nil {
			return domain.NewError(domain.KindValidation, "BAD_PAYMENT_PAYLOAD", "malformed payment job payload", err)
		}
		err := p.Process(context.Background(), payload.PaymentID)
		outcome := "ok"
		if err != nil {
			outcome = err.Error()
		}
		if _, lerr := auditLedger.Append("payment.process", "vulnmeshd", map[string]interface{}{
			"paymentId": payload.PaymentID,
			"outcome":   outcome,
		}); lerr != nil {
			logger.Warn("failed to append payment audit ledger entry", "error", lerr)
		}
		if err != nil {
			logger.Warn("payment pipeline failed", "paymentId", payload.PaymentID, "error", err)
			return err
		}
		return nil
	}
}

func decodeJSON(data []byte, dest any) error {
	return json.Unmarshal(data, dest)
}

// unknownAttribution always reports unresolved researcher attribution: the
// current domain model doesn't carry a submitter agent id on Finding or
// Proof (see DESIGN.md), so RECORD_REPUTATION skips crediting the
// researcher side of the feedback pair until that's added.
type unknownAttribution struct{}

func (unknownAttribution) ResearcherAgentID(ctx context.Context, findingID string) (string, error) {
	return "", nil
}

// cachedProtocolReader wraps store.ProtocolStore with a cache-aside read
// path for the reconciler's per-event protocol lookups: the reconciler polls
// far more often than protocol metadata changes, so repeated Get calls for
// the same protocolID within a block-range poll are an easy cache win.
type cachedProtocolReader struct {
	inner *store.ProtocolStore
	cache *cache.Cache
}

func (c *cachedProtocolReader) Get(ctx context.Context, id string) (*domain.Protocol, error) {
	if c.cache == nil {
		return c.inner.Get(ctx, id)
	}
	key := "protocol:" + id
	var cached domain.Protocol
	if err := c.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}
	p, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, key, p)
	return p, nil
}

// ensureSystemValidator resolves (or creates) the platform's own validator
// agent identity, addressed by the chain client's own wallet: the validator
// pipeline replays every submitted proof as the platform itself, not as an
// external agent, so one fixed identity suffices (spec.md §4.10 models
// per-proof validator assignment as a future extension; see DESIGN.md).
func ensureSystemValidator(ctx context.Context, stores *store.StoreSet, wallet common.Address) (string, error) {
	existing, err := stores.Agents.GetByWallet(ctx, wallet.Hex())
	if err == nil {
		return existing.ID, nil
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindNotFound {
		return "", err
	}

	id := uuid.NewString()
	agent := &domain.AgentIdentity{
		ID:            id,
		WalletAddress: wallet.Hex(),
		AgentType:     domain.AgentValidator,
		Active:        true,
		RegisteredAt:  time.Now().UTC(),
	}
	if err := stores.Agents.Create(ctx, agent); err != nil {
		return "", err
	}
	return id, nil
}

func loadSigningKeyHex(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("CHAIN_SIGNING_KEY_PATH is not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read signing key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
