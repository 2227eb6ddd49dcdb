// Package sandbox spawns and owns per-exploit local EVM dev nodes, the
// isolation boundary the validator pipeline's EXECUTE step runs candidate
// proofs inside. Grounded on the teacher's runtime/sandbox package for its
// "own-and-release" resource discipline (Run/Close pair, idempotent
// teardown) and typed sandbox error codes; the teacher's own sandbox
// (wazero/WASI) has no home here because the payloads under test are EVM
// bytecode and transaction sequences, not WebAssembly modules — see
// DESIGN.md.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// outputCapBytes bounds captured stdout/stderr, matching the teacher's
// OutputMaxBytes discipline for sandbox output.
const outputCapBytes = 1 << 20 // 1MB

// Config configures a Sandbox's subprocess and readiness behavior.
type Config struct {
	BinaryPath   string   // EVM dev node binary, e.g. "anvil"
	BinaryArgs   []string // extra args, not including --port
	PortFrom     int
	PortTo       int
	ReadyTimeout time.Duration
}

// Sandbox owns one running EVM dev node subprocess for the lifetime of a
// single proof validation.
type Sandbox struct {
	id      string
	cfg     Config
	broker  *PortBroker
	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	killed  bool
	rpcURL  string
}

// New leases a port and spawns the configured EVM node, blocking until it
// answers eth_blockNumber or cfg.ReadyTimeout elapses.
func New(ctx context.Context, id string, cfg Config, broker *PortBroker) (*Sandbox, error) {
	port, err := broker.Lease(id)
	if err != nil {
		return nil, err
	}

	s := &Sandbox{id: id, cfg: cfg, broker: broker, port: port}
	args := append([]string{"--port", fmt.Sprintf("%d", port)}, cfg.BinaryArgs...)

	cmd := exec.CommandContext(ctx, cfg.BinaryPath, args...)
	cmd.Stdout = io.MultiWriter(&s.stdout, io.Discard)
	cmd.Stderr = io.MultiWriter(&s.stderr, io.Discard)

	if err := cmd.Start(); err != nil {
		broker.Release(port)
		return nil, newError(ErrSpawnFailed, fmt.Sprintf("spawn %s", cfg.BinaryPath), err)
	}
	s.cmd = cmd
	s.rpcURL = fmt.Sprintf("http://127.0.0.1:%d", port)

	if err := s.waitReady(ctx); err != nil {
		_ = s.Kill(ctx)
		return nil, err
	}
	return s, nil
}

// RPCURL returns the sandbox's local JSON-RPC endpoint.
func (s *Sandbox) RPCURL() string { return s.rpcURL }

func (s *Sandbox) waitReady(ctx context.Context) error {
	timeout := s.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		dialCtx, cancel := context.WithTimeout(ctx, time.Second)
		client, err := ethclient.DialContext(dialCtx, s.rpcURL)
		if err == nil {
			_, blockErr := client.BlockNumber(dialCtx)
			client.Close()
			cancel()
			if blockErr == nil {
				return nil
			}
		} else {
			cancel()
		}

		select {
		case <-ctx.Done():
			return newError(ErrNotReady, "sandbox readiness wait cancelled", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	return newError(ErrNotReady, fmt.Sprintf("sandbox %s did not become ready within %s", s.id, timeout), nil)
}

// Output returns the captured stdout/stderr, each capped to outputCapBytes.
func (s *Sandbox) Output() (stdout, stderr []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return capBytes(s.stdout.Bytes()), capBytes(s.stderr.Bytes())
}

func capBytes(b []byte) []byte {
	if len(b) <= outputCapBytes {
		return b
	}
	return b[:outputCapBytes]
}

// Kill tears down the sandbox process: soft SIGTERM, a grace period, then
// hard SIGKILL. Idempotent — safe to call multiple times or after the
// process has already exited.
func (s *Sandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killed {
		return nil
	}
	s.killed = true
	defer s.broker.Release(s.port)

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(3 * time.Second):
	}

	_ = s.cmd.Process.Kill()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}
