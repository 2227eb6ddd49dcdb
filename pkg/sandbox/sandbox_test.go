package sandbox

import (
	"context"
	"testing"
	"time"
)

// TestSandbox_SpawnAndKill requires an "anvil"-compatible EVM dev node
// binary on PATH. Skipped when unavailable, matching the corpus's
// integration-test idiom for external dependencies.
func TestSandbox_SpawnAndKill(t *testing.T) {
	cfg := Config{
		BinaryPath:   "anvil",
		PortFrom:     23000,
		PortTo:       23010,
		ReadyTimeout: 5 * time.Second,
	}
	broker := NewPortBroker(cfg.PortFrom, cfg.PortTo)

	sb, err := New(context.Background(), "test-sandbox", cfg, broker)
	if err != nil {
		t.Skipf("skipping sandbox test: %v", err)
	}

	if sb.RPCURL() == "" {
		t.Fatal("expected non-empty RPC URL")
	}

	if err := sb.Kill(context.Background()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	// Idempotent: a second kill must not error or hang.
	if err := sb.Kill(context.Background()); err != nil {
		t.Fatalf("second kill: %v", err)
	}
}

func TestSandbox_SpawnFailsOnBadBinary(t *testing.T) {
	cfg := Config{
		BinaryPath:   "/nonexistent/evm-node-binary",
		PortFrom:     23100,
		PortTo:       23101,
		ReadyTimeout: time.Second,
	}
	broker := NewPortBroker(cfg.PortFrom, cfg.PortTo)

	_, err := New(context.Background(), "test-sandbox-2", cfg, broker)
	if err == nil {
		t.Fatal("expected spawn error for nonexistent binary")
	}

	// The leased port must be released back to the broker on spawn failure.
	port, leaseErr := broker.Lease("probe")
	if leaseErr != nil {
		t.Fatalf("expected a port to be available after failed spawn release: %v", leaseErr)
	}
	broker.Release(port)
}
