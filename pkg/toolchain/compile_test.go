package toolchain

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocateArtifact_TriesCandidatesInOrder(t *testing.T) {
	dir := t.TempDir()
	artifactDir := filepath.Join(dir, "out", "Vault.sol")
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	artifactJSON := `{"abi":[],"bytecode":{"object":"0x6001"}}`
	if err := os.WriteFile(filepath.Join(artifactDir, "Vault.json"), []byte(artifactJSON), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	artifact, err := locateArtifact(dir, "src/Vault.sol", "Vault")
	if err != nil {
		t.Fatalf("locateArtifact: %v", err)
	}
	if artifact.Bytecode.Object != "0x6001" {
		t.Errorf("expected bytecode 0x6001, got %s", artifact.Bytecode.Object)
	}
}

func TestLocateArtifact_NotFound(t *testing.T) {
	_, err := locateArtifact(t.TempDir(), "src/Vault.sol", "Vault")
	if err == nil {
		t.Fatal("expected not-found error for empty directory")
	}
}

func TestDecodeHexBytecode(t *testing.T) {
	b, err := decodeHexBytecode("0x6001")
	if err != nil {
		t.Fatalf("decodeHexBytecode: %v", err)
	}
	if len(b) != 2 || b[0] != 0x60 || b[1] != 0x01 {
		t.Errorf("unexpected decoded bytes: %x", b)
	}
}

func TestEnsureCompilerConfig_WritesMinimalConfig(t *testing.T) {
	dir := t.TempDir()
	if err := ensureCompilerConfig(dir); err != nil {
		t.Fatalf("ensureCompilerConfig: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, foundryConfigName)); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
}

func TestLimitedWriter_CapsOutput(t *testing.T) {
	var buf limitedBuf
	w := &limitedWriter{w: &buf, limit: 4}
	_, _ = w.Write([]byte("hello world"))
	if len(buf.data) != 4 {
		t.Errorf("expected output capped to 4 bytes, got %d", len(buf.data))
	}
}

type limitedBuf struct{ data []byte }

func (b *limitedBuf) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
