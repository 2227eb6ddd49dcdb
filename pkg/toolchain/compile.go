package toolchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	compileTimeout    = 2 * time.Minute
	compileOutputCap  = 1 << 20 // 1MB, matching the sandbox package's output discipline
	foundryConfigName = "foundry.toml"
)

// CompileResult is the compiled contract artifact spec.md §4.6 names.
type CompileResult struct {
	Bytecode  []byte
	ABI       json.RawMessage
	RawOutput string
}

// compilerArtifact mirrors the subset of a forge/solc build artifact JSON
// this package actually reads.
type compilerArtifact struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode struct {
		Object string `json:"object"`
	} `json:"bytecode"`
}

// Compile ensures a minimal compiler config exists, runs `forge build` with
// a bounded timeout and output cap, then locates the artifact by trying the
// three candidate paths spec.md §4.6 specifies, in order.
func Compile(ctx context.Context, dir, contractPath, contractName string) (*CompileResult, error) {
	if err := ensureCompilerConfig(dir); err != nil {
		return nil, newError(ErrCompileFailed, "ensure compiler config", err)
	}

	ctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "forge", "build")
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: compileOutputCap}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: compileOutputCap}

	runErr := cmd.Run()

	artifact, artifactErr := locateArtifact(dir, contractPath, contractName)
	if artifactErr != nil {
		if runErr != nil {
			return nil, newError(ErrCompileFailed, fmt.Sprintf("compile failed: %s", stderr.String()), runErr)
		}
		return nil, newError(ErrCompileFailed, fmt.Sprintf("artifact not found: %v", artifactErr), nil)
	}

	bytecode, err := decodeHexBytecode(artifact.Bytecode.Object)
	if err != nil {
		return nil, newError(ErrCompileFailed, "decode bytecode", err)
	}

	return &CompileResult{
		Bytecode:  bytecode,
		ABI:       artifact.ABI,
		RawOutput: stdout.String(),
	}, nil
}

func ensureCompilerConfig(dir string) error {
	path := filepath.Join(dir, foundryConfigName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	minimal := "[profile.default]\nsrc = \"src\"\nout = \"out\"\nlibs = [\"lib\"]\n"
	return os.WriteFile(path, []byte(minimal), 0o644)
}

// locateArtifact tries, in order, the three candidate artifact paths
// spec.md §4.6 specifies.
func locateArtifact(dir, contractPath, contractName string) (*compilerArtifact, error) {
	candidates := []string{
		filepath.Join(dir, "out", filepath.Base(contractPath), contractName+".json"),
		filepath.Join(dir, "out", contractName+".sol", contractName+".json"),
		filepath.Join(dir, "out", contractName+".json"),
	}

	var lastErr error
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		var artifact compilerArtifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			lastErr = err
			continue
		}
		return &artifact, nil
	}
	return nil, fmt.Errorf("no artifact found among %d candidates: %w", len(candidates), lastErr)
}

func decodeHexBytecode(hexStr string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
}

// limitedWriter caps the number of bytes written to an underlying buffer,
// discarding the remainder instead of growing unbounded on a runaway
// compiler process.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n >= l.limit {
		return len(p), nil
	}
	remaining := l.limit - l.n
	if len(p) > remaining {
		n, err := l.w.Write(p[:remaining])
		l.n += n
		return len(p), err
	}
	n, err := l.w.Write(p)
	l.n += n
	return n, err
}
