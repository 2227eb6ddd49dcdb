// Package toolchain shells out to the external tools the researcher and
// validator pipelines need on a protocol's source: git, a Solidity
// compiler, and a configured static analyzer binary. Grounded on the
// teacher's subprocess-ownership idiom (bounded context, captured/limited
// output) used throughout its runtime package, generalized from WASI
// module execution to driving real CLI tools.
package toolchain

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// allowedHost is the single recognized source host, per spec.md §4.6
// ("accept only https to a single recognized host").
const allowedHost = "github.com"

// Clone sanitizes sourceURL, cleans jobID's destination checkout directory,
// and shallow-clones ref into it, returning the checkout directory.
func Clone(ctx context.Context, workspaceDir, jobID, sourceURL, ref string) (string, error) {
	if err := validateSourceURL(sourceURL); err != nil {
		return "", err
	}

	dir := filepath.Join(workspaceDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", newError(ErrCloneFailed, "clean checkout directory", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", newError(ErrCloneFailed, "create workspace directory", err)
	}

	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, sourceURL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(dir)
		return "", newError(ErrCloneFailed, fmt.Sprintf("git clone failed: %s", stderr.String()), err)
	}
	return dir, nil
}

// InitSubmodules is a best-effort step; submodule failures never fail the
// enclosing pipeline (spec.md §4.6: "optional best-effort").
func InitSubmodules(ctx context.Context, dir string) {
	cmd := exec.CommandContext(ctx, "git", "submodule", "update", "--init", "--recursive")
	cmd.Dir = dir
	_ = cmd.Run()
}

func validateSourceURL(sourceURL string) error {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return newError(ErrInvalidSource, "unparseable source url", err)
	}
	if u.Scheme != "https" {
		return newError(ErrInvalidSource, "only https sources are accepted", nil)
	}
	if u.Host != allowedHost {
		return newError(ErrInvalidSource, fmt.Sprintf("source host %q is not recognized", u.Host), nil)
	}
	return nil
}
