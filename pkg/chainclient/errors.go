package chainclient

import (
	"context"
	"errors"
	"strings"

	"github.com/vulnmesh/core/pkg/domain"
)

// mapChainErr classifies a raw RPC/contract error into the domain taxonomy.
// Connection-level failures are transient and queue-retryable; a mined
// revert is a permanent chain failure that must not be retried blindly
// since resubmitting a reverted settlement can double-spend escrow.
func mapChainErr(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.Wrap(domain.KindTransient, "CHAIN_TIMEOUT", method, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "reverted"):
		return domain.Wrap(domain.KindPermanentChain, "CHAIN_REVERTED", method, err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return domain.Wrap(domain.KindTransient, "CHAIN_NONCE_RACE", method, err)
	case strings.Contains(msg, "insufficient funds"):
		return domain.Wrap(domain.KindPermanentChain, "CHAIN_INSUFFICIENT_FUNDS", method, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "circuit breaker"):
		return domain.Wrap(domain.KindTransient, "CHAIN_RPC_UNAVAILABLE", method, err)
	default:
		return domain.Wrap(domain.KindTransient, "CHAIN_CALL_FAILED", method, err)
	}
}

// isRetryableSendErr reports whether a failed send is worth resubmitting
// with an escalated gas price, mirroring the retry idiom on the pack's
// Ethereum client (nonce races and underpriced replacements resolve
// themselves on a bump-and-retry; everything else does not).
func isRetryableSendErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}
