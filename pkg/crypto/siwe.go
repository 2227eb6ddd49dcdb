package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignInMessage is the parsed Sign-In-With-Ethereum payload (spec.md §4.7).
type SignInMessage struct {
	Domain         string
	Address        string
	URI            string
	Version        string
	ChainID        string
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
}

// SignInVerifyResult is VerifySignedMessage's return value.
type SignInVerifyResult struct {
	OK    bool
	Nonce string
}

// SignInPolicy bounds what VerifySignedMessage accepts.
type SignInPolicy struct {
	AllowedDomains []string
	AllowedChainIDs []string
	MaxAge         time.Duration
	FutureSkew     time.Duration // default 2 minutes per spec.md §4.7
}

// ParseSignInMessage parses the EIP-4361-style plaintext message into its
// fields. The wire format is the standard SIWE template:
//
//	<domain> wants you to sign in with your Ethereum account:
//	<address>
//
//	<statement, optional>
//
//	URI: <uri>
//	Version: <version>
//	Chain ID: <chainId>
//	Nonce: <nonce>
//	Issued At: <RFC3339>
//	Expiration Time: <RFC3339, optional>
func ParseSignInMessage(message string) (*SignInMessage, error) {
	lines := strings.Split(message, "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("malformed sign-in message")
	}
	domain := strings.TrimSuffix(lines[0], " wants you to sign in with your Ethereum account:")
	address := strings.TrimSpace(lines[1])

	msg := &SignInMessage{Domain: domain, Address: address}
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "URI: "):
			msg.URI = strings.TrimPrefix(line, "URI: ")
		case strings.HasPrefix(line, "Version: "):
			msg.Version = strings.TrimPrefix(line, "Version: ")
		case strings.HasPrefix(line, "Chain ID: "):
			msg.ChainID = strings.TrimPrefix(line, "Chain ID: ")
		case strings.HasPrefix(line, "Nonce: "):
			msg.Nonce = strings.TrimPrefix(line, "Nonce: ")
		case strings.HasPrefix(line, "Issued At: "):
			t, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, "Issued At: "))
			if err != nil {
				return nil, fmt.Errorf("invalid issued-at: %w", err)
			}
			msg.IssuedAt = t
		case strings.HasPrefix(line, "Expiration Time: "):
			t, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, "Expiration Time: "))
			if err != nil {
				return nil, fmt.Errorf("invalid expiration-time: %w", err)
			}
			msg.ExpirationTime = &t
		}
	}
	if msg.Nonce == "" {
		return nil, fmt.Errorf("missing nonce")
	}
	return msg, nil
}

// VerifySignedMessage validates a SIWE-style message and signature against
// expectedAddress, per spec.md §4.7. The replay-cache keyed-by-nonce check
// is the caller's responsibility (Design Notes §9).
func VerifySignedMessage(message, signatureHex, expectedAddress string, policy SignInPolicy) (SignInVerifyResult, error) {
	parsed, err := ParseSignInMessage(message)
	if err != nil {
		return SignInVerifyResult{}, fmt.Errorf("parse sign-in message: %w", err)
	}

	if !contains(policy.AllowedDomains, parsed.Domain) {
		return SignInVerifyResult{}, fmt.Errorf("domain %q not allowed", parsed.Domain)
	}
	if !contains(policy.AllowedChainIDs, parsed.ChainID) {
		return SignInVerifyResult{}, fmt.Errorf("chain id %q not allowed", parsed.ChainID)
	}

	futureSkew := policy.FutureSkew
	if futureSkew == 0 {
		futureSkew = 2 * time.Minute
	}
	now := time.Now().UTC()
	if parsed.IssuedAt.After(now.Add(futureSkew)) {
		return SignInVerifyResult{}, fmt.Errorf("issued-at too far in the future")
	}
	if policy.MaxAge > 0 && now.Sub(parsed.IssuedAt) > policy.MaxAge {
		return SignInVerifyResult{}, fmt.Errorf("message expired (max age)")
	}
	if parsed.ExpirationTime != nil && parsed.ExpirationTime.Before(now.Add(-futureSkew)) {
		return SignInVerifyResult{}, fmt.Errorf("expiration time has passed")
	}

	recovered, err := recoverEthAddress(message, signatureHex)
	if err != nil {
		return SignInVerifyResult{}, fmt.Errorf("recover signer: %w", err)
	}
	if !strings.EqualFold(recovered, expectedAddress) {
		return SignInVerifyResult{}, fmt.Errorf("signer mismatch")
	}

	return SignInVerifyResult{OK: true, Nonce: parsed.Nonce}, nil
}

// recoverEthAddress recovers the signing address from a personal_sign-style
// signature over message, using go-ethereum's ECDSA recovery (spec.md §4.7
// requires this over Ed25519 since the signer is a wallet key).
func recoverEthAddress(message, signatureHex string) (string, error) {
	sig, err := decodeHexSignature(signatureHex)
	if err != nil {
		return "", err
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid signature length: %d", len(sig))
	}
	// Normalize recovery id: wallets commonly produce v in {27,28}.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	prefixed := []byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message))
	hash := crypto.Keccak256(prefixed)

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("sig to pub: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func decodeHexSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	out := make([]byte, len(s)/2)
	for i := range out {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex signature: %w", err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
