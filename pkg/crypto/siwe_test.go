package crypto

import (
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func signPersonalMessage(t *testing.T, priv []byte, message string) string {
	t.Helper()
	key, err := crypto.ToECDSA(priv)
	if err != nil {
		t.Fatalf("to ecdsa: %v", err)
	}
	prefixed := []byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message))
	hash := crypto.Keccak256(prefixed)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return "0x" + hexEncode(sig)
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func TestVerifySignedMessage_ValidSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	message := fmt.Sprintf(
		"example.com wants you to sign in with your Ethereum account:\n%s\n\nURI: https://example.com\nVersion: 1\nChain ID: 1\nNonce: abc123\nIssued At: %s\n",
		address, time.Now().UTC().Format(time.RFC3339),
	)
	sig := signPersonalMessage(t, crypto.FromECDSA(key), message)

	policy := SignInPolicy{AllowedDomains: []string{"example.com"}, AllowedChainIDs: []string{"1"}, MaxAge: time.Hour}
	result, err := VerifySignedMessage(message, sig, address, policy)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !result.OK || result.Nonce != "abc123" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestVerifySignedMessage_RejectsDisallowedDomain(t *testing.T) {
	key, _ := crypto.GenerateKey()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := fmt.Sprintf(
		"evil.example wants you to sign in with your Ethereum account:\n%s\n\nURI: https://evil.example\nVersion: 1\nChain ID: 1\nNonce: n1\nIssued At: %s\n",
		address, time.Now().UTC().Format(time.RFC3339),
	)
	sig := signPersonalMessage(t, crypto.FromECDSA(key), message)

	policy := SignInPolicy{AllowedDomains: []string{"example.com"}, AllowedChainIDs: []string{"1"}, MaxAge: time.Hour}
	if _, err := VerifySignedMessage(message, sig, address, policy); err == nil {
		t.Error("expected domain rejection")
	}
}
