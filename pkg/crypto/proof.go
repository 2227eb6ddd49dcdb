package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptionKeyring is a versioned-key holder for proof payload encryption,
// modeled on the teacher's kms.LocalKMS file-backed AES-256-GCM keystore
// generalized from "credential encryption key" to "proof encryption key"
// (spec.md's encryptionKeyId) and from AES-GCM to chacha20poly1305 — both
// AEAD ciphers fill the same slot; chacha20poly1305 is used here because it
// is the corpus's golang.org/x/crypto dependency rather than a new one.
type EncryptionKeyring struct {
	mu   sync.RWMutex
	keys map[string][]byte // keyID -> 32-byte key
}

func NewEncryptionKeyring() *EncryptionKeyring {
	return &EncryptionKeyring{keys: make(map[string][]byte)}
}

// GenerateKey creates and stores a new random key under keyID.
func (k *EncryptionKeyring) GenerateKey(keyID string) error {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = key
	return nil
}

// ActiveKeyID returns the lexicographically last key ID, treated as active
// for new encryptions (rotation convention shared with KeyRing).
func (k *EncryptionKeyring) ActiveKeyID() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var ids []string
	for id := range k.keys {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no encryption keys available")
	}
	sort.Strings(ids)
	return ids[len(ids)-1], nil
}

// EncryptProof encrypts plaintext with the active key, returning ciphertext
// and the keyID used (spec.md §4.7: "symmetric encryption keyed by
// encryptionKeyId").
func EncryptProof(kr *EncryptionKeyring, plaintext []byte) (ciphertext []byte, keyID string, err error) {
	keyID, err = kr.ActiveKeyID()
	if err != nil {
		return nil, "", err
	}
	return encryptWithKey(kr, keyID, plaintext)
}

func encryptWithKey(kr *EncryptionKeyring, keyID string, plaintext []byte) ([]byte, string, error) {
	kr.mu.RLock()
	key, ok := kr.keys[keyID]
	kr.mu.RUnlock()
	if !ok {
		return nil, "", newCryptoErr("unknown encryption key: " + keyID)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, "", fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, keyID, nil
}

// DecryptProof decrypts ciphertext using the key identified by keyID.
// Fails with a Crypto.InvalidKey or Crypto.Malformed style error per
// spec.md §4.7.
func DecryptProof(kr *EncryptionKeyring, keyID string, ciphertext []byte) ([]byte, error) {
	kr.mu.RLock()
	key, ok := kr.keys[keyID]
	kr.mu.RUnlock()
	if !ok {
		return nil, newCryptoErr("unknown encryption key: " + keyID)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, newCryptoErr("malformed ciphertext")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, newCryptoErr("decrypt failed: malformed or wrong key")
	}
	return plain, nil
}

// newCryptoErr is a small local helper that keeps this package free of a
// pkg/domain import; callers wrap this with
// domain.Wrap(domain.KindCrypto, ...) at the pipeline boundary.
func newCryptoErr(msg string) error { return fmt.Errorf("crypto: %s", msg) }

// proofHashFields is the canonical field set hashed by ProofHash.
type proofHashFields struct {
	FindingID        string `json:"findingId"`
	VulnerabilityType string `json:"vulnerabilityType"`
	Severity         string `json:"severity"`
	Validated        bool   `json:"validated"`
}

// ProofHash computes keccak-256 over the canonical JSON of the listed
// fields (spec.md §4.7), used when recording a validation on-chain — it
// must be keccak-256, not SHA-256, because the hash feeds
// ChainClient.recordValidation.
func ProofHash(findingID, vulnerabilityType, severity string, validated bool) (string, error) {
	fields := proofHashFields{
		FindingID:         findingID,
		VulnerabilityType: vulnerabilityType,
		Severity:          severity,
		Validated:         validated,
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal proof fields: %w", err)
	}
	canonical, err := CanonicalMarshal(json.RawMessage(raw))
	if err != nil {
		return "", fmt.Errorf("canonicalize proof fields: %w", err)
	}
	hash := crypto.Keccak256(canonical)
	return "0x" + hex.EncodeToString(hash), nil
}
