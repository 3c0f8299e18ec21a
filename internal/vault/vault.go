// ABOUTME: AES-256-GCM encryption for credentials at rest, keyed by a process-wide master key.
// ABOUTME: Pure CPU, no network or disk access inside Encrypt/Decrypt.

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// Vault errors
var (
	// ErrKeyMissing means no master key could be loaded at startup.
	ErrKeyMissing = errors.New("vault: master key missing")

	// ErrDecryptFailed means the ciphertext was tampered with or corrupted.
	// Decrypt never returns partial plaintext.
	ErrDecryptFailed = errors.New("vault: decrypt failed")
)

// keyEnvVar is the environment variable holding a hex-encoded 32-byte master key.
const keyEnvVar = "TOOLGATE_MASTER_KEY"

// keyFileName is the persistent key file created in the data directory when no
// key is provided via the environment.
const keyFileName = ".vault-key"

// hkdfInfo domain-separates the AEAD key from the raw master secret.
var hkdfInfo = []byte("toolgate credential vault v1")

// Vault encrypts and decrypts secrets with AES-256-GCM. The key is fixed at
// construction and never mutated, so a Vault is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AEAD key from the 32-byte master secret via HKDF-SHA256 and
// returns a ready Vault.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) == 0 {
		return nil, ErrKeyMissing
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(masterKey))
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, hkdfInfo), derived); err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns hex(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens hex(nonce || ciphertext). Any tampering or truncation yields
// ErrDecryptFailed.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding", ErrDecryptFailed)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// LoadMasterKey loads the 32-byte master key. Priority: TOOLGATE_MASTER_KEY
// (hex) > persistent key file in dataDir. A new key is generated and persisted
// with mode 0600 on first run so encrypted credentials survive restarts.
func LoadMasterKey(dataDir string) ([]byte, error) {
	if env := os.Getenv(keyEnvVar); env != "" {
		decoded, err := hex.DecodeString(env)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: must be hex encoded: %w", keyEnvVar, err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("invalid %s: must be 32 bytes (256 bits)", keyEnvVar)
		}
		return decoded, nil
	}

	keyFile := filepath.Join(dataDir, keyFileName)
	if data, err := os.ReadFile(keyFile); err == nil {
		decoded, err := hex.DecodeString(string(data))
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
		return nil, fmt.Errorf("%w: corrupt key file %s", ErrKeyMissing, keyFile)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("persisting master key: %w", err)
	}
	return key, nil
}
