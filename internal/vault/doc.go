// Package vault encrypts connector credentials at rest with AES-256-GCM.
// Ciphertext is hex(nonce || sealed); the key is derived from a master key
// loaded from TOOLGATE_MASTER_KEY or a generated key file.
package vault
