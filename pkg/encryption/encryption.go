// Package encryption provides data-at-rest key management for MarkovDB.
//
// BadgerDB performs the actual AES encryption of tables and value logs; this
// package turns an operator passphrase into the 32-byte key BadgerDB needs.
//
// Features:
//   - PBKDF2-SHA256 key derivation (golang.org/x/crypto/pbkdf2)
//   - Per-store random salt persisted beside the data files
//   - Key fingerprints that are safe to log
//
// Example:
//
//	key, err := encryption.DeriveStoreKey("./data", os.Getenv("MARKOVDB_ENCRYPTION_PASSPHRASE"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := storage.NewBadgerStoreWithOptions(storage.BadgerOptions{
//		DataDir:       "./data",
//		EncryptionKey: key,
//	})
package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length (AES-256).
	KeySize = 32

	// SaltSize is the length of generated salts.
	SaltSize = 16

	// DefaultIterations is the PBKDF2 work factor.
	DefaultIterations = 600000

	// SaltFileName is the salt file kept in the data directory.
	SaltFileName = "markov.salt"
)

// Errors
var (
	ErrEmptyPassphrase = errors.New("encryption: empty passphrase")
	ErrInvalidSalt     = errors.New("encryption: invalid salt file")
)

// DeriveKey derives a KeySize-byte key from password and salt.
//
// Same password + same salt always gives the same key; a different salt gives
// an unrelated key, so two stores sharing a passphrase still have different
// keys. Non-positive iterations use DefaultIterations.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// GenerateSalt returns SaltSize cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// LoadOrCreateSalt reads the salt stored in dir, creating it on first use.
// The salt is not secret but must never change for an existing store.
func LoadOrCreateSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, SaltFileName)

	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrInvalidSalt, path, len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	salt, err = GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}

// DeriveStoreKey derives the encryption key for the store in dir.
func DeriveStoreKey(dir, passphrase string) ([]byte, error) {
	return deriveStoreKey(dir, passphrase, DefaultIterations)
}

func deriveStoreKey(dir, passphrase string, iterations int) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	salt, err := LoadOrCreateSalt(dir)
	if err != nil {
		return nil, err
	}
	return DeriveKey([]byte(passphrase), salt, iterations), nil
}

// Fingerprint returns a short non-reversible identifier for key, for logs.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
