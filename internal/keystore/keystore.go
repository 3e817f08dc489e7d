// Package keystore keeps mutable-name signing keys server side, sealed at rest.
//
// Keys are sealed with XChaCha20-Poly1305 under a key derived from the configured
// master secret with HKDF-SHA256. The (owner, name) pair is bound in as associated
// data, so a sealed blob copied to another owner's row fails to open.
package keystore

import (
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/repository"
)

const (
	hkdfSalt = "webdeploy:vault:v1"
	hkdfInfo = "name-keys:v1"

	minSecretLen = 16
)

// ErrSealedKey is returned when a stored blob cannot be opened (wrong secret or tampering).
var ErrSealedKey = errors.New("keystore: cannot open sealed key")

// Vault stores and loads name keys.
type Vault struct {
	repo repository.NameKeyRepository
	aead cipher.AEAD
}

// New derives the sealing key from secret.
func New(repo repository.NameKeyRepository, secret string) (*Vault, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("keystore: master secret must be at least %d characters", minSecretLen)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("keystore: deriving key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: creating cipher: %w", err)
	}
	return &Vault{repo: repo, aead: aead}, nil
}

// Store seals key and saves it for (ownerID, nameID).
func (v *Vault) Store(ctx context.Context, ownerID, nameID string, key ed25519.PrivateKey) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, key.Seed(), associatedData(ownerID, nameID))

	if err := v.repo.PutNameKey(ctx, &model.NameKey{OwnerID: ownerID, NameID: nameID, Sealed: sealed}); err != nil {
		return apperror.Naming("storing name key", err)
	}
	return nil
}

// Load returns the key for (ownerID, nameID). A missing key is a naming error.
func (v *Vault) Load(ctx context.Context, ownerID, nameID string) (ed25519.PrivateKey, error) {
	row, err := v.repo.GetNameKey(ctx, ownerID, nameID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Naming("no key stored for name "+nameID, err)
		}
		return nil, apperror.Naming("loading name key", err)
	}

	n := v.aead.NonceSize()
	if len(row.Sealed) < n {
		return nil, apperror.Naming("loading name key", ErrSealedKey)
	}
	seed, err := v.aead.Open(nil, row.Sealed[:n], row.Sealed[n:], associatedData(ownerID, nameID))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, apperror.Naming("loading name key", ErrSealedKey)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func associatedData(ownerID, nameID string) []byte {
	return []byte(ownerID + "\x00" + nameID)
}
