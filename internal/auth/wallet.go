package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/patrickmn/go-cache"
)

// NonceTTL bounds how long a sign-in challenge stays usable.
const NonceTTL = 5 * time.Minute

var (
	ErrInvalidAddress = errors.New("auth: invalid wallet address")
	ErrNoChallenge    = errors.New("auth: no pending sign-in challenge for address")
	ErrBadSignature   = errors.New("auth: signature does not match address")
)

// Challenges issues one-time sign-in messages and verifies personal_sign
// signatures over them.
type Challenges struct {
	mu      sync.Mutex
	pending *cache.Cache // lower-cased address -> message
}

func NewChallenges() *Challenges {
	return &Challenges{pending: cache.New(NonceTTL, 2*NonceTTL)}
}

// Issue creates a fresh challenge for address, replacing any earlier one.
func (c *Challenges) Issue(address string) (nonce, message string, err error) {
	if !common.IsHexAddress(address) {
		return "", "", ErrInvalidAddress
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generating nonce: %w", err)
	}
	nonce = hex.EncodeToString(buf)
	message = SignInMessage(address, nonce)

	c.pending.Set(strings.ToLower(address), message, cache.DefaultExpiration)
	return nonce, message, nil
}

// Verify checks signature against the pending challenge of address and consumes
// the challenge whether or not the signature matches.
func (c *Challenges) Verify(address, signature string) error {
	if !common.IsHexAddress(address) {
		return ErrInvalidAddress
	}
	key := strings.ToLower(address)

	c.mu.Lock()
	v, ok := c.pending.Get(key)
	c.pending.Delete(key)
	c.mu.Unlock()
	if !ok {
		return ErrNoChallenge
	}

	signer, err := RecoverSigner(v.(string), signature)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(address) {
		return ErrBadSignature
	}
	return nil
}

// SignInMessage is the text the wallet is asked to sign.
func SignInMessage(address, nonce string) string {
	return fmt.Sprintf("Sign in to webdeploy\n\nAddress: %s\nNonce: %s", strings.ToLower(address), nonce)
}

// RecoverSigner returns the address that produced an EIP-191 personal_sign
// signature over message. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
