// Package namesvc is a self-certifying mutable name service.
//
// A name is derived from an Ed25519 public key, so anyone can check that a revision
// was signed by the name's owner without asking a third party. Each revision binds
// the name to a value (here "/ipfs/<cid>") at a sequence number; a record store only
// accepts a revision whose sequence is strictly greater than the one it holds.
//
// Typical lifecycle:
//
//	name, _ := namesvc.Create()
//	rev := namesvc.V0(name.ID, "/ipfs/"+cid)
//	svc.Publish(ctx, rev, name.Key)
//	...
//	cur, _ := svc.Resolve(ctx, name.ID)
//	next := namesvc.Increment(cur, "/ipfs/"+newCID)
//	svc.Publish(ctx, next, name.Key)
package namesvc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validity is how long a published revision stays resolvable.
const Validity = 365 * 24 * time.Hour

var (
	ErrNotFound      = errors.New("namesvc: name not found")
	ErrBadSignature  = errors.New("namesvc: invalid revision signature")
	ErrStaleSequence = errors.New("namesvc: revision sequence is not newer than the published one")
	ErrKeyMismatch   = errors.New("namesvc: key does not own name")
	ErrExpired       = errors.New("namesvc: revision expired")
	ErrInvalidName   = errors.New("namesvc: invalid name")
)

// ed25519-pub multicodec, varint encoded.
var keyPrefix = []byte{0xed, 0x01}

var nameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Name is a freshly created name with its signing key.
type Name struct {
	ID  string
	Key ed25519.PrivateKey
}

// Revision binds a name to a value at a sequence number.
type Revision struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Sequence  uint64    `json:"sequence"`
	Validity  time.Time `json:"validity"`
	Signature []byte    `json:"signature,omitempty"`
}

// RecordStore holds the latest accepted revision per name.
type RecordStore interface {
	// Get returns the stored revision or ErrNotFound.
	Get(ctx context.Context, name string) (*Revision, error)

	// Put stores rev if its sequence is greater than the stored one, and returns
	// ErrStaleSequence otherwise. The check and the write are atomic.
	Put(ctx context.Context, rev *Revision) error
}

// Create generates a new name and key pair.
func Create() (*Name, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("namesvc: generating key: %w", err)
	}
	return &Name{ID: NameFromKey(pub), Key: priv}, nil
}

// NameFromKey derives the name of a public key.
func NameFromKey(pub ed25519.PublicKey) string {
	raw := append(append([]byte{}, keyPrefix...), pub...)
	return "k" + strings.ToLower(nameEncoding.EncodeToString(raw))
}

// PublicKey recovers the public key embedded in a name.
func PublicKey(name string) (ed25519.PublicKey, error) {
	if len(name) < 2 || name[0] != 'k' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	raw, err := nameEncoding.DecodeString(strings.ToUpper(name[1:]))
	if err != nil || len(raw) != len(keyPrefix)+ed25519.PublicKeySize || !bytes.HasPrefix(raw, keyPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return ed25519.PublicKey(raw[len(keyPrefix):]), nil
}

// V0 returns the initial, unsigned revision of name.
func V0(name, value string) *Revision {
	return &Revision{
		Name:     name,
		Value:    value,
		Sequence: 0,
		Validity: time.Now().Add(Validity).UTC(),
	}
}

// Increment returns the unsigned revision that follows prev.
func Increment(prev *Revision, value string) *Revision {
	return &Revision{
		Name:     prev.Name,
		Value:    value,
		Sequence: prev.Sequence + 1,
		Validity: time.Now().Add(Validity).UTC(),
	}
}

// IPFSPath is the revision value that points at cid.
func IPFSPath(cid string) string {
	return "/ipfs/" + cid
}

// CIDOf extracts the CID from an "/ipfs/<cid>" revision value.
func CIDOf(rev *Revision) (string, bool) {
	cid, ok := strings.CutPrefix(rev.Value, "/ipfs/")
	return cid, ok && cid != ""
}

// signingBytes is the canonical message covered by a revision signature.
func (r *Revision) signingBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("webdeploy-name-record:")
	buf.WriteString(r.Name)
	buf.WriteByte(0)
	buf.WriteString(r.Value)
	buf.WriteByte(0)
	buf.Write(binary.BigEndian.AppendUint64(nil, r.Sequence))
	buf.Write(binary.BigEndian.AppendUint64(nil, uint64(r.Validity.Unix())))
	return buf.Bytes()
}

// Sign signs the revision in place with key.
func (r *Revision) Sign(key ed25519.PrivateKey) error {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok || NameFromKey(pub) != r.Name {
		return ErrKeyMismatch
	}
	r.Signature = ed25519.Sign(key, r.signingBytes())
	return nil
}

// Verify checks the signature against the key embedded in the name.
func (r *Revision) Verify() error {
	pub, err := PublicKey(r.Name)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, r.signingBytes(), r.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Service publishes and resolves revisions against a record store.
type Service struct {
	store RecordStore
	now   func() time.Time
}

// New creates a Service on store.
func New(store RecordStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Publish signs rev with key and submits it.
func (s *Service) Publish(ctx context.Context, rev *Revision, key ed25519.PrivateKey) error {
	if err := rev.Sign(key); err != nil {
		return err
	}
	return s.Accept(ctx, rev)
}

// Accept submits an already signed revision, as received from another publisher.
func (s *Service) Accept(ctx context.Context, rev *Revision) error {
	if err := rev.Verify(); err != nil {
		return err
	}
	if err := s.store.Put(ctx, rev); err != nil {
		return fmt.Errorf("namesvc: publishing %s seq %d: %w", rev.Name, rev.Sequence, err)
	}
	return nil
}

// Resolve returns the latest valid revision of name.
func (s *Service) Resolve(ctx context.Context, name string) (*Revision, error) {
	rev, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := rev.Verify(); err != nil {
		return nil, err
	}
	if s.now().After(rev.Validity) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, name)
	}
	return rev, nil
}
