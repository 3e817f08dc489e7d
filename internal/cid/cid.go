// Package cid computes and parses content identifiers.
//
// A CID here is always version 1 with the raw codec, rendered in lowercase base32
// with the "b" multibase prefix, the same shape public IPFS gateways accept
// ("bafkrei..." for sha2-256, "bafkr4i..." for blake3).
//
//	<multibase "b"> base32( varint(1) varint(0x55) varint(hash code) varint(len) digest )
package cid

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Multicodec and multihash codes used by this package.
const (
	version  = 1
	codecRaw = 0x55

	// SHA256 is the sha2-256 multihash code.
	SHA256 uint64 = 0x12
	// BLAKE3 is the blake3 multihash code.
	BLAKE3 uint64 = 0x1e
)

const digestSize = 32

// ErrInvalid is returned by Parse for strings that are not a supported CID.
var ErrInvalid = errors.New("cid: invalid content identifier")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CID is a parsed content identifier.
type CID struct {
	HashCode uint64
	Digest   []byte
}

// Hasher turns content into a CID.
type Hasher struct {
	code uint64
}

// NewHasher returns a Hasher for the named multihash ("sha2-256" or "blake3").
func NewHasher(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case "", "sha2-256", "sha256":
		return Hasher{code: SHA256}, nil
	case "blake3":
		return Hasher{code: BLAKE3}, nil
	default:
		return Hasher{}, fmt.Errorf("cid: unsupported hash %q", name)
	}
}

// Sum returns the CID of data.
func (h Hasher) Sum(data []byte) CID {
	var digest [digestSize]byte
	switch h.code {
	case BLAKE3:
		digest = blake3.Sum256(data)
	default:
		digest = sha256.Sum256(data)
	}
	code := h.code
	if code == 0 {
		code = SHA256
	}
	return CID{HashCode: code, Digest: digest[:]}
}

// Of returns the string CID of data using sha2-256.
func Of(data []byte) string {
	return Hasher{code: SHA256}.Sum(data).String()
}

// Bytes returns the binary form of the CID.
func (c CID) Bytes() []byte {
	buf := make([]byte, 0, 4+binary.MaxVarintLen64+len(c.Digest))
	buf = binary.AppendUvarint(buf, version)
	buf = binary.AppendUvarint(buf, codecRaw)
	buf = binary.AppendUvarint(buf, c.HashCode)
	buf = binary.AppendUvarint(buf, uint64(len(c.Digest)))
	return append(buf, c.Digest...)
}

// String renders the CID as base32 multibase text.
func (c CID) String() string {
	return "b" + strings.ToLower(encoding.EncodeToString(c.Bytes()))
}

// Equal reports whether two CIDs name the same content.
func (c CID) Equal(o CID) bool {
	return c.HashCode == o.HashCode && bytes.Equal(c.Digest, o.Digest)
}

// Verify reports whether data hashes to c.
func (c CID) Verify(data []byte) bool {
	return Hasher{code: c.HashCode}.Sum(data).Equal(c)
}

// Parse decodes a base32 CIDv1 string produced by String.
func Parse(s string) (CID, error) {
	if len(s) < 2 || s[0] != 'b' {
		return CID{}, fmt.Errorf("%w: %q: missing base32 prefix", ErrInvalid, s)
	}
	raw, err := encoding.DecodeString(strings.ToUpper(s[1:]))
	if err != nil {
		return CID{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}

	r := bytes.NewReader(raw)
	fields := make([]uint64, 4)
	for i := range fields {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return CID{}, fmt.Errorf("%w: %q: truncated header", ErrInvalid, s)
		}
		fields[i] = v
	}
	if fields[0] != version || fields[1] != codecRaw {
		return CID{}, fmt.Errorf("%w: %q: unsupported version or codec", ErrInvalid, s)
	}
	if fields[2] != SHA256 && fields[2] != BLAKE3 {
		return CID{}, fmt.Errorf("%w: %q: unsupported hash 0x%x", ErrInvalid, s, fields[2])
	}
	if fields[3] != digestSize || uint64(r.Len()) != fields[3] {
		return CID{}, fmt.Errorf("%w: %q: bad digest length", ErrInvalid, s)
	}

	digest := make([]byte, digestSize)
	copy(digest, raw[len(raw)-digestSize:])
	return CID{HashCode: fields[2], Digest: digest}, nil
}

// Valid reports whether s parses as a CID.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
