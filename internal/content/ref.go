package content

import (
	"errors"
	"fmt"

	"escrow-service/internal/domain"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Multihash header for a 32-byte BLAKE3 digest. Refs are the base58
// encoding of header||digest, the same shape IPFS uses for CIDv0.
const (
	multihashBlake3 = 0x1e
	digestSize      = 32
)

var ErrDigestMismatch = errors.New("content digest mismatch")

// Digest is the BLAKE3-256 digest of a blob.
type Digest [digestSize]byte

func Sum(data []byte) Digest {
	return blake3.Sum256(data)
}

// Ref encodes the digest as an opaque content reference.
func (d Digest) Ref() string {
	buf := make([]byte, 0, 2+digestSize)
	buf = append(buf, multihashBlake3, digestSize)
	buf = append(buf, d[:]...)
	return base58.Encode(buf)
}

// RefOf returns the content reference of data.
func RefOf(data []byte) string {
	return Sum(data).Ref()
}

// ParseRef decodes a reference produced by Ref.
func ParseRef(ref string) (Digest, error) {
	var d Digest
	raw, err := base58.Decode(ref)
	if err != nil {
		return d, fmt.Errorf("%w: %v", domain.ErrInvalidContentRef, err)
	}
	if len(raw) != 2+digestSize || raw[0] != multihashBlake3 || raw[1] != digestSize {
		return d, domain.ErrInvalidContentRef
	}
	copy(d[:], raw[2:])
	return d, nil
}

// Verify checks that data hashes to ref.
func Verify(ref string, data []byte) error {
	want, err := ParseRef(ref)
	if err != nil {
		return err
	}
	if Sum(data) != want {
		return ErrDigestMismatch
	}
	return nil
}
