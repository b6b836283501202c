package chain

import (
	"crypto/sha512"
	"encoding/base32"
	"fmt"
)

// Digest is a SHA-512/256 hash. Transaction ids and group ids are digests.
type Digest [32]byte

var digestEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Domain separation prefixes for hashed objects.
var (
	txnPrefix   = []byte("TX")
	groupPrefix = []byte("TG")
)

func hashWithPrefix(prefix, data []byte) Digest {
	buf := make([]byte, 0, len(prefix)+len(data))
	buf = append(buf, prefix...)
	buf = append(buf, data...)
	return Digest(sha512.Sum512_256(buf))
}

func (d Digest) String() string {
	return digestEncoding.EncodeToString(d[:])
}

// IsZero reports whether no digest has been assigned.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DigestFromBytes converts a raw 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != len(d) {
		return d, fmt.Errorf("digest must be %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ParseDigest decodes the base32 text form of a digest.
func ParseDigest(s string) (Digest, error) {
	raw, err := digestEncoding.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return DigestFromBytes(raw)
}
