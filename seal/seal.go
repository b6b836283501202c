// Package seal binds a sealed export to its contents. The seal is a BLAKE3
// digest, keyed when a key is configured, over the RFC 8785 canonical JSON of
// the export with its seal field cleared.
package seal

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"

	"github.com/x402-foundation/x402/settle/types"
)

// KeySize is the length of a sealing key.
const KeySize = 32

var (
	ErrMissingSeal  = errors.New("seal: export is not sealed")
	ErrSealMismatch = errors.New("seal: export does not match its seal")
)

// Sealer computes and checks export seals.
type Sealer struct {
	key []byte
}

// New returns a Sealer. A nil key produces unkeyed digests, which detect
// accidental edits but not deliberate ones.
func New(key []byte) (*Sealer, error) {
	if key != nil && len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// NewFromHex parses a hex key. An empty string yields an unkeyed Sealer.
func NewFromHex(s string) (*Sealer, error) {
	if s == "" {
		return New(nil)
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seal: invalid hex key: %w", err)
	}
	return New(key)
}

// Digest returns the seal for export. Any existing seal is ignored.
func (s *Sealer) Digest(export types.SealedExport) (string, error) {
	export.Seal = ""
	raw, err := json.Marshal(export)
	if err != nil {
		return "", fmt.Errorf("seal: failed to marshal export: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("seal: failed to canonicalize export: %w", err)
	}

	var hasher *blake3.Hasher
	if s.key != nil {
		hasher, err = blake3.NewKeyed(s.key)
		if err != nil {
			return "", fmt.Errorf("seal: %w", err)
		}
	} else {
		hasher = blake3.New()
	}
	_, _ = hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Seal stamps export with its seal.
func (s *Sealer) Seal(export *types.SealedExport) error {
	digest, err := s.Digest(*export)
	if err != nil {
		return err
	}
	export.Seal = digest
	return nil
}

// Verify checks that export still matches its seal.
func (s *Sealer) Verify(export types.SealedExport) error {
	if export.Seal == "" {
		return ErrMissingSeal
	}
	want, err := s.Digest(export)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(export.Seal)) != 1 {
		return ErrSealMismatch
	}
	return nil
}
