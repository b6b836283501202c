// Package signer provides an in-process signing authority. It holds agent
// keys by caller id and is the only package in the settlement path that
// touches private keys.
package signer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"

	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/chain/stxn"
)

const (
	// DefaultTokenTTL bounds how long a session token may be used to sign.
	DefaultTokenTTL = 5 * time.Minute
	// Issuer is the iss claim on session tokens.
	Issuer = "x402-settle/signer"
)

var (
	ErrUnknownCaller = errors.New("signer: caller is not registered")
	ErrInvalidToken  = errors.New("signer: invalid session token")
)

// Claims are carried in a session token.
type Claims struct {
	jwt.RegisteredClaims
	Address string `json:"addr"`
}

// Config configures a Local authority.
type Config struct {
	// Keys maps caller ids to base58 private keys.
	Keys map[string]string
	// Secret signs session tokens. A random secret is generated when empty.
	Secret   []byte
	TokenTTL time.Duration
}

// Local is a SigningAuthority backed by keys held in memory.
type Local struct {
	keys   map[string]solana.PrivateKey
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Local)

func WithClock(now func() time.Time) Option {
	return func(l *Local) {
		l.now = now
	}
}

// NewLocal parses the configured keys.
func NewLocal(cfg Config, opts ...Option) (*Local, error) {
	l := &Local{
		keys:   make(map[string]solana.PrivateKey, len(cfg.Keys)),
		secret: cfg.Secret,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}
	for callerID, encoded := range cfg.Keys {
		key, err := solana.PrivateKeyFromBase58(encoded)
		if err != nil {
			return nil, fmt.Errorf("signer: key for caller %q: %w", callerID, err)
		}
		l.keys[callerID] = key
	}
	if len(l.secret) == 0 {
		l.secret = make([]byte, 32)
		if _, err := rand.Read(l.secret); err != nil {
			return nil, fmt.Errorf("signer: failed to generate token secret: %w", err)
		}
	}
	if l.ttl == 0 {
		l.ttl = DefaultTokenTTL
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Authenticate issues a session token for a registered caller.
func (l *Local) Authenticate(_ context.Context, callerID string) (string, error) {
	key, ok := l.keys[callerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCaller, callerID)
	}
	now := l.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   callerID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
		},
		Address: key.PublicKey().String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
}

// Sign signs every transaction in group with the key of the token's caller.
// The caller must be the sender of each transaction.
func (l *Local) Sign(_ context.Context, group [][]byte, token string) ([][]byte, error) {
	claims, err := l.verify(token)
	if err != nil {
		return nil, err
	}
	key, ok := l.keys[claims.Subject]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCaller, claims.Subject)
	}
	if key.PublicKey().String() != claims.Address {
		return nil, fmt.Errorf("%w: key rotated since token was issued", ErrInvalidToken)
	}

	signed := make([][]byte, len(group))
	for i, raw := range group {
		txn, err := chain.DecodeTxn(raw)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		st, err := stxn.Sign(key, txn)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		if signed[i], err = st.Encode(); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return signed, nil
}

func (l *Local) verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return l.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
