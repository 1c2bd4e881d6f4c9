package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// ShortIDBytes is the length of a Reality short ID before hex encoding.
// 8 bytes encode to the 16 hex characters xray expects.
const ShortIDBytes = 8

// Generator produces key material from a cryptographically secure entropy
// source. The zero value is not usable; construct with New.
type Generator struct {
	rand io.Reader
}

// New creates a Generator reading from crypto/rand.
func New() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewWithReader creates a Generator with a custom entropy source.
// Intended for tests; production callers use New.
func NewWithReader(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// GenerateKeypair derives a fresh X25519 keypair and returns both halves
// base64 raw-URL encoded, the format xray prints for Reality keys.
//
// Entropy failure is surfaced as ErrCryptoUnavailable; no fixed substitute
// key is ever returned.
func (g *Generator) GenerateKeypair() (privateKey, publicKey string, err error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(g.rand, priv); err != nil {
		return "", "", fmt.Errorf("%w: reading keypair entropy: %v", types.ErrCryptoUnavailable, err)
	}

	// X25519 scalar clamping
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("%w: deriving public key: %v", types.ErrCryptoUnavailable, err)
	}

	return base64.RawURLEncoding.EncodeToString(priv),
		base64.RawURLEncoding.EncodeToString(pub), nil
}

// PublicFromPrivate re-derives the base64 raw-URL encoded public key from
// an encoded X25519 private key. The inbound document stores only the
// private half; caches and user records need the public one.
func PublicFromPrivate(privateKey string) (string, error) {
	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil || len(priv) != curve25519.ScalarSize {
		return "", fmt.Errorf("%w: private key is not a valid x25519 scalar", types.ErrCryptoUnavailable)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("%w: deriving public key: %v", types.ErrCryptoUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

// GenerateShortID returns a 16-hex-character Reality short ID.
func (g *Generator) GenerateShortID() (string, error) {
	buf := make([]byte, ShortIDBytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("%w: reading short id entropy: %v", types.ErrCryptoUnavailable, err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateShortIDs returns n distinct short IDs.
func (g *Generator) GenerateShortIDs(n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := g.GenerateShortID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GenerateUserID returns a fresh UUID v4 for a client entry.
func (g *Generator) GenerateUserID() (string, error) {
	id, err := uuid.NewRandomFromReader(g.rand)
	if err != nil {
		return "", fmt.Errorf("%w: generating uuid: %v", types.ErrCryptoUnavailable, err)
	}
	return id.String(), nil
}

// GeneratePassword returns a random secret of byteLen entropy bytes,
// base64 encoded. Used for password-authenticated protocols such as
// Shadowsocks.
func (g *Generator) GeneratePassword(byteLen int) (string, error) {
	if byteLen <= 0 {
		byteLen = 16
	}
	buf := make([]byte, byteLen)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("%w: reading password entropy: %v", types.ErrCryptoUnavailable, err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
