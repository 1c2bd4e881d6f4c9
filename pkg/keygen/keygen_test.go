package keygen

import (
	"encoding/base64"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// failingReader always errors, simulating a dead entropy source.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy source offline")
}

func TestGenerateKeypair(t *testing.T) {
	g := New()

	priv, pub, err := g.GenerateKeypair()
	require.NoError(t, err)

	// 32 bytes base64 raw-URL encoded is 43 characters
	assert.Len(t, priv, 43)
	assert.Len(t, pub, 43)
	assert.NotEqual(t, priv, pub)

	privRaw, err := base64.RawURLEncoding.DecodeString(priv)
	require.NoError(t, err)
	require.Len(t, privRaw, 32)

	// Clamped scalar bits
	assert.Zero(t, privRaw[0]&7)
	assert.Zero(t, privRaw[31]&128)
	assert.EqualValues(t, 64, privRaw[31]&64)
}

func TestGenerateKeypair_Distinct(t *testing.T) {
	g := New()

	_, pub1, err := g.GenerateKeypair()
	require.NoError(t, err)
	_, pub2, err := g.GenerateKeypair()
	require.NoError(t, err)

	assert.NotEqual(t, pub1, pub2)
}

func TestGenerateKeypair_CryptoUnavailable(t *testing.T) {
	g := NewWithReader(failingReader{})

	_, _, err := g.GenerateKeypair()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCryptoUnavailable))
}

func TestPublicFromPrivate(t *testing.T) {
	g := New()

	priv, pub, err := g.GenerateKeypair()
	require.NoError(t, err)

	derived, err := PublicFromPrivate(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestPublicFromPrivate_Invalid(t *testing.T) {
	_, err := PublicFromPrivate("not a key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCryptoUnavailable))
}

func TestGenerateShortID(t *testing.T) {
	g := New()

	id, err := g.GenerateShortID()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), id)
}

func TestGenerateShortIDs(t *testing.T) {
	g := New()

	ids, err := g.GenerateShortIDs(3)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}

func TestGenerateUserID(t *testing.T) {
	g := New()

	id, err := g.GenerateUserID()
	require.NoError(t, err)
	assert.Regexp(t,
		regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`),
		id)
}

func TestGenerateUserID_CryptoUnavailable(t *testing.T) {
	g := NewWithReader(failingReader{})

	_, err := g.GenerateUserID()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCryptoUnavailable))
}

func TestGeneratePassword(t *testing.T) {
	g := New()

	pw, err := g.GeneratePassword(16)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(pw)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}
