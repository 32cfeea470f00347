package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgraph/pkg/schema"
)

func testSealer(t *testing.T, seed byte) *AESSealer {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i) + seed
	}
	s, err := NewAESSealer(KeyConfig{MasterKey: key})
	require.NoError(t, err)
	return s
}

func TestAESSealer_RoundTrip(t *testing.T) {
	s := testSealer(t, 0)
	sealed, err := s.Seal("sk-live-123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-live")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", plain)
}

func TestAESSealer_UniqueNonces(t *testing.T) {
	s := testSealer(t, 0)
	a, err := s.Seal("same")
	require.NoError(t, err)
	b, err := s.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESSealer_WrongKey(t *testing.T) {
	sealed, err := testSealer(t, 0).Seal("secret")
	require.NoError(t, err)
	_, err = testSealer(t, 1).Open(sealed)
	assert.Equal(t, schema.ErrCodeSecret, schema.CodeOf(err))
}

func TestAESSealer_Malformed(t *testing.T) {
	s := testSealer(t, 0)
	_, err := s.Open("%%%")
	assert.Equal(t, schema.ErrCodeSecret, schema.CodeOf(err))
	_, err = s.Open("AAAA")
	assert.Equal(t, schema.ErrCodeSecret, schema.CodeOf(err))
}

func TestAESSealer_Passphrase(t *testing.T) {
	cfg := KeyConfig{Passphrase: "hunter2", Salt: []byte("flowgraph-salt"), Iterations: 1000}
	a, err := NewAESSealer(cfg)
	require.NoError(t, err)
	b, err := NewAESSealer(cfg)
	require.NoError(t, err)

	sealed, err := a.Seal("k")
	require.NoError(t, err)
	plain, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "k", plain)
}

func TestAESSealer_KeyErrors(t *testing.T) {
	_, err := NewAESSealer(KeyConfig{MasterKey: []byte(strings.Repeat("x", 16))})
	assert.Equal(t, schema.ErrCodeSecret, schema.CodeOf(err))
	_, err = NewAESSealer(KeyConfig{})
	assert.Equal(t, schema.ErrCodeSecret, schema.CodeOf(err))
	_, err = NewAESSealer(KeyConfig{Passphrase: "p"})
	assert.Equal(t, schema.ErrCodeSecret, schema.CodeOf(err))
}
