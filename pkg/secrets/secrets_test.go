package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox(t *testing.T) {
	t.Run("Seal and Open", func(t *testing.T) {
		b, err := New("correct horse battery staple")
		require.NoError(t, err)

		original := map[string]string{"appId": "a-1", "passwordHash": "abc123"}
		sealed, err := b.Seal(t.Context(), original)
		require.NoError(t, err)
		assert.NotEmpty(t, sealed)
		assert.False(t, bytes.Contains(sealed, []byte("abc123")))

		opened, err := b.Open(t.Context(), sealed)
		require.NoError(t, err)
		assert.Equal(t, original, opened)
	})

	t.Run("Nonce Differs", func(t *testing.T) {
		b, err := New("k")
		require.NoError(t, err)
		m := map[string]string{"a": "b"}
		s1, err := b.Seal(t.Context(), m)
		require.NoError(t, err)
		s2, err := b.Seal(t.Context(), m)
		require.NoError(t, err)
		assert.NotEqual(t, s1, s2)
	})

	t.Run("Wrong Key Fails", func(t *testing.T) {
		b1, err := New("one")
		require.NoError(t, err)
		b2, err := New("two")
		require.NoError(t, err)

		sealed, err := b1.Seal(t.Context(), map[string]string{"a": "b"})
		require.NoError(t, err)
		_, err = b2.Open(t.Context(), sealed)
		assert.Error(t, err)
	})

	t.Run("Missing Key Fails", func(t *testing.T) {
		b, err := New("")
		require.NoError(t, err)
		_, err = b.Seal(t.Context(), map[string]string{"a": "b"})
		assert.ErrorIs(t, err, ErrNoKey)
		_, err = b.Open(t.Context(), []byte("0123456789abcdef0123"))
		assert.ErrorIs(t, err, ErrNoKey)
	})

	t.Run("Empty", func(t *testing.T) {
		b, err := New("k")
		require.NoError(t, err)
		sealed, err := b.Seal(t.Context(), nil)
		require.NoError(t, err)
		assert.Nil(t, sealed)
		opened, err := b.Open(t.Context(), nil)
		require.NoError(t, err)
		assert.Empty(t, opened)
	})

	t.Run("Malformed", func(t *testing.T) {
		b, err := New("k")
		require.NoError(t, err)
		_, err = b.Open(t.Context(), []byte("short"))
		assert.Error(t, err)
	})
}
