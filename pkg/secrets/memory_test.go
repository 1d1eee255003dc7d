package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider(t *testing.T) {
	m := NewMemoryProvider(map[string]string{"sec1": "val1", "sec2": "val2", "other": "val3"})

	t.Run("get existing secret", func(t *testing.T) {
		val, err := m.Get("sec1")
		assert.NoError(t, err)
		assert.Equal(t, "val1", val)
	})

	t.Run("get non-existing secret", func(t *testing.T) {
		_, err := m.Get("sec3")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set and list", func(t *testing.T) {
		require.NoError(t, m.Set("sec3", "val4"))
		keys, err := m.List("sec")
		require.NoError(t, err)
		assert.Equal(t, []string{"sec1", "sec2", "sec3"}, keys)
		keys, err = m.List("*")
		require.NoError(t, err)
		assert.Equal(t, []string{"other", "sec1", "sec2", "sec3"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, m.Delete("sec3"))
		assert.ErrorIs(t, m.Delete("sec3"), ErrNotFound)
	})
}
