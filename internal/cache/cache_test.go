package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	t.Run("returns stored value before expiry", func(t *testing.T) {
		m := NewMemory()
		m.Set("views", []string{"default"}, time.Minute)

		got, ok := m.Get("views")
		require.True(t, ok)
		assert.Equal(t, []string{"default"}, got)
	})

	t.Run("drops expired entries on read", func(t *testing.T) {
		m := NewMemory()
		current := time.Unix(1000, 0)
		m.now = func() time.Time { return current }

		m.Set("views", "v", 30*time.Second)
		current = current.Add(time.Minute)

		_, ok := m.Get("views")
		assert.False(t, ok)
		assert.Equal(t, 0, m.Len())
	})

	t.Run("delete removes the key", func(t *testing.T) {
		m := NewMemory()
		m.Set("k", 1, time.Minute)
		m.Delete("k")

		_, ok := m.Get("k")
		assert.False(t, ok)
	})
}
