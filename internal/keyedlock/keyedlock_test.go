package keyedlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLock(t *testing.T) {
	t.Run("serializes same key", func(t *testing.T) {
		kl := New()
		var counter int

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := kl.Lock("path/a")
				defer unlock()
				counter++
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, counter)
		assert.Equal(t, 1, kl.Len())
	})

	t.Run("disjoint keys do not block each other", func(t *testing.T) {
		kl := New()
		unlockA := kl.Lock("path/a")
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlockB := kl.Lock("path/b")
			unlockB()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("lock on a disjoint key blocked")
		}
	})

	t.Run("same mutex is reused per key", func(t *testing.T) {
		kl := New()
		unlock := kl.Lock("x")
		unlock()
		unlock = kl.Lock("x")
		unlock()
		require.Equal(t, 1, kl.Len())
	})
}
