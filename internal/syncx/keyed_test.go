package syncx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var (
		km      KeyedMutex
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("intent-a")
			v := counter
			counter = v + 1
			km.Unlock("intent-a")
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Zero(t, km.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	var km KeyedMutex
	km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done
	require.Equal(t, 1, km.Len())
	km.Unlock("a")
	require.Zero(t, km.Len())
}

func TestKeyedMutexWith(t *testing.T) {
	var km KeyedMutex
	err := km.With("a", func() error {
		require.Equal(t, 1, km.Len())
		return nil
	})
	require.NoError(t, err)
	require.Panics(t, func() { km.Unlock("a") })
}
