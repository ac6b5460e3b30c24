package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLocksSerializeSameKey(t *testing.T) {
	locks := newKeyLocks()

	const workers = 16
	const iterations = 100
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				mu := locks.lock("tenant|device|default")
				counter++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestKeyLocksIndependentKeys(t *testing.T) {
	locks := newKeyLocks()

	first := locks.lock("a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		mu := locks.lock("b")
		mu.Unlock()
		close(done)
	}()
	<-done
	first.Unlock()

	// The same mutex instance is handed out for a key.
	again := locks.lock("a")
	assert.Same(t, first, again)
	again.Unlock()
}
