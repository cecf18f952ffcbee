package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutexMap(t *testing.T) {
	t.Run("serializes same key", func(t *testing.T) {
		m := NewMutexMap()
		counter := 0
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Do("ct_1", func() { counter++ })
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, counter)
	})

	t.Run("distinct keys do not block", func(t *testing.T) {
		m := NewMutexMap()
		m.Lock("a")
		done := make(chan struct{})
		go func() {
			m.Do("b", func() {})
			close(done)
		}()
		<-done
		m.Unlock("a")
	})
}
