package keylock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/element-android-sub023/internal/util/keylock"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var (
		locks keylock.Mutex
		wg    sync.WaitGroup
		a, b  int
	)
	counters := map[string]*int{"a": &a, "b": &b}
	for i := 0; i < 50; i++ {
		for key, n := range counters {
			wg.Add(1)
			go func(key string, n *int) {
				defer wg.Done()
				unlock := locks.Lock(key)
				defer unlock()
				v := *n
				*n = v + 1
			}(key, n)
		}
	}
	wg.Wait()

	assert.Equal(t, 50, a)
	assert.Equal(t, 50, b)
	assert.Zero(t, locks.Len(), "released keys are forgotten")
}
