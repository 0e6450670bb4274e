package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSameNameSerializes(t *testing.T) {
	l := New(8)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "peer")
			if err != nil {
				t.Error(err)
				return
			}

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestLockHonoursContext(t *testing.T) {
	l := New(1)
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// A single stripe means every name collides.
	_, err = l.Lock(ctx, "b")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIndexStable(t *testing.T) {
	l := New(0)
	require.Len(t, l.stripes, DefaultStripes)
	require.Equal(t, l.index("x"), l.index("x"))
}
