package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticPool(n int) *Pool {
	handles := make([]*Handle, n)
	for i := range handles {
		handles[i] = &Handle{}
	}
	return newStatic(handles)
}

func TestPoolCountingInvariant(t *testing.T) {
	p := staticPool(4)
	assert.Equal(t, 4, p.Cap())
	assert.Equal(t, 4, p.Free())
	assert.Equal(t, 0, p.InUse())

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, p.Free())
	assert.Equal(t, 2, p.InUse())
	assert.Equal(t, p.Cap(), p.Free()+p.InUse())

	h1.Release()
	assert.Equal(t, 3, p.Free())
	h2.Release()
	assert.Equal(t, 4, p.Free())
	assert.Equal(t, 0, p.InUse())
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	p := staticPool(1)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Handle)
	go func() {
		h2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		got <- h2
	}()

	select {
	case <-got:
		t.Fatal("acquire should block while the pool is empty")
	case <-time.After(20 * time.Millisecond):
	}

	h.Release()
	h2 := <-got
	assert.NotNil(t, h2)
	h2.Release()
	assert.Equal(t, 1, p.Free())
}

func TestPoolAcquireContextCancel(t *testing.T) {
	p := staticPool(1)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolWithReleasesOnPanic(t *testing.T) {
	p := staticPool(1)

	func() {
		defer func() { recover() }()
		p.With(context.Background(), func(h *Handle) error {
			panic("handler blew up")
		})
	}()

	assert.Equal(t, 1, p.Free(), "panicked guard must still release")
	assert.Equal(t, 0, p.InUse())
}

func TestPoolManyWaitersAllProceed(t *testing.T) {
	p := staticPool(2)
	const waiters = 16

	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(h *Handle) error {
				time.Sleep(time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, p.Free())
	assert.Equal(t, 0, p.InUse())
}
