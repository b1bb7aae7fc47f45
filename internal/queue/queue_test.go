package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/rtsp-reader/internal/track"
)

func unit(i int) *track.AccessUnit {
	return &track.AccessUnit{Payload: []byte{byte(i)}}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(4)

	for i := 0; i < 3; i++ {
		assert.False(t, q.Push(unit(i)))
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		au, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, au.Payload)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DiscardOldest(t *testing.T) {
	const capacity = 8
	q := New(capacity)

	evictions := 0
	for i := 0; i < capacity+1; i++ {
		if q.Push(unit(i)) {
			evictions++
		}
	}

	assert.Equal(t, 1, evictions)
	assert.Equal(t, capacity, q.Len())

	for i := 1; i <= capacity; i++ {
		au, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, au.Payload)
	}
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := New(0)
	for i := 0; i <= DefaultCapacity; i++ {
		q.Push(unit(i))
	}
	assert.Equal(t, DefaultCapacity, q.Len())

	au, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, au.Payload)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New(2)

	res := make(chan *track.AccessUnit, 1)
	go func() {
		au, _ := q.Pop(context.Background())
		res <- au
	}()

	select {
	case <-res:
		assert.Fail(t, "pop returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(unit(7))

	select {
	case au := <-res:
		assert.Equal(t, []byte{7}, au.Payload)
	case <-time.After(time.Second):
		assert.Fail(t, "pop not woken by push")
	}
}

func TestQueue_CloseWakesWaiters(t *testing.T) {
	q := New(2)
	errClosed := errors.New("closed")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close(errClosed)
	q.Close(errors.New("ignored"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "waiters not woken by close")
	}

	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, errClosed)
	}

	assert.False(t, q.Push(unit(1)))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DrainAfterClose(t *testing.T) {
	q := New(2)
	q.Push(unit(1))
	q.Close(context.Canceled)

	au, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, au.Payload)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_PopContext(t *testing.T) {
	q := New(2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ConcurrentNoLoss(t *testing.T) {
	const n = 1000
	q := New(n)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				q.Push(unit(i))
			}
		}()
	}

	received := make(chan int, 1)
	go func() {
		count := 0
		for {
			_, err := q.Pop(context.Background())
			if err != nil {
				received <- count
				return
			}
			count++
		}
	}()

	wg.Wait()
	q.Close(errors.New("done"))

	select {
	case count := <-received:
		assert.Equal(t, n, count)
	case <-time.After(2 * time.Second):
		assert.Fail(t, "consumer stuck")
	}
}
