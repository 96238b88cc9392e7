package serialmux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func startSerializer(t *testing.T) (*Serializer, *TestableSerialPort) {
	t.Helper()
	link, port, _ := newTestLink(t)
	s := NewSerializer(link)
	go s.Run(context.Background())
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})
	return s, port
}

func TestSerializer_StrictOrdering(t *testing.T) {
	s, _ := startSerializer(t)

	const n = 20
	var (
		active     atomic.Int32
		overlapped atomic.Bool
		mu         sync.Mutex
		finished   []time.Time
		wg         sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Enqueue(context.Background(), func(*Link) error {
				if active.Inc() > 1 {
					overlapped.Store(true)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				finished = append(finished, time.Now())
				mu.Unlock()
				active.Dec()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.False(t, overlapped.Load(), "two operations ran at once")
	require.Len(t, finished, n)
	for i := 1; i < n; i++ {
		assert.True(t, finished[i].After(finished[i-1]), "completion %d not after %d", i, i-1)
	}
}

func TestSerializer_ReturnsOpError(t *testing.T) {
	s, port := startSerializer(t)
	want := errors.New("no ack")

	err := s.Enqueue(context.Background(), func(l *Link) error {
		if err := l.Write([]byte{'Y'}); err != nil {
			return err
		}
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.Equal(t, []byte{'Y'}, port.GetWrittenData())
}

func TestSerializer_Backpressure(t *testing.T) {
	s, _ := startSerializer(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go s.Enqueue(context.Background(), func(*Link) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// The worker is busy; this one takes the single queue slot.
	queued := make(chan error, 1)
	go func() { queued <- s.Enqueue(context.Background(), func(*Link) error { return nil }) }()
	require.Eventually(t, func() bool { return len(s.queue) == 1 }, time.Second, time.Millisecond)

	// With the slot taken a third producer blocks until its context ends.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Enqueue(ctx, func(*Link) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.NoError(t, <-queued)
}

func TestSerializer_CloseDrainsQueue(t *testing.T) {
	link, _, _ := newTestLink(t)
	s := NewSerializer(link)
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	release := make(chan struct{})
	started := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- s.Enqueue(context.Background(), func(*Link) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran := atomic.NewBool(false)
	second := make(chan error, 1)
	go func() {
		second <- s.Enqueue(context.Background(), func(*Link) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return len(s.queue) == 1 }, time.Second, time.Millisecond)

	s.Close()
	close(release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.True(t, ran.Load(), "queued operation was dropped on close")
	assert.NoError(t, <-runErr)

	err := s.Enqueue(context.Background(), func(*Link) error { return nil })
	assert.ErrorIs(t, err, ErrSerializerClosed)
}

func TestSerializer_ContextCancelStopsWorker(t *testing.T) {
	link, _, _ := newTestLink(t)
	s := NewSerializer(link)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	require.NoError(t, s.Enqueue(ctx, func(*Link) error { return nil }))
	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
	assert.ErrorIs(t, s.Enqueue(context.Background(), func(*Link) error { return nil }), ErrSerializerClosed)
}
