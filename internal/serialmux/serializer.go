package serialmux

import (
	"context"
	"errors"
	"sync"
)

// ErrSerializerClosed is returned by Enqueue once Close has been called.
var ErrSerializerClosed = errors.New("serializer closed")

// Op is one unit of exclusive work on the link.
type Op func(*Link) error

type request struct {
	op   Op
	done chan error
}

// Serializer runs link operations one at a time through a single-slot
// queue. A producer blocks while the slot is taken and again until its own
// operation has finished, so callers are throttled to the link's pace.
type Serializer struct {
	link    *Link
	queue   chan request
	closing chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// NewSerializer binds a serializer to link. Run must be started for
// enqueued operations to execute.
func NewSerializer(link *Link) *Serializer {
	return &Serializer{
		link:    link,
		queue:   make(chan request, 1),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Link returns the serialized link. Only read-only, concurrency-safe parts
// such as Stats may be used outside an Op.
func (s *Serializer) Link() *Link { return s.link }

// Enqueue waits for the slot, then for op to finish, and returns op's error.
// ctx only bounds the wait for the slot; once accepted an op always runs.
func (s *Serializer) Enqueue(ctx context.Context, op Op) error {
	select {
	case <-s.closing:
		return ErrSerializerClosed
	default:
	}

	req := request{op: op, done: make(chan error, 1)}
	select {
	case s.queue <- req:
	case <-s.closing:
		return ErrSerializerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-s.exited:
		// The worker may have answered just before exiting.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrSerializerClosed
		}
	}
}

// Run executes queued operations until Close is called or ctx is done, then
// drains whatever is still queued and returns.
func (s *Serializer) Run(ctx context.Context) error {
	defer close(s.exited)
	for {
		select {
		case req := <-s.queue:
			req.done <- req.op(s.link)
		case <-ctx.Done():
			s.Close()
			s.drain()
			return ctx.Err()
		case <-s.closing:
			s.drain()
			return nil
		}
	}
}

func (s *Serializer) drain() {
	for {
		select {
		case req := <-s.queue:
			req.done <- req.op(s.link)
		default:
			return
		}
	}
}

// Close stops intake. Operations already queued still run.
func (s *Serializer) Close() {
	s.once.Do(func() { close(s.closing) })
}

// Done is closed once Run has returned.
func (s *Serializer) Done() <-chan struct{} { return s.exited }
