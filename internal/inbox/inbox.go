// ABOUTME: Bridges push-style message delivery into a pull-style sequence.
// ABOUTME: Single parked-waiter handoff avoids a buffering round-trip for a waiting consumer.

package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Push and Next once the inbox has been closed.
var ErrClosed = errors.New("inbox closed")

// ErrBusy is returned by Next when another consumer is already parked.
// The inbox supports at most one active consumer at a time.
var ErrBusy = errors.New("inbox already has a parked consumer")

// Message is a single queued user message.
type Message struct {
	ID        string
	Content   string
	Timestamp time.Time
}

// Inbox converts push-style Push calls into a pull-style sequence consumed
// by exactly one consumer. Messages are delivered in push order, exactly
// once. A Push that finds the consumer parked hands the message directly to
// it instead of staging it through the FIFO.
type Inbox struct {
	mu     sync.Mutex
	queue  []Message
	waiter chan Message // non-nil while a consumer is parked, capacity 1
	closed bool
}

// New creates an empty, open inbox.
func New() *Inbox {
	return &Inbox{}
}

// Push enqueues a message and returns its assigned id.
// If a consumer is parked in Next, the message bypasses the FIFO and is
// handed to it directly.
func (b *Inbox) Push(content string) (Message, error) {
	msg := Message{
		ID:        uuid.New().String(),
		Content:   content,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}

	if b.waiter != nil {
		w := b.waiter
		b.waiter = nil
		b.mu.Unlock()
		w <- msg // capacity 1, never blocks
		return msg, nil
	}

	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	return msg, nil
}

// Next returns the next message, blocking until one is pushed, the inbox is
// closed, or ctx is cancelled. Returns ErrClosed when the sequence has ended.
func (b *Inbox) Next(ctx context.Context) (Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}
	if len(b.queue) > 0 {
		msg := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return msg, nil
	}
	if b.waiter != nil {
		b.mu.Unlock()
		return Message{}, ErrBusy
	}

	w := make(chan Message, 1)
	b.waiter = w
	b.mu.Unlock()

	select {
	case msg, ok := <-w:
		if !ok {
			// Close cancelled the parked waiter; end of stream.
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.waiter == w {
			b.waiter = nil
		}
		b.mu.Unlock()
		// A push may have won the race before the waiter was cleared.
		select {
		case msg, ok := <-w:
			if ok {
				return msg, nil
			}
		default:
		}
		return Message{}, ctx.Err()
	}
}

// Messages returns a channel yielding messages in push order until the inbox
// is closed or ctx is cancelled, at which point the channel is closed. It
// starts the single consumer of the inbox; callers must not also call Next.
func (b *Inbox) Messages(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			msg, err := b.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close marks the inbox closed, drops any queued messages, and cancels a
// parked consumer. Any consumer simply sees end-of-stream; no error escapes
// past the boundary. Idempotent.
func (b *Inbox) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	w := b.waiter
	b.waiter = nil
	b.mu.Unlock()

	if w != nil {
		close(w)
	}
}

// Closed reports whether Close has been called.
func (b *Inbox) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of messages staged in the FIFO.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
