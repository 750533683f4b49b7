package transport

import (
	"context"
	"iter"
	"sync"
)

// inbox buffers inbound frames between a transport's reader and the single
// Receive consumer. close marks a local close; fail records the terminal
// error of a peer drop.
type inbox struct {
	frames chan []byte
	done   chan struct{}
	failed chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
	err       error
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = 64
	}
	return &inbox{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// deliver queues a frame, blocking while the buffer is full. It reports
// false once the inbox is closed or ctx is done.
func (b *inbox) deliver(ctx context.Context, frame []byte) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.frames <- frame:
		return true
	case <-b.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (b *inbox) fail(err error) {
	b.failOnce.Do(func() {
		b.err = err
		close(b.failed)
	})
}

func (b *inbox) close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *inbox) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *inbox) isFailed() bool {
	select {
	case <-b.failed:
		return true
	default:
		return false
	}
}

func (b *inbox) receive(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			if b.isClosed() {
				return
			}
			select {
			case <-b.done:
				return
			case <-ctx.Done():
				return
			case frame := <-b.frames:
				if b.isClosed() || !yield(frame, nil) {
					return
				}
			case <-b.failed:
				// frames queued before the drop are still delivered
				for {
					select {
					case frame := <-b.frames:
						if b.isClosed() || !yield(frame, nil) {
							return
						}
					default:
						if !b.isClosed() {
							yield(nil, b.err)
						}
						return
					}
				}
			}
		}
	}
}
