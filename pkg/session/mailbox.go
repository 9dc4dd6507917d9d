package session

import "sync"

// mailbox is an unbounded FIFO. Posting never blocks, so link goroutines can hand work to the
// event loop even while the loop is waiting on one of those links.
type mailbox[T any] struct {
	lock   sync.Mutex
	items  []T
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) post(item T) {
	m.lock.Lock()
	m.items = append(m.items, item)
	m.lock.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns every queued item, oldest first.
func (m *mailbox[T]) drain() []T {
	m.lock.Lock()
	defer m.lock.Unlock()
	items := m.items
	m.items = nil
	return items
}

// serve runs handle for each posted item until stop is closed.
func (m *mailbox[T]) serve(stop <-chan struct{}, handle func(T)) {
	for {
		select {
		case <-stop:
			return
		case <-m.signal:
			for _, item := range m.drain() {
				handle(item)
			}
		}
	}
}
