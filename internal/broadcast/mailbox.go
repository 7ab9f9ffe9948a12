package broadcast

import "sync"

// Mailbox is an unbounded FIFO feeding a channel. Push never blocks, so a
// slow consumer cannot stall the producer or reorder messages.
type Mailbox struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool

	notify chan struct{}
	out    chan []byte
	done   chan struct{}
}

// NewMailbox starts a mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan []byte),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Out is closed after Close.
func (m *Mailbox) Out() <-chan []byte {
	return m.out
}

// Push enqueues data. Pushes after Close are dropped.
func (m *Mailbox) Push(data []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, data)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of undelivered messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close discards undelivered messages and closes Out.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *Mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}
		next := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- next:
		case <-m.done:
			return
		}
	}
}
