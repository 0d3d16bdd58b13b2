package rm

import (
	"sync"
)

// bus fans events out to subscribers. Publishing never blocks: each
// subscriber has its own unbounded queue drained by a dedicated goroutine,
// so events reach every subscriber in publication order.
type bus struct {
	mutex       sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

type subscriber struct {
	mutex  sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	out  chan Event
	quit chan struct{}
	once sync.Once
}

func newBus() *bus {
	return &bus{subscribers: map[*subscriber]struct{}{}}
}

func (b *bus) subscribe() (<-chan Event, func()) {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		quit: make(chan struct{}),
	}

	b.mutex.Lock()
	if b.closed {
		s.closed = true
	} else {
		b.subscribers[s] = struct{}{}
	}
	b.mutex.Unlock()

	go s.run()

	return s.out, func() {
		b.mutex.Lock()
		delete(b.subscribers, s)
		b.mutex.Unlock()

		s.once.Do(func() { close(s.quit) })
	}
}

func (b *bus) publish(event Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for s := range b.subscribers {
		s.push(event)
	}
}

// close lets every subscriber drain its queue, then closes its channel.
func (b *bus) close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.closed = true
	for s := range b.subscribers {
		s.mutex.Lock()
		s.closed = true
		s.mutex.Unlock()
		s.signal()
	}
	b.subscribers = map[*subscriber]struct{}{}
}

func (s *subscriber) push(event Event) {
	s.mutex.Lock()
	s.queue = append(s.queue, event)
	s.mutex.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		s.mutex.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mutex.Unlock()
			if closed {
				return
			}

			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		event := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mutex.Unlock()

		select {
		case s.out <- event:
		case <-s.quit:
			return
		}
	}
}
