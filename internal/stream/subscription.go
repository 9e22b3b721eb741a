package stream

import (
	"sync"

	"github.com/lynexus/lynexus-agent/internal/agent"
)

// Subscription delivers one run's events. Events arrive on Events in
// emission order and the channel is closed after the terminal event.
// Delivery never blocks the run: events queue until read.
type Subscription struct {
	ConversationID string

	events chan agent.Event
	wake   chan struct{}
	detach chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	queue    []agent.Event
	finished bool
	detached bool
	once     sync.Once

	res *agent.Result
	err error
}

func newSubscription(conversationID string) *Subscription {
	s := &Subscription{
		ConversationID: conversationID,
		events:         make(chan agent.Event),
		wake:           make(chan struct{}, 1),
		detach:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan agent.Event {
	return s.events
}

// Done is closed when the run has ended, whether or not its events were
// read.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Result returns the run's result. It blocks until the run has ended.
func (s *Subscription) Result() (*agent.Result, error) {
	<-s.done
	return s.res, s.err
}

// Close detaches the subscriber: queued and future events are dropped
// and Events is closed. The run itself continues; use
// Multiplexer.Stop to end it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.detached = true
		s.queue = nil
		s.mu.Unlock()
		close(s.detach)
	})
}

func (s *Subscription) push(e agent.Event) {
	s.mu.Lock()
	if s.detached || s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish(res *agent.Result, err error) {
	s.mu.Lock()
	s.finished = true
	s.res, s.err = res, err
	s.mu.Unlock()
	close(s.done)
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.events <- e:
			case <-s.detach:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}
		select {
		case <-s.wake:
		case <-s.detach:
			return
		}
	}
}
