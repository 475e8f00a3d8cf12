// Package monitor is the read-only port through which the streaming loop
// exposes its intermediate frames. The pipeline publishes one Triple per
// cycle; consumers either poll Latest or Subscribe to a bounded stream.
//
// Publish never blocks. A slow subscriber loses its oldest queued triples,
// never the pipeline's time.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"anc/internal/frame"
)

// Triple is the snapshot of one processing cycle. Its frames are immutable.
type Triple struct {
	Seq      uint64
	At       time.Time
	Input    frame.Buffer
	Estimate frame.Buffer
	Residual frame.Buffer
}

// Port fans published triples out to subscribers and remembers the latest.
type Port struct {
	latest atomic.Pointer[Triple]
	subs   atomic.Pointer[[]*Subscription]

	mu        sync.Mutex // serializes subscriber list changes
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewPort returns an empty Port.
func NewPort() *Port {
	p := &Port{}
	p.subs.Store(&[]*Subscription{})
	return p
}

// Publish stores t as the latest triple and offers it to every subscriber.
func (p *Port) Publish(t Triple) {
	p.latest.Store(&t)
	p.published.Add(1)
	for _, s := range *p.subs.Load() {
		if !s.offer(t) {
			p.dropped.Add(1)
		}
	}
}

// Latest returns the most recently published triple.
func (p *Port) Latest() (Triple, bool) {
	t := p.latest.Load()
	if t == nil {
		return Triple{}, false
	}
	return *t, true
}

// Published returns the number of triples published so far.
func (p *Port) Published() uint64 { return p.published.Load() }

// Dropped returns how many deliveries displaced an older queued triple.
func (p *Port) Dropped() uint64 { return p.dropped.Load() }

// Subscribers returns the current subscriber count.
func (p *Port) Subscribers() int { return len(*p.subs.Load()) }

// Subscribe registers a consumer with a queue of depth triples (at least 1).
// Call Close when done.
func (p *Port) Subscribe(depth int) *Subscription {
	if depth < 1 {
		depth = 1
	}
	s := &Subscription{port: p, ch: make(chan Triple, depth), done: make(chan struct{})}

	p.mu.Lock()
	cur := *p.subs.Load()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	p.subs.Store(&next)
	p.mu.Unlock()
	return s
}

func (p *Port) remove(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, o := range cur {
		if o != s {
			next = append(next, o)
		}
	}
	p.subs.Store(&next)
}

// Subscription is one consumer's bounded, drop-oldest queue of triples.
type Subscription struct {
	port *Port
	ch   chan Triple
	done chan struct{}
	once sync.Once
}

// C returns the delivery channel. It is never closed; select on Done too.
func (s *Subscription) C() <-chan Triple { return s.ch }

// Done is closed by Close.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.port.remove(s)
		close(s.done)
	})
}

// offer enqueues t without blocking, evicting the oldest queued triple when
// the queue is full. It reports false when something was evicted.
func (s *Subscription) offer(t Triple) bool {
	select {
	case s.ch <- t:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- t:
	default:
	}
	return false
}
