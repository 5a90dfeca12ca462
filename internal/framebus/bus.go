// Package framebus fans accepted frames out to display observers without
// ever blocking the publisher.
//
// Two subscription styles exist:
//   - Subscribe: caller-owned channel, frames dropped when it is full (DropNew)
//   - SubscribeLatest: a receiver that only ever holds the newest frame (DropOld)
package framebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed          = errors.New("framebus: bus is closed")
	ErrSubscriberExists   = errors.New("framebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")
	ErrNilChannel         = errors.New("framebus: nil channel provided")
	ErrReceiverClosed     = errors.New("framebus: receiver is closed")
)

// Frame is one JPEG payload accepted by the connection controller.
type Frame struct {
	// Seq is monotonic per session and only meaningful for diagnostics.
	Seq uint64
	// SessionID identifies the stream session that produced the frame.
	SessionID string
	// Generation is the controller generation of that session.
	Generation uint64
	Timestamp  time.Time
	// Width and Height are best-effort; zero when unknown.
	Width       int
	Height      int
	ContentType string
	Data        []byte
}

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	// DropNew drops the incoming frame when the subscriber channel is full.
	DropNew DropPolicy = iota
	// DropOld replaces the held frame with the incoming one.
	DropOld
)

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats is a bus-wide snapshot.
type Stats struct {
	Published   uint64                     `json:"published"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- Frame
	latest *Receiver
}

// Bus distributes frames to subscribers. The zero value is not usable; call
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	last        atomic.Pointer[Frame]
	closed      bool
}

// New returns an open bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch under id with the DropNew policy.
func (b *Bus) Subscribe(id string, ch chan<- Frame) error {
	if ch == nil {
		return ErrNilChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers id with the DropOld policy and returns its
// receiver.
func (b *Bus) SubscribeLatest(id string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	r := newReceiver()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: r}
	return r, nil
}

// Publish delivers frame to every subscriber without blocking.
func (b *Bus) Publish(frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	b.last.Store(&frame)

	for _, s := range b.subscribers {
		switch s.policy {
		case DropNew:
			select {
			case s.ch <- frame:
				s.sent.Add(1)
			default:
				s.dropped.Add(1)
			}
		case DropOld:
			if s.latest.set(frame) {
				s.dropped.Add(1)
			}
			s.sent.Add(1)
		}
	}
}

// Latest returns the most recently published frame.
func (b *Bus) Latest() (Frame, bool) {
	f := b.last.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// ClearLatest forgets the most recently published frame.
func (b *Bus) ClearLatest() {
	b.last.Store(nil)
}

// Unsubscribe removes id. Its receiver, if any, is closed; a channel is left
// to its owner.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns delivery counters for every subscriber.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		out.Subscribers[id] = SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
	}
	return out
}

// Close shuts the bus down and closes all receivers. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subscribers = nil
}

// Receiver holds the newest frame for a DropOld subscriber.
type Receiver struct {
	mu      sync.Mutex
	frame   *Frame
	pending bool
	notify  chan struct{}
	closed  bool
}

func newReceiver() *Receiver {
	return &Receiver{notify: make(chan struct{}, 1)}
}

// set stores frame and reports whether an unread frame was overwritten.
func (r *Receiver) set(frame Frame) (overwrote bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	overwrote = r.pending
	r.frame = &frame
	r.pending = true
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return overwrote
}

// Receive blocks until an unread frame is available, ctx is done or the
// receiver is closed.
func (r *Receiver) Receive(ctx context.Context) (Frame, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return Frame{}, ErrReceiverClosed
		}
		if r.pending {
			r.pending = false
			f := *r.frame
			r.mu.Unlock()
			return f, nil
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// TryReceive returns the newest frame, read or not, without blocking.
func (r *Receiver) TryReceive() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frame == nil || r.closed {
		return Frame{}, false
	}
	r.pending = false
	return *r.frame, true
}

// Close wakes any blocked Receive. Idempotent.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.notify)
}
