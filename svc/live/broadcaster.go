// Package live fans note updates out to the viewers currently watching them.
// Delivery is best effort: a viewer that cannot keep up is disconnected
// rather than allowed to slow the publisher down.
package live

import (
	"sync"
	"time"

	"pingnote/metrics"
	"pingnote/pkg/domain"
	"pingnote/svc/util"

	"golang.org/x/time/rate"
)

const (
	EventConnected = "connected"
	EventUpdate    = "update"

	DefaultBuffer = 16
)

type Event struct {
	Type      string              `json:"type"`
	Payload   *domain.NotePayload `json:"payload,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

func NewEvent(typ string, payload *domain.NotePayload) Event {
	return Event{Type: typ, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

type Subscription struct {
	token string
	ch    chan Event
	b     *Broadcaster
	once  sync.Once
}

// C delivers events until the subscription is closed, either by the
// subscriber or because it fell behind.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Token() string {
	return s.token
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

// Broadcaster is a registry of token -> subscribers. The zero value is not
// usable; construct with New.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	warn   rate.Sometimes
}

func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		warn:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func (b *Broadcaster) Subscribe(token string) *Subscription {
	s := &Subscription{
		token: token,
		ch:    make(chan Event, b.buffer),
		b:     b,
	}
	b.mu.Lock()
	set, ok := b.subs[token]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[token] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	metrics.LiveSubscribers.Inc()
	return s
}

func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

// removeLocked detaches s and closes its channel exactly once.
func (b *Broadcaster) removeLocked(s *Subscription) {
	s.once.Do(func() {
		if set, ok := b.subs[s.token]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.token)
			}
		}
		close(s.ch)
		metrics.LiveSubscribers.Dec()
	})
}

// Publish hands ev to every subscriber of token without blocking and returns
// how many received it. Subscribers with a full buffer are dropped.
func (b *Broadcaster) Publish(token string, ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for s := range b.subs[token] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			b.removeLocked(s)
			metrics.LiveDropped.Inc()
			b.warn.Do(func() {
				util.Warn().Str("token", util.RedactToken(token)).Msg("live subscriber fell behind, dropped")
			})
		}
	}
	metrics.LiveDelivered.Add(float64(delivered))
	return delivered
}

func (b *Broadcaster) Subscribers(token string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[token])
}

// Shutdown closes every subscription.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for s := range set {
			b.removeLocked(s)
		}
	}
}
