package events

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// Handler receives events for a subscription.
type Handler func(Event)

// CancelFunc removes a subscription. Calling it more than once is a no-op.
type CancelFunc func()

type listener struct {
	handler Handler
}

type filterSet map[KindFilter]map[*listener]struct{}

// Bus fans call lifecycle events out to listeners keyed by call id and kind.
// Handlers run synchronously on the publishing goroutine, outside the bus lock.
type Bus struct {
	mu       sync.RWMutex
	calls    map[string]filterSet
	wildcard filterSet
	now      func() time.Time
	logger   *logger.Logger
}

// Stats summarizes the subscription table.
type Stats struct {
	TotalCalls     int            `json:"total_calls"`
	TotalListeners int            `json:"total_listeners"`
	PerCall        map[string]int `json:"per_call"`
	Wildcard       int            `json:"wildcard"`
}

// NewBus constructs an empty bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{
		calls:    map[string]filterSet{},
		wildcard: filterSet{},
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.Named("events"),
	}
}

// Subscribe registers handler for events of callID selected by filter.
func (b *Bus) Subscribe(callID string, filter KindFilter, handler Handler) CancelFunc {
	if callID == "" || handler == nil {
		return func() {}
	}
	l := &listener{handler: handler}

	b.mu.Lock()
	set := b.calls[callID]
	if set == nil {
		set = filterSet{}
		b.calls[callID] = set
	}
	add(set, filter, l)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeCall(callID, filter, l) })
	}
}

// SubscribeAll registers handler for events of every call selected by filter.
func (b *Bus) SubscribeAll(filter KindFilter, handler Handler) CancelFunc {
	if handler == nil {
		return func() {}
	}
	l := &listener{handler: handler}

	b.mu.Lock()
	add(b.wildcard, filter, l)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			remove(b.wildcard, filter, l)
			b.mu.Unlock()
		})
	}
}

// Publish delivers one event to every matching listener exactly once.
func (b *Bus) Publish(callID string, kind Kind, payload any) {
	if callID == "" {
		return
	}
	event := Event{CallID: callID, Kind: kind, Payload: payload, OccurredAt: b.now()}

	b.mu.RLock()
	targets := snapshot(b.calls[callID], kind)
	targets = append(targets, snapshot(b.wildcard, kind)...)
	b.mu.RUnlock()

	for _, l := range targets {
		b.deliver(l, event)
	}
}

// RemoveAll drops every listener registered for callID and returns how many were removed.
// Wildcard listeners are unaffected.
func (b *Bus) RemoveAll(callID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := count(b.calls[callID])
	delete(b.calls, callID)
	return removed
}

// Stats returns a point-in-time view of the subscription table.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		TotalCalls: len(b.calls),
		PerCall:    make(map[string]int, len(b.calls)),
		Wildcard:   count(b.wildcard),
	}
	for callID, set := range b.calls {
		n := count(set)
		stats.PerCall[callID] = n
		stats.TotalListeners += n
	}
	stats.TotalListeners += stats.Wildcard
	return stats
}

func (b *Bus) removeCall(callID string, filter KindFilter, l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.calls[callID]
	if set == nil {
		return
	}
	remove(set, filter, l)
	if len(set) == 0 {
		delete(b.calls, callID)
	}
}

func (b *Bus) deliver(l *listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events: listener panic",
				zap.String("call_id", event.CallID),
				zap.String("kind", string(event.Kind)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l.handler(event)
}

func add(set filterSet, filter KindFilter, l *listener) {
	listeners := set[filter]
	if listeners == nil {
		listeners = map[*listener]struct{}{}
		set[filter] = listeners
	}
	listeners[l] = struct{}{}
}

func remove(set filterSet, filter KindFilter, l *listener) {
	listeners := set[filter]
	if listeners == nil {
		return
	}
	delete(listeners, l)
	if len(listeners) == 0 {
		delete(set, filter)
	}
}

func snapshot(set filterSet, kind Kind) []*listener {
	if len(set) == 0 {
		return nil
	}
	exact := set[OnKind(kind)]
	anyKind := set[AnyKind]
	items := make([]*listener, 0, len(exact)+len(anyKind))
	for l := range exact {
		items = append(items, l)
	}
	for l := range anyKind {
		items = append(items, l)
	}
	return items
}

func count(set filterSet) int {
	n := 0
	for _, listeners := range set {
		n += len(listeners)
	}
	return n
}
