// Package events is the in-process change notifier for convostore.
//
// Stores publish an Event after every committed mutation; the UI layer (or any
// other consumer) subscribes per Kind and receives events synchronously on the
// publishing goroutine. Delivery is best-effort: nothing is persisted, and a
// subscriber that registers late never sees earlier events.
//
// Example:
//
//	bus := events.NewBus(logger)
//	sub := bus.Subscribe(events.TopicUpdated, func(e events.Event) {
//		refreshTopic(e.TopicID)
//	})
//	defer sub.Unsubscribe()
package events

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Kind identifies the type of a change event.
type Kind string

// Data change kinds.
const (
	AssistantAdded      Kind = "assistantAdded"
	AssistantUpdated    Kind = "assistantUpdated"
	AssistantDeleted    Kind = "assistantDeleted"
	TopicAdded          Kind = "topicAdded"
	TopicUpdated        Kind = "topicUpdated"
	TopicDeleted        Kind = "topicDeleted"
	SettingChanged      Kind = "settingChanged"
	ImageAdded          Kind = "imageAdded"
	ImageDeleted        Kind = "imageDeleted"
	MetadataChanged     Kind = "metadataChanged"
	AllDataCleared      Kind = "allDataCleared"
	LocalStorageCleared Kind = "localStorageCleared"
)

// Connection lifecycle kinds.
const (
	// ConnectionBlocked means another session holds the store and would not
	// yield. The UI should ask the user to close other sessions.
	ConnectionBlocked Kind = "connectionBlocked"
	// ConnectionBlocking means this session's handle is obstructing another
	// open. The handle closes itself unless configured to hold on.
	ConnectionBlocking Kind = "connectionBlocking"
	// ConnectionTerminated means the cached handle died; the next caller reopens.
	ConnectionTerminated Kind = "connectionTerminated"
)

// Event is a single change notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind        Kind
	AssistantID string
	TopicID     string
	SettingKey  string
	ImageID     string
	MetadataKey string
	// Reason carries a human-readable detail for lifecycle events.
	Reason string
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block for long.
type Handler func(Event)

// Publisher is the narrow interface stores depend on.
type Publisher interface {
	Publish(Event)
}

// Subscription is the handle returned by Subscribe. Call Unsubscribe to stop
// receiving events; calling it more than once is harmless.
type Subscription struct {
	bus  *Bus
	id   uint64
	kind Kind
	all  bool
	once sync.Once
}

// Unsubscribe removes the subscription from its bus.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus is a typed observer registry keyed by event kind.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[Kind]map[uint64]Handler
	all    map[uint64]Handler
	logger *zap.Logger
}

// NewBus creates an empty bus. A nil logger disables logging.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byKind: make(map[Kind]map[uint64]Handler),
		all:    make(map[uint64]Handler),
		logger: logger.Named("events"),
	}
}

// Subscribe registers handler for a single kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	subs, ok := b.byKind[kind]
	if !ok {
		subs = make(map[uint64]Handler)
		b.byKind[kind] = subs
	}
	subs[b.nextID] = handler
	return &Subscription{bus: b, id: b.nextID, kind: kind}
}

// SubscribeAll registers handler for every kind.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.all[b.nextID] = handler
	return &Subscription{bus: b, id: b.nextID, all: true}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.all {
		delete(b.all, s.id)
		return
	}
	subs, ok := b.byKind[s.kind]
	if !ok {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.byKind, s.kind)
	}
}

// Publish delivers e to every matching subscriber, in registration order
// within each group (kind subscribers first, then catch-all subscribers).
// A panicking handler is recovered and logged so one bad subscriber cannot
// break the write path that published the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.byKind[e.Kind])+len(b.all))
	targets = appendOrdered(targets, b.byKind[e.Kind])
	targets = appendOrdered(targets, b.all)
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, e)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.all)
	for _, subs := range b.byKind {
		n += len(subs)
	}
	return n
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(e.Kind)),
				zap.Any("panic", r))
		}
	}()
	h(e)
}

func appendOrdered(dst []Handler, subs map[uint64]Handler) []Handler {
	if len(subs) == 0 {
		return dst
	}
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		dst = append(dst, subs[id])
	}
	return dst
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
