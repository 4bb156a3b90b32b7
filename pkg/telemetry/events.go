package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// EventLevel constants for event severity, as emitted by sessions.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warn"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans session events out to subscribers such as the checkpoint
// store and websocket streams. It implements engine.EventPublisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers map[int]subscriberEntry
	nextID      int
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make(map[int]subscriberEntry),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.MinLevel != "" {
		ep.AddFilter(FilterByLevel(cfg.MinLevel))
	}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.buffer = make(chan engine.Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event engine.Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, %s event dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber and returns a function that removes it.
// A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.nextID
	ep.nextID++
	ep.subscribers[id] = subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	}
	return func() {
		ep.mu.Lock()
		delete(ep.subscribers, id)
		ep.mu.Unlock()
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer in batches. A batch is flushed when it is full,
// when the buffer runs dry or when the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	maxBatch := ep.config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 1
	}
	batch := make([]engine.Event, 0, maxBatch)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= maxBatch || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []engine.Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers, in publication order.
// Subscribers must not block.
func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.subscribers))
	for _, entry := range ep.subscribers {
		entries = append(entries, entry)
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher, delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

var eventLevels = map[string]int{
	EventLevelDebug:   0,
	EventLevelInfo:    1,
	EventLevelWarning: 2,
	"warning":         2,
	EventLevelError:   3,
}

// IsEventLevel reports whether level names an event level.
func IsEventLevel(level string) bool {
	_, ok := eventLevels[level]
	return ok
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	minLevelValue := eventLevels[minLevel]

	return func(event engine.Event) bool {
		return eventLevels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events of one session.
func FilterBySession(sessionID string) EventFilter {
	return func(event engine.Event) bool {
		return event.SessionID == sessionID
	}
}

// AllOf combines filters; nil filters are skipped.
func AllOf(filters ...EventFilter) EventFilter {
	return func(event engine.Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
