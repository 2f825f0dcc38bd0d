package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/straddle/pkg/engine"
)

// Event levels used by the executor.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventFilter determines if an event should be processed.
type EventFilter func(event *engine.Event) bool

// EventPublisher fans executor events out to subscribers such as the
// state store's event log. It implements engine.EventPublisher.
//
// Synchronous publishing delivers to every subscriber before returning and
// reports their errors. Asynchronous publishing queues the event and drops
// it when the buffer is full; Shutdown drains the queue.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan *engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	logger      zerolog.Logger
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closeOnce   sync.Once
}

type subscriberEntry struct {
	subscriber engine.EventPublisher
	filter     EventFilter
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		logger: logger.With().Str("component", "events").Logger(),
	}
	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan *engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish implements engine.EventPublisher.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.buffer != nil {
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.ID)
		}
	}

	return ep.deliverEvent(ctx, event)
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber engine.EventPublisher, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for event := range ep.buffer {
		if err := ep.deliverEvent(context.Background(), event); err != nil {
			ep.logger.Warn().Err(err).Str("event", event.ID).Msg("Event delivery failed")
		}
	}
}

func (ep *EventPublisher) deliverEvent(ctx context.Context, event *engine.Event) error {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	var result *multierror.Error
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.subscriber.Publish(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Shutdown drains queued events. Publishing after Shutdown is not allowed.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.buffer == nil {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.buffer) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
}

// LogSubscriber writes events to a logger. Node state changes of failed
// nodes are logged at error level.
type LogSubscriber struct {
	Logger zerolog.Logger
}

// Publish implements engine.EventPublisher.
func (s LogSubscriber) Publish(_ context.Context, event *engine.Event) error {
	var e *zerolog.Event
	switch event.Level {
	case EventLevelError:
		e = s.Logger.Error()
	case EventLevelWarning:
		e = s.Logger.Warn()
	default:
		e = s.Logger.Debug()
	}
	e = e.Str("run_id", event.RunID).Str("event", string(event.Type))
	if event.Node != "" {
		e = e.Str("node", event.Node)
	}
	if len(event.Data) > 0 {
		e = e.Fields(event.Data)
	}
	e.Msg(event.Message)
	return nil
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByNode creates a filter that only allows events for a specific node.
func FilterByNode(node string) EventFilter {
	return func(event *engine.Event) bool {
		return event.Node == node
	}
}
