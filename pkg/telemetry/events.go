package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Control-plane event types, in addition to the flow events of the engine.
const (
	EventTypePolicyDenied  engine.EventType = "policy_denied"
	EventTypeStatusChanged engine.EventType = "status_changed"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventBus fans flow events out to subscribers. In async mode events are
// buffered and delivered in publish order by a single goroutine.
type EventBus struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig) (*EventBus, error) {
	if !cfg.Enabled {
		return &EventBus{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		config:      cfg,
		buffer:      make(chan engine.Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		eb.wg.Add(1)
		go eb.processEvents()
	}

	return eb, nil
}

// Publish publishes an event to all subscribers. The event is copied.
func (eb *EventBus) Publish(_ context.Context, event *engine.Event) error {
	if !eb.config.Enabled || event == nil {
		return nil
	}

	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = ev.Type.Severity()
	}

	// Apply global filters
	eb.mu.RLock()
	for _, filter := range eb.filters {
		if !filter(ev) {
			eb.mu.RUnlock()
			return nil
		}
	}
	eb.mu.RUnlock()

	if eb.config.EnableAsync {
		select {
		case <-eb.ctx.Done():
			return fmt.Errorf("event bus stopped")
		default:
		}
		select {
		case eb.buffer <- ev:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	eb.deliverEvent(ev)
	return nil
}

// PublishPolicyDenied publishes an admission denial.
func (eb *EventBus) PublishPolicyDenied(ctx context.Context, res *engine.Resource, reasons []string) error {
	return eb.Publish(ctx, &engine.Event{
		Type:       EventTypePolicyDenied,
		ResourceID: res.ID,
		Message:    fmt.Sprintf("resource %s denied by admission policy", res.Name),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reasons": reasons,
		},
	})
}

// PublishStatusChanged publishes a resource status transition.
func (eb *EventBus) PublishStatusChanged(ctx context.Context, resourceID string, from, to engine.ResourceStatus) error {
	return eb.Publish(ctx, &engine.Event{
		Type:       EventTypeStatusChanged,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("resource %s status changed from %s to %s", resourceID, from, to),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"old_status": string(from),
			"new_status": string(to),
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (eb *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = append(eb.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (eb *EventBus) AddFilter(filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.filters = append(eb.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			eb.deliverEvent(event)
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-eb.buffer:
					eb.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (eb *EventBus) deliverEvent(event engine.Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, entry := range eb.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the bus after delivering the buffered events.
func (eb *EventBus) Shutdown(ctx context.Context) error {
	if !eb.config.Enabled {
		return nil
	}

	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
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

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
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

// FilterByFlowID creates a filter that only allows events of one flow.
func FilterByFlowID(flowID string) EventFilter {
	return func(event engine.Event) bool {
		return event.FlowID == flowID
	}
}

// FilterByResourceID creates a filter that only allows events for a specific resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event engine.Event) bool {
		return event.ResourceID == resourceID
	}
}

// PersistTo returns a subscriber that writes events to p, logging failures.
func PersistTo(p engine.EventPublisher, logger *Logger) EventSubscriber {
	return func(event engine.Event) {
		if err := p.Publish(context.Background(), &event); err != nil {
			logger.WithError(err).WithFlowID(event.FlowID).Warn("Failed to persist event")
		}
	}
}

var _ engine.EventPublisher = (*EventBus)(nil)
