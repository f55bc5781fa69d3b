package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a module lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	// ModuleID is the module the event is about, if any.
	ModuleID string `json:"module_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeModuleExcluded      = "module.excluded"
	EventTypeInstallStarted      = "module.install_started"
	EventTypeInstalled           = "module.installed"
	EventTypeInstallFailed       = "module.install_failed"
	EventTypeProcessStateChanged = "module.process_state_changed"
	EventTypeCrashLoop           = "module.crash_loop"
	EventTypeModuleRemoved       = "module.removed"
	EventTypeRegistryApplied     = "registry.applied"
	EventTypePolicyViolation     = "policy.violation"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles one event. Subscribers run on the delivering
// goroutine and must not block for long.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers. In async mode
// events are queued and delivered in publish order from one goroutine; a
// full queue drops the event. A nil *EventPublisher accepts and discards
// everything.
type EventPublisher struct {
	async bool
	queue chan Event

	mu   sync.RWMutex
	subs []subscription

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher returns a publisher, or nil when events are disabled.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		async:   cfg.EnableAsync,
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	if ep.async {
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.loop()
	} else {
		close(ep.drained)
	}
	return ep, nil
}

// Publish stamps event with an id, a timestamp and a default level, then
// delivers or queues it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case <-ep.closed:
		return ErrPublisherClosed
	default:
	}

	if !ep.async {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s dropped", event.Type)
	}
}

// PublishModuleExcluded publishes a descriptor rejected by the registry.
func (ep *EventPublisher) PublishModuleExcluded(moduleID, code, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeModuleExcluded,
		Source:   "registry",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Module %s excluded: %s", moduleID, reason),
		Level:    EventLevelWarning,
		Data: map[string]any{
			"code":   code,
			"reason": reason,
		},
	})
}

// PublishInstallStarted publishes the start of a module download.
func (ep *EventPublisher) PublishInstallStarted(moduleID, version, source string) error {
	return ep.Publish(Event{
		Type:     EventTypeInstallStarted,
		Source:   "installer",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Installing module %s %s", moduleID, version),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"version": version,
			"source":  source,
		},
	})
}

// PublishInstalled publishes a module reaching Installed.
func (ep *EventPublisher) PublishInstalled(moduleID, version, path string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeInstalled,
		Source:   "installer",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Module %s %s installed at %s", moduleID, version, path),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"version":  version,
			"path":     path,
			"duration": duration.Seconds(),
		},
	})
}

// PublishInstallFailed publishes a module reaching InstallFailed.
func (ep *EventPublisher) PublishInstallFailed(moduleID, version, code, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeInstallFailed,
		Source:   "installer",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Module %s install failed: %s", moduleID, reason),
		Level:    EventLevelError,
		Data: map[string]any{
			"version": version,
			"code":    code,
			"reason":  reason,
		},
	})
}

// PublishProcessStateChanged publishes a process phase transition.
func (ep *EventPublisher) PublishProcessStateChanged(moduleID, oldPhase, newPhase string, data map[string]any) error {
	if data == nil {
		data = make(map[string]any)
	}
	data["old_phase"] = oldPhase
	data["new_phase"] = newPhase
	return ep.Publish(Event{
		Type:     EventTypeProcessStateChanged,
		Source:   "supervisor",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Module %s process %s -> %s", moduleID, oldPhase, newPhase),
		Level:    EventLevelInfo,
		Data:     data,
	})
}

// PublishCrashLoop publishes a supervisor giving up on a module.
func (ep *EventPublisher) PublishCrashLoop(moduleID, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeCrashLoop,
		Source:   "supervisor",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Module %s crash loop: %s", moduleID, reason),
		Level:    EventLevelError,
		Data: map[string]any{
			"reason": reason,
		},
	})
}

// PublishModuleRemoved publishes a module dropped by a reload.
func (ep *EventPublisher) PublishModuleRemoved(moduleID string) error {
	return ep.Publish(Event{
		Type:     EventTypeModuleRemoved,
		Source:   "orchestrator",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Module %s removed from the registry", moduleID),
		Level:    EventLevelInfo,
	})
}

// PublishRegistryApplied publishes the outcome of a startup or reload.
func (ep *EventPublisher) PublishRegistryApplied(modules, excluded, started, stopped int) error {
	return ep.Publish(Event{
		Type:    EventTypeRegistryApplied,
		Source:  "orchestrator",
		Message: fmt.Sprintf("Registry applied: %d modules, %d excluded, %d started, %d stopped", modules, excluded, started, stopped),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"modules":  modules,
			"excluded": excluded,
			"started":  started,
			"stopped":  stopped,
		},
	})
}

// PublishPolicyViolation publishes an admission policy violation.
func (ep *EventPublisher) PublishPolicyViolation(moduleID, policyName, severity, message string) error {
	level := EventLevelWarning
	if severity == "error" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy_engine",
		ModuleID: moduleID,
		Message:  fmt.Sprintf("Policy %s on module %s: %s", policyName, moduleID, message),
		Level:    level,
		Data: map[string]any{
			"policy":   policyName,
			"severity": severity,
		},
	})
}

// Subscribe registers fn. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

func (ep *EventPublisher) loop() {
	defer close(ep.drained)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.closed:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until queued ones have been
// delivered, or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.closed) })
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func levelRank(level string) int {
	switch level {
	case EventLevelError:
		return 2
	case EventLevelWarning:
		return 1
	}
	return 0
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	min := levelRank(minLevel)
	return func(event Event) bool { return levelRank(event.Level) >= min }
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool { return slices.Contains(types, event.Type) }
}

// FilterByModule passes events about one module.
func FilterByModule(moduleID string) EventFilter {
	return func(event Event) bool { return event.ModuleID == moduleID }
}
