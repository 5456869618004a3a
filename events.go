package modrun

// Every lifecycle transition is emitted as a CloudEvent to registered
// observers; an append-only EventLog observer provides the audit trail
// external collaborators consume.

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for module lifecycle events, using reverse domain
// notation per the CloudEvents specification.
const (
	EventTypeModuleRegistered  = "com.modrun.module.registered"
	EventTypeModuleInstalled   = "com.modrun.module.installed"
	EventTypeModuleEnabled     = "com.modrun.module.enabled"
	EventTypeModuleDisabled    = "com.modrun.module.disabled"
	EventTypeModuleUninstalled = "com.modrun.module.uninstalled"
	EventTypeModuleUpgraded    = "com.modrun.module.upgraded"
	EventTypeModuleLoaded      = "com.modrun.module.loaded"
	EventTypeModuleUnloaded    = "com.modrun.module.unloaded"
	EventTypeModuleError       = "com.modrun.module.error"
	EventTypeModuleHealthCheck = "com.modrun.module.health_check"
)

// eventSource identifies this runtime as the CloudEvents source.
const eventSource = "github.com/modrun-io/modrun"

// Observer receives lifecycle events. Observers should return quickly;
// a failing observer is logged and never blocks the emitting operation.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration tracking.
	ObserverID() string
}

// Subject is implemented by event emitters. The Registry and the
// InstallationService both embed an eventSubject.
type Subject interface {
	// RegisterObserver subscribes an observer, optionally filtered to the
	// given event types. No types means all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer; idempotent.
	UnregisterObserver(observer Observer) error
}

// NewModuleEvent builds a lifecycle CloudEvent for a module and tenant.
// Extra metadata lands in the event's extensions.
func NewModuleEvent(eventType, moduleID string, tenantID TenantID, data map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetExtension("moduleid", moduleID)
	if tenantID != PlatformTenant {
		event.SetExtension("tenantid", string(tenantID))
	}
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// newEventID generates a time-ordered UUIDv7 id, falling back to v4.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// observerEntry tracks one registered observer plus its type filter.
type observerEntry struct {
	observer   Observer
	eventTypes map[string]struct{} // nil means all
}

// eventSubject is the shared Subject implementation. Notification is
// synchronous; observer errors are reported to the logger and swallowed so
// auditing never fails the operation being audited.
type eventSubject struct {
	mu        sync.RWMutex
	observers []observerEntry
	logger    Logger
}

func newEventSubject(logger Logger) *eventSubject {
	if logger == nil {
		logger = NopLogger{}
	}
	return &eventSubject{logger: logger}
}

// RegisterObserver implements Subject.
func (s *eventSubject) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	entry := observerEntry{observer: observer}
	if len(eventTypes) > 0 {
		entry.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			entry.eventTypes[t] = struct{}{}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing.observer.ObserverID() == observer.ObserverID() {
			s.observers[i] = entry
			return nil
		}
	}
	s.observers = append(s.observers, entry)
	return nil
}

// UnregisterObserver implements Subject.
func (s *eventSubject) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing.observer.ObserverID() == observer.ObserverID() {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return nil
		}
	}
	return nil
}

// notify delivers the event to all matching observers.
func (s *eventSubject) notify(ctx context.Context, event cloudevents.Event) {
	s.mu.RLock()
	observers := make([]observerEntry, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	for _, entry := range observers {
		if entry.eventTypes != nil {
			if _, ok := entry.eventTypes[event.Type()]; !ok {
				continue
			}
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil {
			s.logger.Warn("observer failed to handle event",
				"observer", entry.observer.ObserverID(),
				"eventType", event.Type(),
				"error", err)
		}
	}
}

// FuncObserver adapts a function to the Observer interface.
type FuncObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFuncObserver creates an observer backed by the given handler.
func NewFuncObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FuncObserver{id: id, handler: handler}
}

func (f *FuncObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FuncObserver) ObserverID() string {
	return f.id
}

// ModuleEvent is one append-only audit record of a lifecycle transition.
// Application code never mutates or deletes records once appended.
type ModuleEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ModuleID  string    `json:"module_id"`
	TenantID  TenantID  `json:"tenant_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data,omitempty"`
}

// EventLog is an Observer that appends every received event to an
// in-memory audit log.
type EventLog struct {
	mu     sync.RWMutex
	events []ModuleEvent
}

// NewEventLog creates an empty audit log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// OnEvent implements Observer.
func (l *EventLog) OnEvent(_ context.Context, event cloudevents.Event) error {
	record := ModuleEvent{
		ID:        event.ID(),
		Type:      event.Type(),
		Timestamp: event.Time(),
		Data:      event.Data(),
	}
	if moduleID, ok := event.Extensions()["moduleid"].(string); ok {
		record.ModuleID = moduleID
	}
	if tenantID, ok := event.Extensions()["tenantid"].(string); ok {
		record.TenantID = TenantID(tenantID)
	}
	l.mu.Lock()
	l.events = append(l.events, record)
	l.mu.Unlock()
	return nil
}

// ObserverID implements Observer.
func (l *EventLog) ObserverID() string {
	return "modrun.eventlog"
}

// Events returns a copy of the recorded events in append order.
func (l *EventLog) Events() []ModuleEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ModuleEvent, len(l.events))
	copy(out, l.events)
	return out
}

// EventsOfType returns recorded events matching the type.
func (l *EventLog) EventsOfType(eventType string) []ModuleEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ModuleEvent
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
