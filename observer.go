package tenanthost

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives host events. The TenantEngineManager and the
// MultitenantMicroservice publish tenant engine transitions, microservice
// transitions, global configuration reloads and dispatch failures through a
// Subject, and every registered Observer interested in the event type is
// called with it. Events use the CloudEvents format so they can be forwarded
// to external sinks unchanged.
type Observer interface {
	// OnEvent is called for every event the observer subscribed to.
	// Each call runs on its own goroutine, so observers do not delay one
	// another. Returned errors and panics are logged by the subject.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	// Registering a second observer with the same ID replaces the first.
	ObserverID() string
}

// Subject keeps the registered observers and fans events out to them.
// EventSubject is the implementation used by the host; a nil Subject turns
// event emission off.
type Subject interface {
	// RegisterObserver adds an observer to receive notifications.
	// eventTypes restricts delivery to those CloudEvent types.
	// If eventTypes is empty, the observer receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer from receiving notifications.
	// Removing an observer that was never registered is not an error.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all interested observers.
	// It returns an error only for an invalid event and does not wait
	// for delivery; observer errors never reach the caller.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered observers.
	// This is useful for debugging and monitoring.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes one registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty slice means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event types emitted by the host. They follow the CloudEvents reverse
// domain convention; the event source is the emitting component's name.
const (
	// Tenant engine lifecycle events, emitted by the TenantEngineManager.
	// Data carries "tenantId"; status and failure events add "from" and
	// "status", and a failure adds the "error" text.
	EventTypeTenantEngineCreated = "com.tenanthost.engine.created"
	EventTypeTenantEngineStatus  = "com.tenanthost.engine.status"
	EventTypeTenantEngineRemoved = "com.tenanthost.engine.removed"
	EventTypeTenantEngineFailed  = "com.tenanthost.engine.failed"

	// Microservice lifecycle events. A failure event carries the
	// "operation" that failed and the "error" text.
	EventTypeMicroserviceStatus = "com.tenanthost.microservice.status"
	EventTypeMicroserviceFailed = "com.tenanthost.microservice.failed"

	// Configuration events
	EventTypeGlobalConfigReloaded = "com.tenanthost.config.global.reloaded"
	EventTypeGlobalConfigFailed   = "com.tenanthost.config.global.failed"
	EventTypeDispatchFailed       = "com.tenanthost.config.dispatch.failed"
	EventTypeTenantsRestarted     = "com.tenanthost.tenants.restarted"
)

// FunctionalObserver adapts a function to the Observer interface.
// The run command uses one to log every host event at debug level.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer with the given ID that passes
// every event to handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
