package esl

import (
	"context"
	"fmt"
)

// Callback is an event-name-keyed application handler. sess is nil for
// events that carry no Unique-ID (e.g. HEARTBEAT).
type Callback func(ctx context.Context, l *Listener, sess *Session, ev Event)

// Hook runs before (Pre) or after (Post) the matched callback for every
// event the Application observes, regardless of event name.
type Hook func(ctx context.Context, l *Listener, sess *Session, ev Event)

// Application is an event-callback container loaded onto a Listener: an
// id and a callback table, with registration as an explicit list of
// (event-name, function) pairs.
type Application struct {
	id            string
	callbacks     map[string][]Callback
	pre, post     Hook
	subscriptions []string
}

// NewApplication creates an empty Application with the given id. An
// empty id is rejected by Listener.LoadApp.
func NewApplication(id string) *Application {
	return &Application{id: id, callbacks: make(map[string][]Callback)}
}

// ID returns the application's id.
func (a *Application) ID() string {
	return a.id
}

// On registers fn to run for every event whose effective name (Event.Name,
// i.e. the CUSTOM subclass when applicable) equals name. Multiple
// registrations for the same name all run, in registration order.
func (a *Application) On(name string, fn Callback) *Application {
	a.callbacks[name] = append(a.callbacks[name], fn)
	return a
}

// Before sets the pre-dispatch hook.
func (a *Application) Before(h Hook) *Application {
	a.pre = h
	return a
}

// After sets the post-dispatch hook.
func (a *Application) After(h Hook) *Application {
	a.post = h
	return a
}

// Subscribe requests additional event names be subscribed for as long as
// this app is loaded, beyond the Listener's default set. Ref-counted
// across apps; see Listener.LoadApp/UnloadApp.
func (a *Application) Subscribe(names ...string) *Application {
	a.subscriptions = append(a.subscriptions, names...)
	return a
}

// validate reports an error if the Application is not safe to load.
func (a *Application) validate() error {
	if a.id == "" {
		return fmt.Errorf("esl: application id must not be empty")
	}
	return nil
}
