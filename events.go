package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names published to UI collaborators.
const (
	EventStatus        = "connection.status"
	EventNewMessage    = "message.new"
	EventNotifyClear   = "message.notify_clear"
	EventSystem        = "message.system"
	EventBroadcast     = "message.broadcast"
	EventServerError   = "message.error"
	EventRemoteControl = "message.remote_control"
	EventOpenPath      = "message.open_path"
	EventDirectory     = "directory.updated"
	EventSendFailed    = "send.failed"
	EventLoggedIn      = "session.logged_in"
	EventLoggedOut     = "session.logged_out"
	EventServerClose   = "connection.server_close"
	EventRefetchFailed = "directory.refetch_failed"
)

// EventHandler receives published events. Payload types are documented per event:
// EventStatus carries a ConnStatus, message events carry a Message, session events a
// Session, EventSendFailed and EventRefetchFailed an error.
type EventHandler func(event string, payload any)

// Emitter fans events out to listeners. Listener panics are recovered and logged.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       zerolog.Logger
}

// NewEmitter creates an emitter with no listeners.
func NewEmitter(log zerolog.Logger) *Emitter {
	return &Emitter{listeners: make(map[string][]EventHandler), log: log}
}

// On registers handler for event.
func (e *Emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

// Emit calls every listener of event synchronously, in registration order.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", event).Msg("event listener panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

// RemoveAll drops every listener.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
