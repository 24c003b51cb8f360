package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"flowdeck/internal/observability/logging"
)

// Listener handles one emitted event.
type Listener func(payload map[string]interface{})

// Service is the in-process event emitter components call into. Listeners run
// synchronously on the emitting goroutine.
type Service struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

func NewService() *Service {
	return &Service{listeners: make(map[string][]Listener)}
}

func (s *Service) On(name string, listener Listener) {
	s.mu.Lock()
	s.listeners[name] = append(s.listeners[name], listener)
	s.mu.Unlock()
}

func (s *Service) Emit(name string, payload map[string]interface{}) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners[name]...)
	s.mu.RUnlock()
	for _, listener := range listeners {
		listener(payload)
	}
}

// RelayedEvents are forwarded from the Service to the Bus.
var RelayedEvents = []string{
	"server-started",
	"session-started",
	"preset-credentials-loaded",
	"feature-module-failed",
	"instance-registered",
	"leader-takeover",
	"leader-stepdown",
}

// Relay streams selected Service events onto the Bus.
type Relay struct {
	events *Service
	bus    *Bus
	names  []string
	logger *slog.Logger

	once    sync.Once
	initErr error
}

func NewRelay(events *Service, bus *Bus, logger *slog.Logger) *Relay {
	return &Relay{
		events: events,
		bus:    bus,
		names:  RelayedEvents,
		logger: logging.WithComponent(logging.OrDefault(logger), "log-streaming"),
	}
}

// Init attaches the relay listeners. It runs once.
func (r *Relay) Init() error {
	r.once.Do(func() {
		if r.events == nil || r.bus == nil {
			r.initErr = fmt.Errorf("log streaming relay requires an event service and a bus")
			return
		}
		for _, name := range r.names {
			name := name
			r.events.On(name, func(payload map[string]interface{}) {
				r.bus.Publish(Event{Name: name, Payload: payload})
			})
		}
		r.logger.Debug("log streaming relay attached", "events", len(r.names))
	})
	return r.initErr
}
