// Package eventbus carries audit and lifecycle events from the in-process
// event service to the message bus, its JSON-lines log and push subscribers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowdeck/internal/observability/logging"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"eventName"`
	Timestamp time.Time              `json:"ts"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

type Config struct {
	// LogFile receives every published event as one JSON line. Empty
	// disables the log.
	LogFile string
	Logger  *slog.Logger
	// SubscriberBuffer sizes each subscriber channel.
	SubscriberBuffer int
}

// Bus fans events out to subscribers. Slow subscribers drop events rather than
// block publishers.
type Bus struct {
	logFile string
	buffer  int
	logger  *slog.Logger

	mu          sync.RWMutex
	initialized bool
	file        *os.File
	encoder     *json.Encoder
	nextID      int
	subscribers map[int]chan Event
}

func New(cfg Config) *Bus {
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		logFile:     cfg.LogFile,
		buffer:      buffer,
		logger:      logging.WithComponent(logging.OrDefault(cfg.Logger), "eventbus"),
		subscribers: make(map[int]chan Event),
	}
}

// Initialize opens the event log. Calling it again is a no-op.
func (b *Bus) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if b.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(b.logFile), 0o755); err != nil {
			return fmt.Errorf("create event log dir: %w", err)
		}
		file, err := os.OpenFile(b.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		b.file = file
		b.encoder = json.NewEncoder(file)
	}
	b.initialized = true
	b.logger.Debug("event bus initialized", "log_file", b.logFile)
	return nil
}

// Publish stamps ev with an ID and timestamp when missing, appends it to the
// log and delivers it to subscribers.
func (b *Bus) Publish(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.encoder != nil {
		if err := b.encoder.Encode(ev); err != nil {
			b.logger.Error("failed to write event log", "event", ev.Name, "error", err)
		}
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "event", ev.Name, "subscriber", id)
		}
	}
	b.mu.Unlock()
	return ev
}

// Subscribe returns a channel of future events and a function that cancels
// the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Close closes every subscriber and the event log.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	b.encoder = nil
	return err
}
