package eventbus

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/internal/observability/logging"
)

func TestPublishWritesLogAndDelivers(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "events", "flowdeckEventLog.log")
	bus := New(Config{LogFile: logFile, Logger: logging.Discard()})
	require.NoError(t, bus.Initialize())
	require.NoError(t, bus.Initialize())
	t.Cleanup(func() { _ = bus.Close() })

	events, cancel := bus.Subscribe()
	defer cancel()

	published := bus.Publish(Event{Name: "server-started", Payload: map[string]interface{}{"instance": "a"}})
	assert.NotEmpty(t, published.ID)
	assert.False(t, published.Timestamp.IsZero())

	select {
	case ev := <-events:
		assert.Equal(t, "server-started", ev.Name)
		assert.Equal(t, published.ID, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, bus.Close())
	file, err := os.Open(logFile)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan())
	var logged Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &logged))
	assert.Equal(t, "server-started", logged.Name)
	assert.Equal(t, "a", logged.Payload["instance"])
}

func TestInitializeFailsOnUnwritableLog(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	bus := New(Config{LogFile: filepath.Join(blocker, "events.log"), Logger: logging.Discard()})
	require.Error(t, bus.Initialize())
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New(Config{SubscriberBuffer: 1, Logger: logging.Discard()})
	require.NoError(t, bus.Initialize())

	events, cancel := bus.Subscribe()
	bus.Publish(Event{Name: "a"})
	bus.Publish(Event{Name: "b"})
	cancel()
	cancel()

	var names []string
	for ev := range events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"a"}, names)
}

func TestRelayForwardsSelectedEvents(t *testing.T) {
	bus := New(Config{Logger: logging.Discard()})
	require.NoError(t, bus.Initialize())
	service := NewService()
	relay := NewRelay(service, bus, logging.Discard())
	require.NoError(t, relay.Init())
	require.NoError(t, relay.Init())

	events, cancel := bus.Subscribe()
	defer cancel()

	service.Emit("not-relayed", nil)
	service.Emit("preset-credentials-loaded", map[string]interface{}{"types": 2})

	select {
	case ev := <-events:
		assert.Equal(t, "preset-credentials-loaded", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("relayed event not delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %q", ev.Name)
	default:
	}
}

func TestRelayRequiresDependencies(t *testing.T) {
	require.Error(t, NewRelay(nil, nil, logging.Discard()).Init())
}
