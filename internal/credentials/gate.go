package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
)

var (
	ErrInvalidContentType = errors.New("body must be valid JSON, make sure the content-type is application/json")
	ErrInvalidPayload     = errors.New("body must be a JSON object keyed by credential type")
	ErrAlreadyApplied     = errors.New("preset credentials can be set once")
)

type State int

const (
	StateUnset State = iota
	StateLoaded
)

func (s State) String() string {
	if s == StateLoaded {
		return "loaded"
	}
	return "unset"
}

type Result int

const (
	Applied Result = iota
	AlreadyApplied
	InvalidContentType
	InvalidPayload
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	case InvalidContentType:
		return "invalid_content_type"
	case InvalidPayload:
		return "invalid_payload"
	default:
		return "unknown"
	}
}

// FollowUp runs after a payload is accepted, outside the gate's lock.
type FollowUp func(ctx context.Context) error

type GateConfig struct {
	Store           *Overwrites
	FollowUp        FollowUp
	FollowUpTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	// OnApplied is notified synchronously after the state flips.
	OnApplied func(types []string)
}

// Gate accepts preset credentials exactly once per process. The test of the
// state, the store write and the flip to Loaded happen under one lock; the
// follow-up runs after the lock is released and cannot affect the result.
type Gate struct {
	mu    sync.Mutex
	state State

	store           *Overwrites
	followUp        FollowUp
	followUpTimeout time.Duration
	onApplied       func([]string)
	logger          *slog.Logger
	metrics         *metrics.Recorder
	pending         sync.WaitGroup
}

func NewGate(cfg GateConfig) *Gate {
	store := cfg.Store
	if store == nil {
		store = NewOverwrites()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.FollowUpTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Gate{
		store:           store,
		followUp:        cfg.FollowUp,
		followUpTimeout: timeout,
		onApplied:       cfg.OnApplied,
		logger:          logging.WithComponent(logging.OrDefault(cfg.Logger), "preset-credentials"),
		metrics:         recorder,
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Store() *Overwrites {
	return g.store
}

// TryApply validates and, on the first valid call, stores payload. The
// returned error is nil only for Applied.
func (g *Gate) TryApply(payload []byte, contentType string) (Result, error) {
	result, err := g.tryApply(payload, contentType)
	g.metrics.ObserveGate(result.String())
	return result, err
}

func (g *Gate) tryApply(payload []byte, contentType string) (Result, error) {
	if !isJSONContentType(contentType) {
		return InvalidContentType, ErrInvalidContentType
	}
	if g.State() == StateLoaded {
		return AlreadyApplied, ErrAlreadyApplied
	}
	data, err := parsePayload(payload)
	if err != nil {
		return InvalidPayload, err
	}

	// Another request may have applied while this one was parsing.
	g.mu.Lock()
	if g.state == StateLoaded {
		g.mu.Unlock()
		return AlreadyApplied, ErrAlreadyApplied
	}
	g.store.Set(data)
	g.state = StateLoaded
	g.mu.Unlock()

	types := g.store.Types()
	g.logger.Info("preset credentials loaded", "credential_types", len(types))
	if g.onApplied != nil {
		g.onApplied(types)
	}
	g.runFollowUp()
	return Applied, nil
}

func (g *Gate) runFollowUp() {
	if g.followUp == nil {
		return
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.followUpTimeout)
		defer cancel()
		if err := g.followUp(ctx); err != nil {
			g.logger.Error("preset credentials follow-up failed", "error", err)
		}
	}()
}

// Wait blocks until every started follow-up has returned.
func (g *Gate) Wait() {
	g.pending.Wait()
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

// parsePayload requires a JSON object whose values are objects, one per
// credential type.
func parsePayload(payload []byte) (map[string]json.RawMessage, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrInvalidPayload
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, ErrInvalidPayload
	}

	data := make(map[string]json.RawMessage)
	var bad string
	root.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			bad = key.String()
			return false
		}
		data[key.String()] = json.RawMessage(value.Raw)
		return true
	})
	if bad != "" {
		return nil, fmt.Errorf("%w: value for %q is not an object", ErrInvalidPayload, bad)
	}
	return data, nil
}
