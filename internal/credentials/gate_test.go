package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
)

const validPayload = `{"slackOAuth2Api":{"clientId":"abc","clientSecret":"xyz"},"githubApi":{"server":"https://git.example"}}`

func newTestGate(followUp FollowUp) *Gate {
	return NewGate(GateConfig{
		FollowUp: followUp,
		Logger:   logging.Discard(),
		Metrics:  metrics.New(),
	})
}

func TestTryApplyStoresPayloadOnce(t *testing.T) {
	gate := newTestGate(nil)

	result, err := gate.TryApply([]byte(validPayload), "application/json")
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
	assert.Equal(t, StateLoaded, gate.State())
	assert.Equal(t, []string{"githubApi", "slackOAuth2Api"}, gate.Store().Types())

	raw, ok := gate.Store().Get("slackOAuth2Api")
	require.True(t, ok)
	assert.JSONEq(t, `{"clientId":"abc","clientSecret":"xyz"}`, string(raw))

	result, err = gate.TryApply([]byte(`{"other":{}}`), "application/json")
	assert.Equal(t, AlreadyApplied, result)
	assert.ErrorIs(t, err, ErrAlreadyApplied)
	_, ok = gate.Store().Get("other")
	assert.False(t, ok, "second payload must not be stored")
}

func TestTryApplyReportsAppliedBeforeValidatingPayload(t *testing.T) {
	gate := newTestGate(nil)
	_, err := gate.TryApply([]byte(validPayload), "application/json")
	require.NoError(t, err)

	result, err := gate.TryApply([]byte(`{"a":`), "application/json")
	assert.Equal(t, AlreadyApplied, result)
	assert.ErrorIs(t, err, ErrAlreadyApplied)

	result, err = gate.TryApply([]byte(`{"a":`), "text/plain")
	assert.Equal(t, InvalidContentType, result, "content type is still checked first")
	assert.ErrorIs(t, err, ErrInvalidContentType)
}

func TestTryApplyRejectsBeforeTouchingState(t *testing.T) {
	testCases := []struct {
		name        string
		payload     string
		contentType string
		result      Result
		err         error
	}{
		{name: "form content type", payload: validPayload, contentType: "application/x-www-form-urlencoded", result: InvalidContentType, err: ErrInvalidContentType},
		{name: "missing content type", payload: validPayload, contentType: "", result: InvalidContentType, err: ErrInvalidContentType},
		{name: "malformed content type", payload: validPayload, contentType: "application/", result: InvalidContentType, err: ErrInvalidContentType},
		{name: "not json", payload: `{"a":`, contentType: "application/json", result: InvalidPayload, err: ErrInvalidPayload},
		{name: "array", payload: `[1,2]`, contentType: "application/json", result: InvalidPayload, err: ErrInvalidPayload},
		{name: "scalar value", payload: `{"slackApi":"token"}`, contentType: "application/json", result: InvalidPayload, err: ErrInvalidPayload},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gate := newTestGate(nil)

			result, err := gate.TryApply([]byte(tc.payload), tc.contentType)
			assert.Equal(t, tc.result, result)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, StateUnset, gate.State())
		})
	}
}

func TestTryApplyAcceptsContentTypeParameters(t *testing.T) {
	gate := newTestGate(nil)

	result, err := gate.TryApply([]byte(validPayload), "Application/JSON; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
}

func TestConcurrentRequestsApplyExactlyOnce(t *testing.T) {
	release := make(chan struct{})
	var followUps atomic.Int32
	gate := newTestGate(func(ctx context.Context) error {
		followUps.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	const callers = 32
	results := make([]Result, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], _ = gate.TryApply([]byte(validPayload), "application/json")
		}(i)
	}
	close(start)
	wg.Wait()

	applied := 0
	for _, result := range results {
		switch result {
		case Applied:
			applied++
		case AlreadyApplied:
		default:
			t.Fatalf("unexpected result %v", result)
		}
	}
	assert.Equal(t, 1, applied)

	close(release)
	gate.Wait()
	assert.Equal(t, int32(1), followUps.Load())
}

func TestFollowUpFailureDoesNotAffectResult(t *testing.T) {
	gate := newTestGate(func(context.Context) error {
		return errors.New("types directory is read-only")
	})

	result, err := gate.TryApply([]byte(validPayload), "application/json")
	require.NoError(t, err)
	assert.Equal(t, Applied, result)

	gate.Wait()
	assert.Equal(t, StateLoaded, gate.State())
}

func TestOnAppliedReceivesTypes(t *testing.T) {
	var got []string
	gate := NewGate(GateConfig{
		Logger:    logging.Discard(),
		Metrics:   metrics.New(),
		OnApplied: func(types []string) { got = types },
	})

	_, err := gate.TryApply([]byte(validPayload), "application/json")
	require.NoError(t, err)
	assert.Equal(t, []string{"githubApi", "slackOAuth2Api"}, got)
}

func TestHandlerStatuses(t *testing.T) {
	gate := newTestGate(nil)
	handler := gate.Handler()

	post := func(body, contentType string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/preset", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(validPayload, "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assertErrorBody(t, rec, ErrInvalidContentType.Error())

	rec = post(validPayload, "application/json")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = post(validPayload, "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assertErrorBody(t, rec, ErrAlreadyApplied.Error())
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	gate := newTestGate(nil)
	body := `{"big":{"v":"` + strings.Repeat("x", maxPayloadBytes) + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/preset", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gate.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, StateUnset, gate.State())
}

func TestFollowUpHonoursTimeout(t *testing.T) {
	gate := NewGate(GateConfig{
		Logger:          logging.Discard(),
		Metrics:         metrics.New(),
		FollowUpTimeout: 10 * time.Millisecond,
		FollowUp: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	_, err := gate.TryApply([]byte(validPayload), "application/json")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		gate.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up did not stop at its deadline")
	}
}

func assertErrorBody(t *testing.T, rec *httptest.ResponseRecorder, message string) {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, message, payload["error"])
}
