package credentials

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"flowdeck/internal/api"
)

const maxPayloadBytes = 4 << 20

// Handler serves POST /{endpoint}.
func (g *Gate) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				api.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit))
				return
			}
			api.WriteError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}

		result, err := g.TryApply(body, r.Header.Get("Content-Type"))
		switch result {
		case Applied:
			api.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
		case AlreadyApplied:
			api.WriteError(w, http.StatusConflict, err)
		default:
			api.WriteError(w, http.StatusBadRequest, err)
		}
	}
}
