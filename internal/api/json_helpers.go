// Package api holds the JSON response conventions shared by REST handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteData wraps payload in the {"data": ...} envelope used by REST reads.
func WriteData(w http.ResponseWriter, status int, payload interface{}) {
	WriteJSON(w, status, map[string]interface{}{"data": payload})
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		message = err.Error()
	}
	WriteJSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body into dest, rejecting unknown fields.
func DecodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
