// Package credentials holds the preset credential overwrites and the one-shot
// gate that accepts them.
package credentials

import (
	"encoding/json"
	"sort"
	"sync"
)

// Overwrites stores preset field values per credential type. Values are kept
// as raw JSON; decrypting or merging them is left to the consumers.
type Overwrites struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func NewOverwrites() *Overwrites {
	return &Overwrites{data: make(map[string]json.RawMessage)}
}

// Set replaces all stored overwrites.
func (o *Overwrites) Set(data map[string]json.RawMessage) {
	copied := make(map[string]json.RawMessage, len(data))
	for credentialType, raw := range data {
		copied[credentialType] = append(json.RawMessage(nil), raw...)
	}
	o.mu.Lock()
	o.data = copied
	o.mu.Unlock()
}

// Get returns the overwrite for credentialType.
func (o *Overwrites) Get(credentialType string) (json.RawMessage, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	raw, ok := o.data[credentialType]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// Types lists the credential types that carry overwrites, sorted.
func (o *Overwrites) Types() []string {
	o.mu.RLock()
	types := make([]string, 0, len(o.data))
	for credentialType := range o.data {
		types = append(types, credentialType)
	}
	o.mu.RUnlock()
	sort.Strings(types)
	return types
}
