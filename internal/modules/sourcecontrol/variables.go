package sourcecontrol

import (
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidKey   = errors.New("variable key may only contain letters, digits and underscores")
	ErrDuplicateKey = errors.New("variable key already exists")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)

// Variable is an environment variable exposed to workflows.
type Variable struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Variables is an in-memory variable store keyed by id.
type Variables struct {
	mu    sync.RWMutex
	byID  map[string]Variable
	byKey map[string]string
}

func NewVariables() *Variables {
	return &Variables{byID: make(map[string]Variable), byKey: make(map[string]string)}
}

func (v *Variables) Create(key, value string) (Variable, error) {
	if !keyPattern.MatchString(key) {
		return Variable{}, ErrInvalidKey
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.byKey[key]; exists {
		return Variable{}, ErrDuplicateKey
	}
	variable := Variable{ID: uuid.NewString(), Key: key, Value: value}
	v.byID[variable.ID] = variable
	v.byKey[key] = variable.ID
	return variable, nil
}

// List returns variables ordered by key.
func (v *Variables) List() []Variable {
	v.mu.RLock()
	out := make([]Variable, 0, len(v.byID))
	for _, variable := range v.byID {
		out = append(out, variable)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (v *Variables) Delete(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	variable, ok := v.byID[id]
	if !ok {
		return false
	}
	delete(v.byID, id)
	delete(v.byKey, variable.Key)
	return true
}
