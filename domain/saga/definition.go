package saga

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// StepDefinition names a forward action and an optional compensating action.
// The zero value is not usable; steps are built through Definition
// construction so the index-derived idempotency keys stay stable.
type StepDefinition struct {
	// Name identifies the forward action for the external executor,
	// e.g. "GenerateKeyPair" or "SubmitCertificateRequest".
	Name string

	// CompensationName identifies the compensating action. Empty means the
	// step has no compensation; its compensation outcome is recorded as
	// Skipped during a reverse walk.
	CompensationName string

	// Idempotent marks side effects that are safe to re-execute under the
	// same idempotency key. Recovery retries idempotent steps without
	// probing the executor first.
	Idempotent bool
}

// HasCompensation reports whether a compensating action is defined
func (s StepDefinition) HasCompensation() bool {
	return s.CompensationName != ""
}

// Definition is an ordered, immutable sequence of step definitions.
// Definitions are registered once at startup and shared by reference;
// they carry no per-execution state.
type Definition struct {
	name  string
	steps []StepDefinition
}

// NewDefinition creates a definition from an ordered list of steps
func NewDefinition(name string, steps []StepDefinition) (*Definition, error) {
	if name == "" {
		return nil, errors.New("definition name required")
	}
	if len(steps) == 0 {
		return nil, errors.New("definition requires at least one step")
	}
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d: name required", i)
		}
	}
	copied := make([]StepDefinition, len(steps))
	copy(copied, steps)
	return &Definition{name: name, steps: copied}, nil
}

// Name returns the definition name
func (d *Definition) Name() string {
	return d.name
}

// StepCount returns the number of steps
func (d *Definition) StepCount() int {
	return len(d.steps)
}

// Step returns the step definition at index, or false if out of range
func (d *Definition) Step(index int) (StepDefinition, bool) {
	if index < 0 || index >= len(d.steps) {
		return StepDefinition{}, false
	}
	return d.steps[index], true
}

// ScopeKey derives the deterministic idempotency scope for a start request:
// two starts of the same definition with equivalent parameters share a scope.
// Parameters are canonicalized (object keys sorted) before hashing so field
// order on the wire does not matter.
func (d *Definition) ScopeKey(parameters json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(parameters)
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s/%s", d.name, hex.EncodeToString(sum[:])[:32]), nil
}

// StepKey derives the deterministic idempotency key the executor dedupes on.
// The key is a pure function of the saga's scope and the step index, so a
// re-dispatched step always carries the same key.
func (d *Definition) StepKey(scopeKey string, stepIndex int) string {
	return fmt.Sprintf("%s/%d", scopeKey, stepIndex)
}

// CompensationKey derives the idempotency key for a step's compensating action
func (d *Definition) CompensationKey(scopeKey string, stepIndex int) string {
	return fmt.Sprintf("%s/%d/compensate", scopeKey, stepIndex)
}

// CanonicalJSON re-encodes a JSON document in canonical form: object keys
// sorted, insignificant whitespace removed. encoding/json marshals maps with
// sorted keys, which is all the canonicalization the scope hash needs.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Registry resolves definition names to registered definitions.
// Concurrent lookups are safe; registration happens at startup.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewRegistry creates an empty definition registry
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// Register adds a definition. Registering the same name twice is an error.
func (r *Registry) Register(d *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[d.Name()]; exists {
		return fmt.Errorf("definition %q already registered", d.Name())
	}
	r.definitions[d.Name()] = d
	return nil
}

// Resolve returns the definition for name
func (r *Registry) Resolve(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	return d, nil
}

// Names returns the registered definition names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	return names
}
