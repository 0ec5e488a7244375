package crontab

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Definition is the declarative form of a handler, as stored in a file or a database.
type Definition struct {
	// Name is the handler name, unique within a set of definitions.
	Name string `yaml:"name"`

	// Enabled must be true for the handler to fire. Absent means disabled.
	Enabled bool `yaml:"enabled"`

	// Spec is the cron expression.
	// Supports 5 or 6 fields ("second minute hour day month weekday") and descriptors such as "@every 5m".
	Spec string `yaml:"spec"`

	// Action names an Action registered with Actions.Register.
	Action string `yaml:"action"`

	// Data is handed to the action on every firing.
	Data map[string]interface{} `yaml:"data,omitempty"`
}

// Actions maps action names to implementations so that definitions can refer to code by name.
type Actions struct {
	mu       sync.RWMutex
	registry map[string]Action
}

// NewActions returns an empty action registry.
func NewActions() *Actions {
	return &Actions{
		registry: make(map[string]Action),
	}
}

// Register makes action available under name.
func (a *Actions) Register(name string, action Action) error {
	if action == nil {
		return fmt.Errorf("action %q is nil", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.registry[name]; exists {
		return fmt.Errorf("%w: %q", ErrActionExists, name)
	}
	a.registry[name] = action
	return nil
}

// Lookup returns the action registered under name.
func (a *Actions) Lookup(name string) (Action, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	action, ok := a.registry[name]
	return action, ok
}

// Build turns definitions into handlers. It validates every definition and reports all failures at once;
// no handler is returned unless all of them are valid.
func (a *Actions) Build(defs []Definition, evaluator Evaluator) ([]*Handler, error) {
	var result *multierror.Error
	handlers := make([]*Handler, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))

	for i, def := range defs {
		if _, dup := seen[def.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("definition %d: %w: %q", i, ErrDuplicateHandler, def.Name))
			continue
		}
		seen[def.Name] = struct{}{}

		action, ok := a.Lookup(def.Action)
		if !ok {
			result = multierror.Append(result, fmt.Errorf("definition %q: %w: %q", def.Name, ErrUnknownAction, def.Action))
			continue
		}

		h, err := NewHandler(HandlerConfig{
			Name:      def.Name,
			Enabled:   def.Enabled,
			Spec:      def.Spec,
			Data:      def.Data,
			Action:    action,
			Evaluator: evaluator,
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("definition %q: %w", def.Name, err))
			continue
		}
		handlers = append(handlers, h)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return handlers, nil
}
