// Package constraint checks features against pluggable validators before
// they are loaded into a dataset table.
//
// Validators are produced by named factories held in a Registry. ForLayer
// runs every factory once for a resource and returns a Checker that applies
// the resulting validators to each feature of the import, so expensive setup
// (loading a rules file section, asking the catalog for attribute limits)
// happens once per import rather than once per feature.
package constraint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/hashicorp/go-multierror"
)

// MaxViolations bounds how many violations CheckAll collects before stopping.
const MaxViolations = 10

// Target identifies the resource a checker is built for.
type Target struct {
	Resource string // dataset name, also the catalog layer name
	Layer    geo.LayerInfo
	Existing bool // the data goes into an already published dataset
}

// Validator checks a single feature.
type Validator interface {
	Validate(f geo.Feature) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(f geo.Feature) error

func (fn ValidatorFunc) Validate(f geo.Feature) error { return fn(f) }

// Factory builds the validator for a target. A nil validator means the
// factory does not apply to it.
type Factory func(ctx context.Context, t Target) (Validator, error)

// Violation is a feature rejected by a validator.
type Violation struct {
	Validator string
	FID       int64
	Reason    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("feature %d rejected by %s: %s", v.FID, v.Validator, v.Reason)
}

// Registry holds validator factories in registration order.
type Registry struct {
	mu        sync.RWMutex
	names     []string
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory called name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; !ok {
		r.names = append(r.names, name)
	}
	r.factories[name] = f
}

// Names lists registered factories in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Reset removes every factory.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = nil
	r.factories = make(map[string]Factory)
}

// ForLayer initialises every applicable validator for t.
func (r *Registry) ForLayer(ctx context.Context, t Target) (*Checker, error) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	factories := make([]Factory, len(names))
	for i, n := range names {
		factories[i] = r.factories[n]
	}
	r.mu.RUnlock()

	c := &Checker{}
	for i, f := range factories {
		v, err := f(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("init constraint %s: %w", names[i], err)
		}
		if v != nil {
			c.validators = append(c.validators, namedValidator{name: names[i], v: v})
		}
	}
	return c, nil
}

type namedValidator struct {
	name string
	v    Validator
}

// Checker applies the validators built for one resource.
type Checker struct {
	validators []namedValidator
}

// Len returns the number of active validators.
func (c *Checker) Len() int { return len(c.validators) }

// Check returns the first violation of f, or nil.
func (c *Checker) Check(f geo.Feature) error {
	for _, nv := range c.validators {
		if err := nv.v.Validate(f); err != nil {
			return &Violation{Validator: nv.name, FID: f.FID, Reason: err.Error()}
		}
	}
	return nil
}

// CheckAll checks every feature of layer in src and returns the collected
// violations, at most MaxViolations of them.
func (c *Checker) CheckAll(ctx context.Context, src geo.Source, layer string) error {
	if len(c.validators) == 0 {
		return nil
	}
	var result *multierror.Error
	errStop := errors.New("too many violations")
	err := src.Features(ctx, layer, func(f geo.Feature) error {
		if err := c.Check(f); err != nil {
			result = multierror.Append(result, err)
			if result.Len() >= MaxViolations {
				return errStop
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return err
	}
	return result.ErrorOrNil()
}
