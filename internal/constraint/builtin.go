package constraint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"gopkg.in/yaml.v3"
)

// Rule is one entry of the rules file. Layer is a path.Match pattern on the
// dataset name; an empty pattern matches every dataset.
type Rule struct {
	Layer            string         `yaml:"layer"`
	GeometryRequired bool           `yaml:"geometry_required"`
	Required         []string       `yaml:"required"`
	MaxLength        map[string]int `yaml:"max_length"`
}

// RuleSet is the parsed rules file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file. A missing path yields an empty set.
func LoadRules(file string) (*RuleSet, error) {
	if file == "" {
		return &RuleSet{}, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read constraint rules: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse constraint rules %s: %w", file, err)
	}
	for _, r := range rs.Rules {
		if _, err := path.Match(r.Layer, ""); err != nil {
			return nil, fmt.Errorf("rule layer pattern %q: %w", r.Layer, err)
		}
	}
	return &rs, nil
}

// matching returns the rules that apply to name.
func (rs *RuleSet) matching(name string) []Rule {
	var out []Rule
	for _, r := range rs.Rules {
		if r.Layer == "" {
			out = append(out, r)
			continue
		}
		if ok, _ := path.Match(strings.ToLower(r.Layer), strings.ToLower(name)); ok {
			out = append(out, r)
		}
	}
	return out
}

// Factory returns a factory applying the rules matching each target.
func (rs *RuleSet) Factory() Factory {
	return func(_ context.Context, t Target) (Validator, error) {
		rules := rs.matching(t.Resource)
		if len(rules) == 0 {
			return nil, nil
		}
		return ValidatorFunc(func(f geo.Feature) error {
			for _, r := range rules {
				if err := r.check(f); err != nil {
					return err
				}
			}
			return nil
		}), nil
	}
}

func (r Rule) check(f geo.Feature) error {
	if r.GeometryRequired && f.Geometry == nil {
		return errors.New("geometry is required")
	}
	for _, name := range r.Required {
		v, ok := lookup(f.Properties, name)
		if !ok || v == nil || v == "" {
			return fmt.Errorf("attribute %q is required", name)
		}
	}
	for name, max := range r.MaxLength {
		v, ok := lookup(f.Properties, name)
		if !ok {
			continue
		}
		if s, isStr := v.(string); isStr && utf8.RuneCountInString(s) > max {
			return fmt.Errorf("attribute %q exceeds %d characters", name, max)
		}
	}
	return nil
}

func lookup(props map[string]any, name string) (any, bool) {
	if v, ok := props[name]; ok {
		return v, true
	}
	for k, v := range props {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// GeometryRequired rejects features without a geometry.
func GeometryRequired(_ context.Context, t Target) (Validator, error) {
	return ValidatorFunc(func(f geo.Feature) error {
		if f.Geometry == nil {
			return errors.New("geometry is required")
		}
		return nil
	}), nil
}

// AttributeCatalog reports the attributes of a published layer.
type AttributeCatalog interface {
	Attributes(ctx context.Context, layer string) ([]publisher.Attribute, bool, error)
}

// GeoServerAttributes returns a factory that checks data going into an
// already published dataset against the attribute lengths and nullability
// the catalog declares. The catalog is asked once per target.
func GeoServerAttributes(catalog AttributeCatalog) Factory {
	return func(ctx context.Context, t Target) (Validator, error) {
		if !t.Existing {
			return nil, nil
		}
		attrs, found, err := catalog.Attributes(ctx, t.Resource)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		limits := make(map[string]publisher.Attribute, len(attrs))
		for _, a := range attrs {
			limits[strings.ToLower(a.Name)] = a
		}
		return ValidatorFunc(func(f geo.Feature) error {
			for k, v := range f.Properties {
				a, ok := limits[strings.ToLower(k)]
				if !ok {
					continue
				}
				if v == nil && !a.Nillable {
					return fmt.Errorf("attribute %q may not be null", k)
				}
				if s, isStr := v.(string); isStr && a.Length > 0 && utf8.RuneCountInString(s) > a.Length {
					return fmt.Errorf("attribute %q exceeds the published length %d", k, a.Length)
				}
			}
			return nil
		}), nil
	}
}
