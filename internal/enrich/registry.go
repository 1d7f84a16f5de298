// Package enrich walks decoded FHIR resources and applies per-kind rules
// that add derived data to them in place.
package enrich

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"
)

// ErrDuplicateKind is returned by NewRegistry when two rules claim the same
// resource kind.
var ErrDuplicateKind = errors.New("duplicate enrichment rule for resource kind")

// Rule enriches resources of a single kind.
type Rule interface {
	Kind() string
	Apply(ctx context.Context, res proto.Message) error
}

// Enricher is the typed form of a rule. Adapt it with For.
type Enricher[T proto.Message] interface {
	Enrich(ctx context.Context, res T) error
}

// For adapts an Enricher to a Rule whose kind is the FHIR type of T.
func For[T proto.Message](e Enricher[T]) Rule {
	var zero T
	return typedRule[T]{kind: fhir.Kind(zero), enricher: e}
}

type typedRule[T proto.Message] struct {
	kind     string
	enricher Enricher[T]
}

func (r typedRule[T]) Kind() string { return r.kind }

func (r typedRule[T]) Apply(ctx context.Context, res proto.Message) error {
	typed, ok := res.(T)
	if !ok {
		return fmt.Errorf("enrich: %s rule given %s", r.kind, fhir.Kind(res))
	}
	return r.enricher.Enrich(ctx, typed)
}

// Registry maps resource kinds to their rule. It is not modified after
// NewRegistry returns.
type Registry struct {
	rules map[string]Rule
}

func NewRegistry(rules ...Rule) (*Registry, error) {
	reg := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		kind := r.Kind()
		switch kind {
		case "":
			return nil, fmt.Errorf("enrich: rule %T has no resource kind", r)
		case fhir.KindBundle:
			return nil, fmt.Errorf("enrich: bundles are traversed, not enriched")
		}
		if _, exists := reg.rules[kind]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
		}
		reg.rules[kind] = r
	}
	return reg, nil
}

// Lookup returns the rule registered for kind.
func (r *Registry) Lookup(kind string) (Rule, bool) {
	rule, ok := r.rules[kind]
	return rule, ok
}

// Len returns the number of kinds with a rule.
func (r *Registry) Len() int {
	return len(r.rules)
}
