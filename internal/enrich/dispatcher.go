package enrich

import (
	"context"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"

	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
)

// Dispatcher applies registered rules to every resource in a document.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Enrich mutates cr in place. A Bundle is never enriched itself: its entry
// resources are visited in order and nested bundles are descended into.
// Resources with no rule are left alone. The first rule error stops the walk.
func (d *Dispatcher) Enrich(ctx context.Context, cr *r4pb.ContainedResource) error {
	if cr == nil {
		return nil
	}
	if bundle := cr.GetBundle(); bundle != nil {
		for _, entry := range bundle.GetEntry() {
			if err := d.Enrich(ctx, entry.GetResource()); err != nil {
				return err
			}
		}
		return nil
	}

	res := fhir.ResourceOf(cr)
	if res == nil {
		return nil
	}
	rule, ok := d.registry.Lookup(fhir.Kind(res))
	if !ok {
		return nil
	}
	return rule.Apply(ctx, res)
}
