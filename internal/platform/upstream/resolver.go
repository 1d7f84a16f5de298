package upstream

import (
	"context"

	"github.com/wayfinder/fhirproxy/internal/platform/cache"

	opb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/organization_go_proto"
)

// OrganizationFetcher reads an Organization by id.
type OrganizationFetcher interface {
	FetchOrganization(ctx context.Context, id string) (*opb.Organization, error)
}

// CachedOrganizations resolves Organizations through a process-lifetime
// cache, fetching each id from the upstream at most once.
type CachedOrganizations struct {
	cache   *cache.Cache[*opb.Organization]
	fetcher OrganizationFetcher
}

func NewCachedOrganizations(fetcher OrganizationFetcher, c *cache.Cache[*opb.Organization]) *CachedOrganizations {
	return &CachedOrganizations{cache: c, fetcher: fetcher}
}

// ResolveOrganization returns the Organization with the given id. The
// returned message is shared by every caller and must not be modified.
func (r *CachedOrganizations) ResolveOrganization(ctx context.Context, id string) (*opb.Organization, error) {
	return r.cache.GetOrCompute(ctx, id, func(ctx context.Context) (*opb.Organization, error) {
		return r.fetcher.FetchOrganization(ctx, id)
	})
}
