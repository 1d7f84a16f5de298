// Package upstream performs typed resource lookups against the FHIR server
// the proxy fronts.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"

	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
	opb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/organization_go_proto"
)

const defaultTimeout = 10 * time.Second

// LookupObserver is told about every completed lookup.
type LookupObserver interface {
	UpstreamLookup(kind string, err error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client used for lookups.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout bounds each lookup. Zero or negative leaves the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

func WithObserver(o LookupObserver) ClientOption {
	return func(cl *Client) { cl.observer = o }
}

// Client reads single resources by kind and id. It makes one round trip per
// call and never retries.
type Client struct {
	base       string
	httpClient *http.Client
	codec      *fhir.Codec
	timeout    time.Duration
	logger     zerolog.Logger
	observer   LookupObserver
}

// NewClient creates a client for the FHIR base URL, e.g.
// "https://fhir.example.org/fhir".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base url %q must be absolute", baseURL)
	}
	codec, err := fhir.NewCodec()
	if err != nil {
		return nil, err
	}
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		codec:      codec,
		timeout:    defaultTimeout,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// FetchOrganization reads Organization/{id}.
func (c *Client) FetchOrganization(ctx context.Context, id string) (*opb.Organization, error) {
	cr, err := c.fetch(ctx, fhir.KindOrganization, id)
	if err == nil && cr.GetOrganization() == nil {
		err = &Error{
			Op:   "fetch",
			Kind: fhir.KindOrganization,
			ID:   id,
			Err:  fmt.Errorf("response holds %s, not %s", fhir.Kind(fhir.ResourceOf(cr)), fhir.KindOrganization),
		}
	}
	if c.observer != nil {
		c.observer.UpstreamLookup(fhir.KindOrganization, err)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("kind", fhir.KindOrganization).Str("id", id).Msg("upstream lookup failed")
		return nil, err
	}
	return cr.GetOrganization(), nil
}

func (c *Client) fetch(ctx context.Context, kind, id string) (*r4pb.ContainedResource, error) {
	wrap := func(status int, err error) error {
		return &Error{Op: "fetch", Kind: kind, ID: id, StatusCode: status, Err: err}
	}
	if id == "" {
		return nil, wrap(0, fmt.Errorf("empty id"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.base + "/" + kind + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, wrap(0, err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrap(0, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("kind", kind).
		Str("id", id).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("upstream lookup")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, wrap(resp.StatusCode, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, wrap(resp.StatusCode, fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)))
	}

	cr, err := c.codec.Decode(resp.Body)
	if err != nil {
		return nil, wrap(resp.StatusCode, err)
	}
	return cr, nil
}
