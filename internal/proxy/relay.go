package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"
	"github.com/wayfinder/fhirproxy/internal/platform/upstream"

	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
)

// Enricher mutates a decoded upstream response before it is re-encoded.
type Enricher interface {
	Enrich(ctx context.Context, cr *r4pb.ContainedResource) error
}

// DecodeObserver is told when an upstream response cannot be decoded.
type DecodeObserver interface {
	DecodeFailure()
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithHTTPClient overrides the client used for proxied requests. Redirects
// must not be followed by it or they are hidden from the caller.
func WithHTTPClient(c *http.Client) RelayOption {
	return func(r *Relay) { r.client = c }
}

func WithLogger(logger zerolog.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

func WithDecodeObserver(o DecodeObserver) RelayOption {
	return func(r *Relay) { r.observer = o }
}

// Relay executes outbound requests and writes the upstream response back.
type Relay struct {
	client   *http.Client
	codec    *fhir.Codec
	enricher Enricher
	logger   zerolog.Logger
	observer DecodeObserver
}

func NewRelay(enricher Enricher, opts ...RelayOption) (*Relay, error) {
	codec, err := fhir.NewCodec()
	if err != nil {
		return nil, err
	}
	r := &Relay{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		codec:    codec,
		enricher: enricher,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Relay sends out and writes the response to w.
//
// A 200 response with a JSON or missing content type and a non-empty body is
// decoded, enriched and re-encoded; a body that does not decode is answered
// with 500 and the decode error as plain text. Every other response, and
// every response to HEAD, is streamed through unchanged. Upstream
// Content-Length is never relayed.
//
// When the upstream call or enrichment fails nothing has been written to w
// and the error is returned for the caller to render.
func (r *Relay) Relay(ctx context.Context, w http.ResponseWriter, out *http.Request) error {
	limitAcceptEncoding(out.Header)
	resp, err := r.client.Do(out.WithContext(ctx))
	if err != nil {
		return &upstream.Error{Op: out.Method + " " + out.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out.Method != http.MethodHead &&
		resp.ContentLength != 0 && decodable(resp.Header) {
		return r.rewrite(ctx, w, resp)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Status is already sent; all that is left is to record it.
		r.logger.Warn().Err(err).Int("status", resp.StatusCode).Msg("upstream body copy interrupted")
	}
	return nil
}

func (r *Relay) rewrite(ctx context.Context, w http.ResponseWriter, resp *http.Response) error {
	data, err := readBody(resp)
	if err == nil && len(bytes.TrimSpace(data)) == 0 {
		// Chunked responses can still turn out to be empty.
		copyResponseHeaders(w.Header(), resp.Header)
		w.Header().Del("Content-Encoding")
		w.WriteHeader(resp.StatusCode)
		return nil
	}
	var cr *r4pb.ContainedResource
	if err == nil {
		cr, err = r.codec.DecodeBytes(data)
	}
	if err != nil {
		var de *fhir.DecodeError
		if !errors.As(err, &de) {
			de = &fhir.DecodeError{Err: err}
		}
		if r.observer != nil {
			r.observer.DecodeFailure()
		}
		r.logger.Warn().Err(de).Msg("upstream response could not be decoded")

		copyResponseHeaders(w.Header(), resp.Header)
		w.Header().Del("Content-Encoding")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, de.Error())
		return nil
	}

	if err := r.enricher.Enrich(ctx, cr); err != nil {
		return err
	}
	body, err := r.codec.Encode(cr)
	if err != nil {
		return err
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Encoding")
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", fhir.FHIRContentType)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		r.logger.Warn().Err(err).Msg("write enriched response")
	}
	return nil
}

// readBody reads the full response body, undoing gzip content coding.
func readBody(resp *http.Response) ([]byte, error) {
	body := io.Reader(resp.Body)
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &fhir.DecodeError{Err: err}
		}
		defer zr.Close()
		body = zr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &fhir.DecodeError{Err: err}
	}
	return data, nil
}

// limitAcceptEncoding keeps only the content codings readBody can undo. When
// none is left the header is removed and the transport negotiates gzip itself.
func limitAcceptEncoding(h http.Header) {
	values := h.Values("Accept-Encoding")
	if len(values) == 0 {
		return
	}
	var kept []string
	for _, v := range values {
		for _, coding := range strings.Split(v, ",") {
			coding = strings.TrimSpace(coding)
			name, _, _ := strings.Cut(coding, ";")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "gzip", "identity":
				kept = append(kept, coding)
			}
		}
	}
	if len(kept) == 0 {
		h.Del("Accept-Encoding")
		return
	}
	h.Set("Accept-Encoding", strings.Join(kept, ", "))
}

// decodable reports whether a response body should be parsed as FHIR JSON.
func decodable(h http.Header) bool {
	ct := h.Get("Content-Type")
	return ct == "" || fhir.IsJSONContentType(ct)
}

func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if strings.EqualFold(key, "Content-Length") {
			continue
		}
		dst[key] = append(dst[key], values...)
	}
}
