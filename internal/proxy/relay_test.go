package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"
	"github.com/wayfinder/fhirproxy/internal/platform/fhir/fhirtest"
	"github.com/wayfinder/fhirproxy/internal/platform/upstream"

	dtpb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/datatypes_go_proto"
	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
)

// markingEnricher tags every Appointment it sees with a fixed comment so
// tests can tell an enriched body from a relayed one.
type markingEnricher struct {
	calls atomic.Int32
	err   error
}

func (m *markingEnricher) Enrich(_ context.Context, cr *r4pb.ContainedResource) error {
	m.calls.Add(1)
	if m.err != nil {
		return m.err
	}
	if appt := cr.GetAppointment(); appt != nil {
		appt.Comment = &dtpb.String{Value: "enriched"}
	}
	return nil
}

type decodeCounter struct{ n atomic.Int32 }

func (d *decodeCounter) DecodeFailure() { d.n.Add(1) }

func newTestRelay(t *testing.T, enricher Enricher, opts ...RelayOption) *Relay {
	t.Helper()
	r, err := NewRelay(enricher, append([]RelayOption{WithLogger(zerolog.Nop())}, opts...)...)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r
}

func upstreamRequest(t *testing.T, srv *httptest.Server, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestRelay_EnrichesJSON(t *testing.T) {
	body := fhirtest.EncodeJSON(t, fhirtest.Appointment("appt-1"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json;charset=utf-8")
		w.Header().Set("ETag", `W/"1"`)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	enricher := &markingEnricher{}
	relay := newTestRelay(t, enricher)
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/fhir/Appointment/appt-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if enricher.calls.Load() != 1 {
		t.Errorf("expected one enrichment, got %d", enricher.calls.Load())
	}
	codec, _ := fhir.NewCodec()
	cr, err := codec.DecodeBytes(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("relayed body does not decode: %v", err)
	}
	if cr.GetAppointment().GetComment().GetValue() != "enriched" {
		t.Error("expected the enriched appointment in the response")
	}
	if rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("expected upstream headers relayed, got %v", rec.Header())
	}
	if rec.Header().Get("Content-Length") != "" {
		t.Error("expected upstream Content-Length to be dropped")
	}
}

func TestRelay_MissingContentTypeIsDecoded(t *testing.T) {
	body := fhirtest.EncodeJSON(t, fhirtest.Appointment("appt-1"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	enricher := &markingEnricher{}
	relay := newTestRelay(t, enricher)
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enricher.calls.Load() != 1 {
		t.Errorf("expected the body to be enriched, got %d calls", enricher.calls.Load())
	}
	if rec.Header().Get("Content-Type") != fhir.FHIRContentType {
		t.Errorf("expected FHIR content type on rewritten body, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestRelay_NonSuccessPassesThrough(t *testing.T) {
	payload := []byte{0xff, 0x00, 'n', 'o', 't', ' ', 'j', 's', 'o', 'n', 0xfe}
	for _, status := range []int{http.StatusCreated, http.StatusNotFound, http.StatusServiceUnavailable, http.StatusTeapot} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/fhir+json")
				w.WriteHeader(status)
				_, _ = w.Write(payload)
			}))
			defer srv.Close()

			enricher := &markingEnricher{}
			relay := newTestRelay(t, enricher)
			rec := httptest.NewRecorder()
			if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != status {
				t.Errorf("expected %d, got %d", status, rec.Code)
			}
			if !bytes.Equal(rec.Body.Bytes(), payload) {
				t.Errorf("expected body relayed byte for byte, got %v", rec.Body.Bytes())
			}
			if enricher.calls.Load() != 0 {
				t.Error("expected no enrichment for a non-200 response")
			}
		})
	}
}

func TestRelay_NonJSONPassesThrough(t *testing.T) {
	payload := `<Appointment xmlns="http://hl7.org/fhir"><id value="a"/></Appointment>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+xml")
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	enricher := &markingEnricher{}
	relay := newTestRelay(t, enricher)
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != payload {
		t.Errorf("expected XML relayed unchanged, got %d %q", rec.Code, rec.Body.String())
	}
	if enricher.calls.Load() != 0 {
		t.Error("expected no enrichment for a non-JSON response")
	}
}

func TestRelay_ContentLengthNeverRelayed(t *testing.T) {
	payload := strings.Repeat("x", 42)
	for _, status := range []int{http.StatusOK, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.Header().Set("Content-Length", "42")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(payload))
			}))
			defer srv.Close()

			relay := newTestRelay(t, &markingEnricher{})
			rec := httptest.NewRecorder()
			if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for key := range rec.Header() {
				if strings.EqualFold(key, "Content-Length") {
					t.Errorf("Content-Length relayed as %q", key)
				}
			}
			if rec.Body.String() != payload {
				t.Errorf("expected body relayed, got %q", rec.Body.String())
			}
		})
	}
}

func TestCopyResponseHeaders_DropsContentLengthInAnyCase(t *testing.T) {
	src := http.Header{
		"content-length": {"42"},
		"CONTENT-LENGTH": {"42"},
		"Content-Length": {"42"},
		"X-Custom":       {"a", "b"},
	}
	dst := http.Header{}
	copyResponseHeaders(dst, src)

	if len(dst) != 1 {
		t.Fatalf("expected only X-Custom, got %v", dst)
	}
	if got := dst.Values("X-Custom"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected repeated values kept, got %v", got)
	}
}

func TestRelay_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType": "Appointment", "id": `))
	}))
	defer srv.Close()

	counter := &decodeCounter{}
	enricher := &markingEnricher{}
	relay := newTestRelay(t, enricher, WithDecodeObserver(counter))
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("expected text/plain, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.Len() == 0 {
		t.Error("expected the decode error in the body")
	}
	if strings.Contains(rec.Body.String(), `"resourceType"`) {
		t.Error("expected the original body not to be forwarded")
	}
	if enricher.calls.Load() != 0 {
		t.Error("expected no enrichment after a decode failure")
	}
	if counter.n.Load() != 1 {
		t.Errorf("expected one decode failure recorded, got %d", counter.n.Load())
	}
}

func TestRelay_Gzip(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, _ = zw.Write(fhirtest.EncodeJSON(t, fhirtest.Appointment("appt-1")))
	_ = zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	relay := newTestRelay(t, &markingEnricher{})
	req := upstreamRequest(t, srv, "/")
	// An explicit Accept-Encoding stops the transport from decompressing.
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Encoding") != "" {
		t.Error("expected Content-Encoding dropped for a rewritten body")
	}
	codec, _ := fhir.NewCodec()
	cr, err := codec.DecodeBytes(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("relayed body does not decode: %v", err)
	}
	if cr.GetAppointment().GetComment().GetValue() != "enriched" {
		t.Error("expected enriched appointment")
	}
}

func TestRelay_EnrichmentErrorWritesNothing(t *testing.T) {
	body := fhirtest.EncodeJSON(t, fhirtest.Appointment("appt-1"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	lookupErr := &upstream.Error{Op: "fetch", Kind: "Organization", ID: "org-1", StatusCode: http.StatusServiceUnavailable}
	relay := newTestRelay(t, &markingEnricher{err: lookupErr})
	rec := httptest.NewRecorder()
	err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/"))

	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected the enrichment error, got %v", err)
	}
	if len(rec.Header()) != 0 || rec.Body.Len() != 0 {
		t.Errorf("expected nothing written, got headers %v body %q", rec.Header(), rec.Body.String())
	}
}

func TestRelay_UpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	req := upstreamRequest(t, srv, "/fhir/Patient")
	srv.Close()

	relay := newTestRelay(t, &markingEnricher{})
	rec := httptest.NewRecorder()
	err := relay.Relay(context.Background(), rec, req)

	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *upstream.Error, got %T: %v", err, err)
	}
	if rec.Body.Len() != 0 {
		t.Error("expected nothing written")
	}
}

func TestRelay_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	relay := newTestRelay(t, &markingEnricher{})
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Errorf("expected 302 relayed, got %d", rec.Code)
	}
	if rec.Header().Get("Location") != "/elsewhere" {
		t.Errorf("expected Location relayed, got %q", rec.Header().Get("Location"))
	}
}

func TestRelay_BundleRoundTrip(t *testing.T) {
	bundle := fhirtest.Bundle(t, fhirtest.Appointment("a"), fhirtest.Patient("p"))
	body := fhirtest.EncodeJSON(t, bundle)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	relay := newTestRelay(t, &markingEnricher{})
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	codec, _ := fhir.NewCodec()
	cr, err := codec.DecodeBytes(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !proto.Equal(cr.GetBundle(), bundle) {
		t.Errorf("expected bundle unchanged by an enricher that ignores bundles")
	}
}

func TestRelay_EnrichesIncompleteResources(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "participant without status",
			body: `{"resourceType":"Appointment","id":"a","participant":[{"actor":{"reference":"Patient/p"}}]}`,
		},
		{
			name: "unknown field",
			body: `{"resourceType":"Appointment","id":"a","status":"booked","vendorField":{"x":1}}`,
		},
		{
			name: "bare appointment",
			body: `{"resourceType":"Appointment","id":"a"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/fhir+json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			relay := newTestRelay(t, &markingEnricher{})
			rec := httptest.NewRecorder()
			if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			codec, _ := fhir.NewCodec()
			cr, err := codec.DecodeBytes(rec.Body.Bytes())
			if err != nil {
				t.Fatalf("relayed body does not decode: %v", err)
			}
			if cr.GetAppointment().GetComment().GetValue() != "enriched" {
				t.Errorf("expected enriched appointment, got %s", rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), "vendorField") {
				t.Errorf("expected unknown field dropped, got %s", rec.Body.String())
			}
		})
	}
}

func TestRelay_SearchsetWithIncompleteEntry(t *testing.T) {
	body := `{"resourceType":"Bundle","type":"searchset","entry":[` +
		`{"resource":{"resourceType":"Appointment","id":"a","participant":[{"actor":{"reference":"Patient/p"}}]}},` +
		`{"resource":{"resourceType":"Patient","id":"p","vendorField":true}}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	counter := &decodeCounter{}
	relay := newTestRelay(t, &markingEnricher{}, WithDecodeObserver(counter))
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/fhir/Appointment")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if counter.n.Load() != 0 {
		t.Errorf("expected no decode failures, got %d", counter.n.Load())
	}
}

func TestRelay_HeadPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Header().Set("ETag", `W/"3"`)
		w.Header().Set("Content-Length", "512")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enricher := &markingEnricher{}
	counter := &decodeCounter{}
	relay := newTestRelay(t, enricher, WithDecodeObserver(counter))
	req, err := http.NewRequest(http.MethodHead, srv.URL+"/fhir/Appointment/a", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") != `W/"3"` {
		t.Errorf("expected ETag relayed, got %q", rec.Header().Get("ETag"))
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected no body, got %q", rec.Body.String())
	}
	if enricher.calls.Load() != 0 || counter.n.Load() != 0 {
		t.Error("expected a HEAD response to be neither decoded nor enriched")
	}
}

func TestRelay_EmptyBodyPassesThrough(t *testing.T) {
	tests := []struct {
		name    string
		chunked bool
	}{
		{"content length zero", false},
		{"chunked", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/fhir+json")
				w.WriteHeader(http.StatusOK)
				if tt.chunked {
					w.(http.Flusher).Flush()
				}
			}))
			defer srv.Close()

			enricher := &markingEnricher{}
			relay := newTestRelay(t, enricher)
			rec := httptest.NewRecorder()
			if err := relay.Relay(context.Background(), rec, upstreamRequest(t, srv, "/")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if rec.Body.Len() != 0 {
				t.Errorf("expected empty body, got %q", rec.Body.String())
			}
			if enricher.calls.Load() != 0 {
				t.Error("expected no enrichment for an empty body")
			}
		})
	}
}

func TestLimitAcceptEncoding(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"absent", nil, nil},
		{"only unreadable", []string{"br, deflate"}, nil},
		{"wildcard", []string{"*"}, nil},
		{"gzip kept", []string{"gzip, br;q=0.5"}, []string{"gzip"}},
		{"parameters kept", []string{"br, gzip;q=0.8, identity"}, []string{"gzip;q=0.8, identity"}},
		{"repeated header", []string{"br", "GZIP"}, []string{"GZIP"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.in {
				h.Add("Accept-Encoding", v)
			}
			limitAcceptEncoding(h)
			got := h.Values("Accept-Encoding")
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestRelay_UnreadableEncodingNotForwarded(t *testing.T) {
	body := fhirtest.EncodeJSON(t, fhirtest.Appointment("appt-1"))
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	relay := newTestRelay(t, &markingEnricher{})
	req := upstreamRequest(t, srv, "/")
	req.Header.Set("Accept-Encoding", "br, deflate")
	rec := httptest.NewRecorder()
	if err := relay.Relay(context.Background(), rec, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, _ := seen.Load().(string); strings.Contains(got, "br") || strings.Contains(got, "deflate") {
		t.Errorf("expected unreadable codings stripped, upstream saw %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
