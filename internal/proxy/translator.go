// Package proxy forwards inbound requests to the upstream FHIR server and
// relays its responses, enriching successful JSON bodies on the way back.
package proxy

import (
	"fmt"
	"net/http"
	"net/url"
)

// deniedRequestHeaders are never forwarded. The outbound transport manages
// them itself and rejects or rewrites caller supplied values.
var deniedRequestHeaders = map[string]struct{}{
	"Connection":     {},
	"Content-Length": {},
	"Expect":         {},
	"Host":           {},
	"Upgrade":        {},
}

// Translator rewrites inbound requests to target a fixed upstream origin.
type Translator struct {
	origin *url.URL
}

// NewTranslator creates a Translator for origin, which must carry a scheme
// and host. Any path on origin is ignored; inbound paths are used verbatim.
func NewTranslator(origin *url.URL) (*Translator, error) {
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("proxy: upstream origin must have a scheme and host")
	}
	o := *origin
	o.Path, o.RawPath, o.RawQuery, o.Fragment, o.RawFragment = "", "", "", "", ""
	return &Translator{origin: &o}, nil
}

// Translate builds the outbound request for in. The body is streamed, not
// buffered, and the outbound request carries in's context.
func (t *Translator) Translate(in *http.Request) (*http.Request, error) {
	u := *t.origin
	u.Path = in.URL.Path
	u.RawPath = in.URL.RawPath
	u.RawQuery = in.URL.RawQuery
	u.Fragment = in.URL.Fragment
	u.RawFragment = in.URL.RawFragment
	if u.User == nil && in.URL.User != nil {
		u.User = in.URL.User
	}

	out, err := http.NewRequestWithContext(in.Context(), in.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	if in.Body != nil && in.Body != http.NoBody {
		out.Body = in.Body
		out.ContentLength = in.ContentLength
		if out.ContentLength == 0 {
			// Unknown length; the transport sends it chunked.
			out.ContentLength = -1
		}
	}

	for key, values := range in.Header {
		if _, denied := deniedRequestHeaders[http.CanonicalHeaderKey(key)]; denied {
			continue
		}
		out.Header[key] = append(out.Header[key], values...)
	}
	return out, nil
}
