package fhir

import (
	"mime"
	"strings"
)

// FHIRContentType is the FHIR JSON content type with charset.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// IsJSONContentType reports whether a Content-Type header value names a JSON
// representation of a FHIR resource. Parameters such as charset or
// fhirVersion are ignored.
func IsJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	switch strings.ToLower(mediaType) {
	case "application/fhir+json", "application/json", "application/json+fhir":
		return true
	}
	return false
}
