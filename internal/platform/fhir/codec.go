package fhir

import (
	"fmt"
	"io"

	"github.com/google/fhir/go/fhirversion"
	"github.com/google/fhir/go/jsonformat"

	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
)

// DecodeError reports a body that is not a well-formed FHIR R4 resource.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode FHIR resource: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Codec converts between FHIR R4 JSON and ContainedResource protos. It is
// safe for concurrent use.
type Codec struct {
	marshaller   *jsonformat.Marshaller
	unmarshaller *jsonformat.Unmarshaller
}

// NewCodec creates a Codec that writes compact JSON and reads timestamps
// without an explicit zone as UTC.
//
// Decoding is lenient: required elements and cardinality are not checked,
// and fields the R4 model does not define are dropped. Only bodies that are
// not JSON, name no known resourceType or carry malformed primitive values
// fail to decode.
func NewCodec() (*Codec, error) {
	m, err := jsonformat.NewMarshaller(false, "", "", fhirversion.R4)
	if err != nil {
		return nil, fmt.Errorf("create marshaller: %w", err)
	}
	u, err := jsonformat.NewUnmarshallerWithoutValidation("UTC", fhirversion.R4)
	if err != nil {
		return nil, fmt.Errorf("create unmarshaller: %w", err)
	}
	return &Codec{marshaller: m, unmarshaller: u}, nil
}

// Decode reads a full FHIR JSON document from r. Read and parse failures are
// both reported as *DecodeError.
func (c *Codec) Decode(r io.Reader) (*r4pb.ContainedResource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return c.DecodeBytes(data)
}

// DecodeBytes parses a FHIR JSON document.
func (c *Codec) DecodeBytes(data []byte) (*r4pb.ContainedResource, error) {
	msg, err := c.unmarshaller.Unmarshal(data)
	if err != nil {
		known, pruned, perr := dropUnknownFields(data)
		if perr != nil || !pruned {
			return nil, &DecodeError{Err: err}
		}
		if msg, err = c.unmarshaller.Unmarshal(known); err != nil {
			return nil, &DecodeError{Err: err}
		}
	}
	cr, ok := msg.(*r4pb.ContainedResource)
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("unexpected message type %T", msg)}
	}
	return cr, nil
}

// Encode serializes a ContainedResource as FHIR JSON.
func (c *Codec) Encode(cr *r4pb.ContainedResource) ([]byte, error) {
	data, err := c.marshaller.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("encode FHIR resource: %w", err)
	}
	return data, nil
}
