package fhir

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	dtpb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/datatypes_go_proto"
	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
)

// Resource kinds referenced by name outside the generated protos.
const (
	KindBundle       = "Bundle"
	KindAppointment  = "Appointment"
	KindOrganization = "Organization"
	KindLocation     = "Location"
)

// Kind returns the FHIR resource type of a resource message, e.g.
// "Appointment". It works on typed nil pointers, so a rule can derive its kind
// from its type parameter alone.
func Kind(res proto.Message) string {
	if res == nil {
		return ""
	}
	return string(res.ProtoReflect().Descriptor().Name())
}

// ResourceOf unwraps the resource held by a ContainedResource. It returns nil
// when no resource is set.
func ResourceOf(cr *r4pb.ContainedResource) proto.Message {
	if cr == nil {
		return nil
	}
	m := cr.ProtoReflect()
	oneof := m.Descriptor().Oneofs().ByName("oneof_resource")
	if oneof == nil {
		return nil
	}
	fd := m.WhichOneof(oneof)
	if fd == nil {
		return nil
	}
	return m.Get(fd).Message().Interface()
}

// Wrap places a resource into a ContainedResource, the envelope the codec
// reads and writes.
func Wrap(res proto.Message) (*r4pb.ContainedResource, error) {
	if res == nil {
		return nil, fmt.Errorf("wrap: nil resource")
	}
	cr := &r4pb.ContainedResource{}
	m := cr.ProtoReflect()
	name := res.ProtoReflect().Descriptor().FullName()
	fields := m.Descriptor().Oneofs().ByName("oneof_resource").Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.Message() != nil && fd.Message().FullName() == name {
			m.Set(fd, protoreflect.ValueOfMessage(res.ProtoReflect()))
			return cr, nil
		}
	}
	return nil, fmt.Errorf("wrap: %s is not a containable resource", Kind(res))
}

// ReferenceID extracts the logical id of the resource of the given kind that
// ref points to. Typed references (e.g. organization_id) are read directly;
// URI references are accepted when their last segments are "{kind}/{id}",
// optionally followed by "/_history/{version}". Fragment references and
// references to other kinds yield false.
func ReferenceID(ref *dtpb.Reference, kind string) (string, bool) {
	if ref == nil {
		return "", false
	}
	m := ref.ProtoReflect()
	oneof := m.Descriptor().Oneofs().ByName("reference")
	if oneof == nil {
		return "", false
	}
	fd := m.WhichOneof(oneof)
	if fd == nil {
		return "", false
	}

	if uri := ref.GetUri(); uri != nil {
		return parseReferenceURI(uri.GetValue(), kind)
	}

	if fd.Name() != protoreflect.Name(toSnake(kind)+"_id") {
		return "", false
	}
	rid, ok := m.Get(fd).Message().Interface().(*dtpb.ReferenceId)
	if !ok || rid.GetValue() == "" {
		return "", false
	}
	return rid.GetValue(), true
}

func parseReferenceURI(raw, kind string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	segs := strings.Split(strings.TrimRight(raw, "/"), "/")
	if n := len(segs); n >= 4 && segs[n-2] == "_history" {
		segs = segs[:n-2]
	}
	n := len(segs)
	if n < 2 || segs[n-2] != kind || segs[n-1] == "" {
		return "", false
	}
	return segs[n-1], true
}

// toSnake converts a resource type name to the snake case used by the typed
// reference fields, e.g. "PractitionerRole" -> "practitioner_role".
func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
