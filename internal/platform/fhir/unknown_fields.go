package fhir

import (
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	anpb "github.com/google/fhir/go/proto/google/fhir/proto/annotations_go_proto"
	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
)

// Numbers stay json.Number so decimals keep their precision on re-encode.
var looseJSON = jsoniter.Config{UseNumber: true}.Froze()

var containedDescriptor = (&r4pb.ContainedResource{}).ProtoReflect().Descriptor()

// jsonField is where a JSON key leads: the message its value decodes into,
// or a resource whose type is named by its own resourceType.
type jsonField struct {
	desc     protoreflect.MessageDescriptor
	resource bool
}

var jsonFieldCache sync.Map // protoreflect.FullName -> map[string]jsonField

// dropUnknownFields removes every object key the R4 protos have no field for,
// using the same key naming as jsonformat: choice types as value[x] and
// primitive extensions as _name. It reports whether anything was removed.
func dropUnknownFields(data []byte) ([]byte, bool, error) {
	var doc map[string]any
	if err := looseJSON.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	if !pruneResource(doc) {
		return data, false, nil
	}
	out, err := looseJSON.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func pruneResource(obj map[string]any) bool {
	rt, _ := obj["resourceType"].(string)
	resources := containedDescriptor.Oneofs().ByName("oneof_resource").Fields()
	for i := 0; i < resources.Len(); i++ {
		if md := resources.Get(i).Message(); md != nil && string(md.Name()) == rt {
			return pruneMessage(obj, md, true)
		}
	}
	// Unknown resource types are left for the decoder to report.
	return false
}

func pruneMessage(obj map[string]any, desc protoreflect.MessageDescriptor, resource bool) bool {
	if desc == nil {
		return false
	}
	fields := jsonFields(desc)
	pruned := false
	for key, value := range obj {
		if resource && key == "resourceType" {
			continue
		}
		f, ok := fields[key]
		if !ok {
			delete(obj, key)
			pruned = true
			continue
		}
		if pruneValue(value, f) {
			pruned = true
		}
	}
	return pruned
}

func pruneValue(v any, f jsonField) bool {
	switch x := v.(type) {
	case map[string]any:
		if f.resource {
			return pruneResource(x)
		}
		return pruneMessage(x, f.desc, false)
	case []any:
		pruned := false
		for _, elem := range x {
			if pruneValue(elem, f) {
				pruned = true
			}
		}
		return pruned
	}
	return false
}

func jsonFields(desc protoreflect.MessageDescriptor) map[string]jsonField {
	if cached, ok := jsonFieldCache.Load(desc.FullName()); ok {
		return cached.(map[string]jsonField)
	}
	fields := map[string]jsonField{}
	fds := desc.Fields()
	for i := 0; i < fds.Len(); i++ {
		fd := fds.Get(i)
		md := fd.Message()
		if isChoiceType(md) {
			choices := md.Fields()
			for j := 0; j < choices.Len(); j++ {
				c := choices.Get(j)
				addField(fields, fd.JSONName()+upperFirst(c.JSONName()), c.Message())
			}
			continue
		}
		addField(fields, fd.JSONName(), md)
		if fd.JSONName() == "contained" && md != nil && md.FullName() == "google.protobuf.Any" {
			fields["contained"] = jsonField{resource: true}
		}
	}
	jsonFieldCache.Store(desc.FullName(), fields)
	return fields
}

func addField(fields map[string]jsonField, name string, md protoreflect.MessageDescriptor) {
	f := jsonField{desc: md}
	if md != nil && md.FullName() == containedDescriptor.FullName() {
		f.resource = true
	}
	fields[name] = f
	if isPrimitiveType(md) {
		fields["_"+name] = f
	}
}

func isChoiceType(md protoreflect.MessageDescriptor) bool {
	return md != nil && proto.HasExtension(md.Options(), anpb.E_IsChoiceType)
}

func isPrimitiveType(md protoreflect.MessageDescriptor) bool {
	if md == nil {
		return false
	}
	kind, _ := proto.GetExtension(md.Options(), anpb.E_StructureDefinitionKind).(anpb.StructureDefinitionKindValue)
	return kind == anpb.StructureDefinitionKindValue_KIND_PRIMITIVE_TYPE
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
