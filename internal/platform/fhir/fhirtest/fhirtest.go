// Package fhirtest builds small, valid FHIR R4 resources for tests.
package fhirtest

import (
	"testing"

	"google.golang.org/protobuf/proto"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"

	cpb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/codes_go_proto"
	dtpb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/datatypes_go_proto"
	apb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/appointment_go_proto"
	r4pb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/bundle_and_contained_resource_go_proto"
	opb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/organization_go_proto"
	ppb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/patient_go_proto"
)

const (
	SourceOrgURL = "http://fhir.patientsknowbest.com/structuredefinition/source-organisation"
	ODSSystem    = "https://fhir.nhs.uk/Id/ods-organization-code"
)

// Appointment returns a proposed appointment with a single patient
// participant, which is the smallest shape the R4 unmarshaller accepts.
func Appointment(id string) *apb.Appointment {
	return &apb.Appointment{
		Id:     &dtpb.Id{Value: id},
		Status: &apb.Appointment_StatusCode{Value: cpb.AppointmentStatusCode_PROPOSED},
		Participant: []*apb.Appointment_Participant{
			{
				Actor:  PatientRef("patient-1"),
				Status: &apb.Appointment_Participant_StatusCode{Value: cpb.ParticipationStatusCode_ACCEPTED},
			},
		},
	}
}

// WithExtension adds a meta extension carrying ref under url.
func WithExtension(a *apb.Appointment, url string, ref *dtpb.Reference) *apb.Appointment {
	if a.Meta == nil {
		a.Meta = &dtpb.Meta{}
	}
	a.Meta.Extension = append(a.Meta.Extension, &dtpb.Extension{
		Url:   &dtpb.Uri{Value: url},
		Value: &dtpb.Extension_ValueX{Choice: &dtpb.Extension_ValueX_Reference{Reference: ref}},
	})
	return a
}

// SourcedAppointment returns an appointment whose source organization
// extension points at orgID.
func SourcedAppointment(id, orgID string) *apb.Appointment {
	return WithExtension(Appointment(id), SourceOrgURL, OrganizationRef(orgID))
}

func OrganizationRef(id string) *dtpb.Reference {
	return &dtpb.Reference{Reference: &dtpb.Reference_OrganizationId{OrganizationId: &dtpb.ReferenceId{Value: id}}}
}

func PatientRef(id string) *dtpb.Reference {
	return &dtpb.Reference{Reference: &dtpb.Reference_PatientId{PatientId: &dtpb.ReferenceId{Value: id}}}
}

func URIRef(uri string) *dtpb.Reference {
	return &dtpb.Reference{Reference: &dtpb.Reference_Uri{Uri: &dtpb.String{Value: uri}}}
}

func Identifier(system, value string) *dtpb.Identifier {
	return &dtpb.Identifier{
		System: &dtpb.Uri{Value: system},
		Value:  &dtpb.String{Value: value},
	}
}

func Organization(id string, identifiers ...*dtpb.Identifier) *opb.Organization {
	return &opb.Organization{
		Id:         &dtpb.Id{Value: id},
		Name:       &dtpb.String{Value: "Organization " + id},
		Identifier: identifiers,
	}
}

func Patient(id string) *ppb.Patient {
	return &ppb.Patient{Id: &dtpb.Id{Value: id}}
}

// Bundle returns a searchset bundle with one entry per resource. A nil
// resource produces an entry without a resource.
func Bundle(t testing.TB, resources ...proto.Message) *r4pb.Bundle {
	t.Helper()
	b := &r4pb.Bundle{
		Type: &r4pb.Bundle_TypeCode{Value: cpb.BundleTypeCode_SEARCHSET},
	}
	for _, res := range resources {
		entry := &r4pb.Bundle_Entry{}
		if res != nil {
			entry.Resource = Contain(t, res)
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}

// Contain wraps res in a ContainedResource, failing the test if it cannot.
func Contain(t testing.TB, res proto.Message) *r4pb.ContainedResource {
	t.Helper()
	cr, err := fhir.Wrap(res)
	if err != nil {
		t.Fatalf("wrap %T: %v", res, err)
	}
	return cr
}

// EncodeJSON serializes res as FHIR JSON.
func EncodeJSON(t testing.TB, res proto.Message) []byte {
	t.Helper()
	codec, err := fhir.NewCodec()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	cr, ok := res.(*r4pb.ContainedResource)
	if !ok {
		cr = Contain(t, res)
	}
	data, err := codec.Encode(cr)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}
