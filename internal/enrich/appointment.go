package enrich

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"
	"github.com/wayfinder/fhirproxy/internal/platform/telemetry"

	dtpb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/datatypes_go_proto"
	apb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/appointment_go_proto"
	opb "github.com/google/fhir/go/proto/google/fhir/proto/r4/core/resources/organization_go_proto"
)

// OrganizationResolver returns the Organization with the given id. The
// result is treated as read-only.
type OrganizationResolver interface {
	ResolveOrganization(ctx context.Context, id string) (*opb.Organization, error)
}

// OutcomeRecorder counts what a rule did with a resource.
type OutcomeRecorder interface {
	Enrichment(kind, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) Enrichment(string, string) {}

// AppointmentRuleConfig holds the vocabulary the appointment rule matches on.
type AppointmentRuleConfig struct {
	// SourceOrganizationExtensionURL identifies the meta extension whose
	// valueReference names the organization the appointment came from.
	SourceOrganizationExtensionURL string
	// IdentifierSystem selects which of that organization's identifiers is
	// copied onto the appointment.
	IdentifierSystem string
}

// AppointmentRule adds a Location participant to appointments that carry a
// source organization extension. The participant's actor holds a copy of
// the organization's identifier in the configured system.
//
// The rule is not idempotent: enriching the same appointment twice adds two
// participants.
type AppointmentRule struct {
	cfg      AppointmentRuleConfig
	resolver OrganizationResolver
	logger   zerolog.Logger
	recorder OutcomeRecorder
}

func NewAppointmentRule(cfg AppointmentRuleConfig, resolver OrganizationResolver, logger zerolog.Logger, recorder OutcomeRecorder) *AppointmentRule {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &AppointmentRule{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		recorder: recorder,
	}
}

// Enrich returns an error only when the source organization cannot be
// resolved. Every other unmet condition leaves appt untouched.
func (r *AppointmentRule) Enrich(ctx context.Context, appt *apb.Appointment) error {
	ext := r.sourceOrganizationExtension(appt)
	if ext == nil {
		r.skip(appt, "no source organization extension")
		return nil
	}

	orgID, ok := fhir.ReferenceID(ext.GetValue().GetReference(), fhir.KindOrganization)
	if !ok {
		r.skip(appt, "source organization extension is not an organization reference")
		return nil
	}

	org, err := r.resolver.ResolveOrganization(ctx, orgID)
	if err != nil {
		r.recorder.Enrichment(fhir.KindAppointment, telemetry.OutcomeFailed)
		return fmt.Errorf("resolve source organization %s: %w", orgID, err)
	}

	ident := r.registryIdentifier(org)
	if ident == nil {
		r.skip(appt, "source organization has no identifier in the configured system")
		return nil
	}

	appt.Participant = append(appt.Participant, &apb.Appointment_Participant{
		Actor: &dtpb.Reference{
			Type:       &dtpb.Uri{Value: fhir.KindLocation},
			Identifier: proto.Clone(ident).(*dtpb.Identifier),
		},
	})
	r.recorder.Enrichment(fhir.KindAppointment, telemetry.OutcomeApplied)

	r.logger.Info().
		Str("appointment_id", appt.GetId().GetValue()).
		Str("organization_id", orgID).
		Str("identifier", ident.GetValue().GetValue()).
		Msg("added location participant to appointment")
	return nil
}

// sourceOrganizationExtension returns the first meta extension with the
// configured URL.
func (r *AppointmentRule) sourceOrganizationExtension(appt *apb.Appointment) *dtpb.Extension {
	for _, ext := range appt.GetMeta().GetExtension() {
		if ext.GetUrl().GetValue() == r.cfg.SourceOrganizationExtensionURL {
			return ext
		}
	}
	return nil
}

func (r *AppointmentRule) registryIdentifier(org *opb.Organization) *dtpb.Identifier {
	for _, ident := range org.GetIdentifier() {
		if ident.GetSystem().GetValue() == r.cfg.IdentifierSystem {
			return ident
		}
	}
	return nil
}

func (r *AppointmentRule) skip(appt *apb.Appointment, reason string) {
	r.recorder.Enrichment(fhir.KindAppointment, telemetry.OutcomeSkipped)
	r.logger.Debug().
		Str("appointment_id", appt.GetId().GetValue()).
		Str("reason", reason).
		Msg("appointment not enriched")
}
