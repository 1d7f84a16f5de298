package fhir

import "fmt"

// BadGatewayOutcome creates a 502-style OperationOutcome for a failed call to
// the upstream FHIR server, either the proxied request itself or a lookup
// made while enriching its response.
func BadGatewayOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTransient, diagnostics)
}

// TimeoutOutcome creates a 504-style OperationOutcome for a request that ran
// past its deadline.
func TimeoutOutcome() *OperationOutcome {
	return NewOperationOutcome(
		IssueSeverityError,
		IssueTypeTimeout,
		"Request processing exceeded the allowed time limit",
	)
}

// MethodNotAllowedOutcome creates a 405-style OperationOutcome for an HTTP
// method the host router does not accept.
func MethodNotAllowedOutcome(method string) *OperationOutcome {
	return NewOperationOutcome(
		IssueSeverityError,
		IssueTypeNotSupported,
		fmt.Sprintf("HTTP method %s is not allowed", method),
	)
}
