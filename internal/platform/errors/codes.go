// Package errors provides coded errors shared by the projection services.
//
// A Code is the stable, machine-readable part of a failure. Ticket outcomes
// and health messages carry it so operators can tell a poison event from a
// misconfigured tier without parsing messages.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Event errors
	CodeInvalidDomainEvent    Code = "INVALID_DOMAIN_EVENT"
	CodeEventPayloadInvalid   Code = "EVENT_PAYLOAD_INVALID"
	CodeGlobalPositionMissing Code = "GLOBAL_POSITION_MISSING"
	CodeStreamGap             Code = "STREAM_GAP"

	// Dispatch errors
	CodeNotSupported   Code = "NOT_SUPPORTED"
	CodeHandlerFailure Code = "HANDLER_FAILURE"

	// Configuration errors
	CodeConfigurationAmbiguity Code = "CONFIGURATION_AMBIGUITY"
	CodeTypeNotFound           Code = "TYPE_NOT_FOUND"
	CodeArgumentRequired       Code = "ARGUMENT_REQUIRED"
	CodeDuplicateHandler       Code = "DUPLICATE_HANDLER"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// Fatal reports whether a failure with this code must stop a tier without
// automatic retry. Such failures need an operator fix before a restart.
func (c Code) Fatal() bool {
	switch c {
	case CodeInvalidDomainEvent, CodeNotSupported, CodeConfigurationAmbiguity,
		CodeTypeNotFound, CodeDuplicateHandler, CodeGlobalPositionMissing, CodeStreamGap:
		return true
	default:
		return false
	}
}
