// Package errors provides structured error handling for the relay engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Allocation errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeModeUnknown   Code = "MODE_UNKNOWN"
	CodeRoundTooLarge Code = "ROUND_TOO_LARGE"

	// Attempt lifecycle errors
	CodeStateConflict Code = "STATE_CONFLICT"

	// User errors
	CodeUserIDEmpty Code = "USER_ID_EMPTY"

	// Storage errors
	CodeStoreTransient Code = "STORE_TRANSIENT"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeModeUnknown,
		CodeRoundTooLarge,
		CodeUserIDEmpty:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeStateConflict:
		return codes.FailedPrecondition

	// NotFound - no eligible round or attempt
	case CodeNotFound:
		return codes.NotFound

	// Unavailable - store conflict retries exhausted
	case CodeStoreTransient:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
