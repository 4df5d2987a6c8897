package enroll

import (
	"errors"
	"fmt"
)

// FailureCode classifies an enrollment failure. Every code except
// InternalError is an expected, policy-level outcome and maps to a
// protocol failure-info value in the wire response; none of them ever
// surfaces as a transport-level error.
type FailureCode int

const (
	// MalformedMessage means the inbound bytes could not be parsed as a
	// protocol message, or decryption of the payload failed.
	MalformedMessage FailureCode = iota

	// UnsupportedOperation means the requested operation or message type
	// is not part of the protocol surface.
	UnsupportedOperation

	// ProtectionVerificationFailed means the message-level authenticity
	// check (shared secret, MAC or signature/POP) failed. The code never
	// reveals which sub-check failed.
	ProtectionVerificationFailed

	// RenewalNotEligible means the renewal-eligibility policy rejected
	// the request. A policy failure, not a protocol failure.
	RenewalNotEligible

	// UnknownTransaction means a poll referenced a transaction id the
	// ledger has no record of.
	UnknownTransaction

	// ProfileDisabledOrMisconfigured means the enrollment profile is
	// missing, disabled, or lacks required configuration.
	ProfileDisabledOrMisconfigured

	// IssuanceFailed wraps an error returned by the CA backend.
	IssuanceFailed

	// InternalError is anything unexpected. Logged with full context and
	// still answered with a generic in-band failure.
	InternalError
)

// String returns the code's stable name.
func (c FailureCode) String() string {
	switch c {
	case MalformedMessage:
		return "malformed message"
	case UnsupportedOperation:
		return "unsupported operation"
	case ProtectionVerificationFailed:
		return "protection verification failed"
	case RenewalNotEligible:
		return "renewal not eligible"
	case UnknownTransaction:
		return "unknown transaction"
	case ProfileDisabledOrMisconfigured:
		return "profile disabled or misconfigured"
	case IssuanceFailed:
		return "issuance failed"
	default:
		return "internal error"
	}
}

// Error is a classified enrollment failure.
type Error struct {
	Code    FailureCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified failure with a formatted message.
func Errorf(code FailureCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(code FailureCode, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the failure code from err, defaulting to InternalError
// for unclassified errors.
func CodeOf(err error) FailureCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}
