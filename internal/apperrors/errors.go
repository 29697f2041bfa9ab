package apperrors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Codes
// =============================================================================

type ErrorCode string

const (
	ErrorCodeResolution       ErrorCode = "RESOLUTION_FAILED"
	ErrorCodeIdentityMismatch ErrorCode = "IDENTITY_MISMATCH"
	ErrorCodeAction           ErrorCode = "ACTION_FAILED"
	ErrorCodeParse            ErrorCode = "PARSE_FAILED"
	ErrorCodeSubscription     ErrorCode = "SUBSCRIPTION_FAILED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Code() ErrorCode
}

// CodeOf returns the code of the first coded error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// =============================================================================
// Resolution
// =============================================================================

// ResolutionError means a configured host could not be turned into an IPv4
// address. Zone players reject requests whose Host header does not match
// their own address, so names and IPv6 results are not usable.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: cannot resolve to an IPv4 address", e.Host)
	}
	return fmt.Sprintf("%s: cannot resolve to an IPv4 address: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error   { return e.Err }
func (e *ResolutionError) Code() ErrorCode { return ErrorCodeResolution }

// =============================================================================
// Identity
// =============================================================================

// IdentityMismatchError is returned when the device found at an address is
// not the device the caller expected.
type IdentityMismatchError struct {
	Address  string
	Expected string
	Actual   string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("%s: expected device %s, found %s", e.Address, e.Expected, e.Actual)
}

func (e *IdentityMismatchError) Code() ErrorCode { return ErrorCodeIdentityMismatch }

// =============================================================================
// Actions
// =============================================================================

// Request describes the HTTP request behind a failed action.
type Request struct {
	ID      string
	Method  string
	URL     string
	Service string
	Action  string
}

func (r Request) String() string {
	if r.Action == "" {
		return fmt.Sprintf("%s %s", r.Method, r.URL)
	}
	return fmt.Sprintf("%s %s (%s#%s)", r.Method, r.URL, r.Service, r.Action)
}

// ActionError is a failed SOAP action: either a transport failure
// (Status == 0) or a non-2xx response.
type ActionError struct {
	Request     Request
	Status      int
	FaultCode   string
	Description string
	Err         error
}

func (e *ActionError) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("%s: %v", e.Request, e.Err)
	case e.FaultCode != "" && e.Description != "":
		return fmt.Sprintf("%s: http status %d: upnp error %s (%s)", e.Request, e.Status, e.FaultCode, e.Description)
	case e.FaultCode != "":
		return fmt.Sprintf("%s: http status %d: upnp error %s", e.Request, e.Status, e.FaultCode)
	default:
		return fmt.Sprintf("%s: http status %d", e.Request, e.Status)
	}
}

func (e *ActionError) Unwrap() error   { return e.Err }
func (e *ActionError) Code() ErrorCode { return ErrorCodeAction }

// IsServerError reports whether err is an ActionError for an HTTP 500.
func IsServerError(err error) bool {
	var actionErr *ActionError
	return errors.As(err, &actionErr) && actionErr.Status == 500
}

// =============================================================================
// Parsing
// =============================================================================

// ParseError is malformed or unexpectedly shaped XML.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse " + e.What
	}
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error   { return e.Err }
func (e *ParseError) Code() ErrorCode { return ErrorCodeParse }

// =============================================================================
// Subscriptions
// =============================================================================

// SubscriptionError is a failed SUBSCRIBE, renewal or UNSUBSCRIBE.
type SubscriptionError struct {
	Op     string
	Path   string
	Status int
	Err    error
}

func (e *SubscriptionError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s %s: http status %d: %v", e.Op, e.Path, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: http status %d", e.Op, e.Path, e.Status)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
}

func (e *SubscriptionError) Unwrap() error   { return e.Err }
func (e *SubscriptionError) Code() ErrorCode { return ErrorCodeSubscription }

// =============================================================================
// Timeouts
// =============================================================================

// TimeoutError is a bounded wait that expired.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return e.Op + ": timed out"
	}
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error   { return e.Err }
func (e *TimeoutError) Code() ErrorCode { return ErrorCodeTimeout }
