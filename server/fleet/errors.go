package fleet

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ErrWithStatusCode is an interface for errors that should set a specific HTTP
// status code.
type ErrWithStatusCode interface {
	error
	StatusCode() int
}

// ErrWithInternal is an interface for errors that include extra "internal"
// information that should be logged in server logs but not sent to clients.
type ErrWithInternal interface {
	error
	// Internal returns the error string that must only be logged internally,
	// not returned to the client.
	Internal() string
}

// ErrWithLogFields is an interface for errors that include additional logging
// fields that should be logged in server logs but not sent to clients.
type ErrWithLogFields interface {
	error
	// LogFields returns the additional log fields to add, which should come in
	// key, value pairs (as used in go-kit log).
	LogFields() []interface{}
}

// ErrorUUIDer is the interface for errors that contain a UUID.
type ErrorUUIDer interface {
	// UUID returns the error's UUID.
	UUID() string
}

// ErrorWithUUID can be embedded to error types to implement ErrorUUIDer.
type ErrorWithUUID struct {
	uuid string
}

var _ ErrorUUIDer = (*ErrorWithUUID)(nil)

// UUID implements the ErrorUUIDer interface.
func (e *ErrorWithUUID) UUID() string {
	if e.uuid == "" {
		uuid, err := uuid.NewRandom()
		if err != nil {
			panic(err)
		}
		e.uuid = uuid.String()
	}
	return e.uuid
}

func internalString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MalformedRequestError is returned when an inbound SOAP message cannot be
// parsed or misses a required WS-Addressing header. It generates a 400.
type MalformedRequestError struct {
	Message     string
	InternalErr error

	ErrorWithUUID
}

// NewMalformedRequestError returns a MalformedRequestError with the client
// facing message and the internal cause.
func NewMalformedRequestError(message string, internal error) *MalformedRequestError {
	return &MalformedRequestError{Message: message, InternalErr: internal}
}

func (e *MalformedRequestError) Error() string {
	return e.Message
}

func (e *MalformedRequestError) Internal() string {
	return internalString(e.InternalErr)
}

func (e *MalformedRequestError) StatusCode() int {
	return http.StatusBadRequest
}

func (e *MalformedRequestError) Unwrap() error {
	return e.InternalErr
}

// MissingParameterError is returned when a required query parameter is
// absent. It generates a 400 with a body naming the parameter.
type MissingParameterError struct {
	Name string

	ErrorWithUUID
}

// NewMissingParameterError returns a MissingParameterError for the named
// parameter.
func NewMissingParameterError(name string) *MissingParameterError {
	return &MissingParameterError{Name: name}
}

func (e *MissingParameterError) Error() string {
	return "Missing " + e.Name
}

func (e *MissingParameterError) StatusCode() int {
	return http.StatusBadRequest
}

// StorageUnavailableError is returned when the device authority store cannot
// be reached or a query fails. It generates a 500.
type StorageUnavailableError struct {
	Op          string
	InternalErr error

	ErrorWithUUID
}

// NewStorageUnavailableError wraps a datastore failure of the named
// operation.
func NewStorageUnavailableError(op string, internal error) *StorageUnavailableError {
	return &StorageUnavailableError{Op: op, InternalErr: internal}
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %s", e.Op)
}

func (e *StorageUnavailableError) Internal() string {
	return internalString(e.InternalErr)
}

func (e *StorageUnavailableError) StatusCode() int {
	return http.StatusInternalServerError
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.InternalErr
}

// IssuanceFailureError is returned when a new device authority could not be
// generated or persisted. It generates a 500.
type IssuanceFailureError struct {
	InternalErr error

	ErrorWithUUID
}

// NewIssuanceFailureError wraps the cause of a failed issuance.
func NewIssuanceFailureError(internal error) *IssuanceFailureError {
	return &IssuanceFailureError{InternalErr: internal}
}

func (e *IssuanceFailureError) Error() string {
	return "device authority issuance failed"
}

func (e *IssuanceFailureError) Internal() string {
	return internalString(e.InternalErr)
}

func (e *IssuanceFailureError) StatusCode() int {
	return http.StatusInternalServerError
}

func (e *IssuanceFailureError) Unwrap() error {
	return e.InternalErr
}

// AuthFailedError is returned when a device presents no client certificate,
// or one that does not chain to a valid device authority.
type AuthFailedError struct {
	// internal is the reason that should only be logged internally
	internal string

	ErrorWithUUID
}

func NewAuthFailedError(internal string) *AuthFailedError {
	return &AuthFailedError{internal: internal}
}

func (e AuthFailedError) Error() string {
	return "Authentication failed"
}

func (e AuthFailedError) Internal() string {
	return e.internal
}

func (e AuthFailedError) StatusCode() int {
	return http.StatusUnauthorized
}

// GatewayError is an error type that generates a 502 or 504 status code. It
// is the UpstreamUnavailable error of the relay.
type GatewayError struct {
	Message string
	err     error
	code    int

	ErrorWithUUID
}

// NewBadGatewayError returns a GatewayError with the message and
// error specified and that returns a 502 status code.
func NewBadGatewayError(message string, err error) *GatewayError {
	return &GatewayError{
		Message: message,
		err:     err,
		code:    http.StatusBadGateway,
	}
}

// NewGatewayTimeoutError returns a GatewayError with the message and
// error specified and that returns a 504 status code.
func NewGatewayTimeoutError(message string, err error) *GatewayError {
	return &GatewayError{
		Message: message,
		err:     err,
		code:    http.StatusGatewayTimeout,
	}
}

// StatusCode implements the kithttp.StatusCoder interface so we can customize the
// HTTP status code of the response returning this error.
func (e *GatewayError) StatusCode() int {
	return e.code
}

// Error returns the error message.
func (e *GatewayError) Error() string {
	msg := e.Message
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.err
}

// NotFoundError is returned when the datastore resource cannot be found.
type NotFoundError interface {
	error
	IsNotFound() bool
}

func IsNotFound(err error) bool {
	var nfe NotFoundError
	if errors.As(err, &nfe) {
		return nfe.IsNotFound()
	}
	return false
}
