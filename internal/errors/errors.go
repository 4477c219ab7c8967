package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be written back to clients. Code is the
// HTTP status, ErrorCode a stable machine-readable identifier carried in the
// JSON body so API clients do not have to parse Message text.
type GatewayError struct {
	Code       int    `json:"code"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors (no details/requestID) use pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// WritePlain writes the error as a terse text/plain body. Route misses use
// this form; everything API-shaped goes through WriteJSON.
func (e *GatewayError) WritePlain(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(e.Code)
	fmt.Fprintln(w, e.Message)
}

// Base errors for the response mapping table. One value per client-visible
// failure class; request-specific context is layered on with WithDetails.
var (
	ErrNotFound = &GatewayError{
		Code:      http.StatusNotFound,
		ErrorCode: "ROUTE_NOT_MATCHED",
		Message:   "Not Found",
	}

	ErrProtocolNotAcceptable = &GatewayError{
		Code:      http.StatusNotAcceptable,
		ErrorCode: "PROTOCOL_NOT_SUPPORTED",
		Message:   "Not Acceptable",
	}

	ErrUnauthorized = &GatewayError{
		Code:      http.StatusUnauthorized,
		ErrorCode: "AUTH_FAILED",
		Message:   "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:      http.StatusForbidden,
		ErrorCode: "AUTH_FORBIDDEN",
		Message:   "Forbidden",
	}

	ErrBadRequest = &GatewayError{
		Code:      http.StatusBadRequest,
		ErrorCode: "MALFORMED_REQUEST",
		Message:   "Bad Request",
	}

	ErrContentTooLarge = &GatewayError{
		Code:      http.StatusRequestEntityTooLarge,
		ErrorCode: "CONTENT_OVER_LIMIT",
		Message:   "Request Entity Too Large",
	}

	ErrBadGateway = &GatewayError{
		Code:      http.StatusBadGateway,
		ErrorCode: "BACKEND_UNREACHABLE",
		Message:   "Bad Gateway",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:      http.StatusGatewayTimeout,
		ErrorCode: "BACKEND_TIMEOUT",
		Message:   "Gateway Timeout",
	}

	ErrServiceOverloaded = &GatewayError{
		Code:      http.StatusServiceUnavailable,
		ErrorCode: "GATEWAY_OVERLOADED",
		Message:   "Service Unavailable",
	}

	ErrInternal = &GatewayError{
		Code:      http.StatusInternalServerError,
		ErrorCode: "GATEWAY_INTERNAL",
		Message:   "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrProtocolNotAcceptable, ErrUnauthorized, ErrForbidden,
		ErrBadRequest, ErrContentTooLarge, ErrBadGateway, ErrGatewayTimeout,
		ErrServiceOverloaded, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(code int, errorCode, message string) *GatewayError {
	return &GatewayError{
		Code:      code,
		ErrorCode: errorCode,
		Message:   message,
	}
}

// Wrap wraps an error with a client-facing status and message.
func Wrap(err error, code int, errorCode, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		ErrorCode:  errorCode,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error with details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		ErrorCode:  e.ErrorCode,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy of the error with a request ID attached.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		ErrorCode:  e.ErrorCode,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
