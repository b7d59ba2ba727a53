package authserver

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth2 error codes (RFC 6749 Section 5.2)
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeServerError          = "server_error"
)

// RFC 6749 Section 5.2 error URIs
var errorURIs = map[string]string{
	CodeInvalidRequest:       "https://datatracker.ietf.org/doc/html/rfc6749#section-5.2",
	CodeInvalidClient:        "https://datatracker.ietf.org/doc/html/rfc6749#section-5.2",
	CodeInvalidGrant:         "https://datatracker.ietf.org/doc/html/rfc6749#section-5.2",
	CodeUnauthorizedClient:   "https://datatracker.ietf.org/doc/html/rfc6749#section-5.2",
	CodeUnsupportedGrantType: "https://datatracker.ietf.org/doc/html/rfc6749#section-5.2",
	CodeInvalidScope:         "https://datatracker.ietf.org/doc/html/rfc6749#section-3.3",
}

// Error is an OAuth2 protocol error returned by the token endpoint
type Error struct {
	Code        string
	Description string
	Status      int
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// URI returns the documentation link for the error code, if any
func (e *Error) URI() string {
	return errorURIs[e.Code]
}

func newError(code, description string, status int, cause error) *Error {
	return &Error{Code: code, Description: description, Status: status, cause: cause}
}

func errInvalidRequest(description string) *Error {
	return newError(CodeInvalidRequest, description, http.StatusBadRequest, nil)
}

func errInvalidClient(cause error) *Error {
	return newError(CodeInvalidClient, "Bad client credentials", http.StatusUnauthorized, cause)
}

func errInvalidGrant(description string, cause error) *Error {
	return newError(CodeInvalidGrant, description, http.StatusBadRequest, cause)
}

func errUnsupportedGrantType(grantType string) *Error {
	return newError(CodeUnsupportedGrantType, fmt.Sprintf("Unsupported grant type: %s", grantType), http.StatusBadRequest, nil)
}

func errInvalidScope(cause error) *Error {
	return newError(CodeInvalidScope, "Invalid scope", http.StatusBadRequest, cause)
}

func errServer(cause error) *Error {
	return newError(CodeServerError, "Internal error", http.StatusInternalServerError, cause)
}

// AsError converts any error into an OAuth2 Error. Errors that are not
// already an *Error become server_error.
func AsError(err error) *Error {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return errServer(err)
}
