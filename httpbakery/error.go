package httpbakery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/errgo.v1"
	"gopkg.in/macaroon.v2"
)

// ErrorCode holds an error code that classifies
// an error returned from a bakery HTTP handler
// or from the client itself.
type ErrorCode string

func (e ErrorCode) Error() string {
	return string(e)
}

func (e ErrorCode) ErrorCode() ErrorCode {
	return e
}

// Error codes sent by bakery services.
const (
	ErrBadRequest          = ErrorCode("bad request")
	ErrDischargeRequired   = ErrorCode("macaroon discharge required")
	ErrInteractionRequired = ErrorCode("interaction required")
)

// Error causes raised by the client. Use errgo.Cause to
// find the classification of an error.
const (
	// ErrTransport is the cause of errors from the
	// underlying web handler.
	ErrTransport = ErrorCode("transport error")

	// ErrCaveatFormat is the cause of errors from
	// malformed third party caveat ids.
	ErrCaveatFormat = ErrorCode("bad caveat id format")

	// ErrKeyMismatch is the cause of errors unsealing a caveat
	// id addressed to a public key other than our own.
	ErrKeyMismatch = ErrorCode("public key mismatch")

	// ErrNonceLength is the cause of errors unsealing a caveat
	// id whose nonce is not NonceLen bytes long.
	ErrNonceLength = ErrorCode("bad nonce length")

	// ErrDecryption is the cause of errors when the
	// authenticated decryption of a caveat id fails.
	ErrDecryption = ErrorCode("decryption failed")

	// ErrMissingCondition is the cause of errors unsealing a
	// caveat id that holds no condition.
	ErrMissingCondition = ErrorCode("empty condition in third party caveat")

	// ErrDischargeRejected is the cause of errors when a third
	// party declines to discharge a caveat.
	ErrDischargeRejected = ErrorCode("discharge rejected")

	// ErrBadChallenge is the cause of errors when a discharge
	// required response cannot be understood.
	ErrBadChallenge = ErrorCode("bad discharge challenge")
)

// Error holds the type of a response from an httpbakery HTTP request,
// marshaled as JSON.
type Error struct {
	Code    ErrorCode  `json:",omitempty"`
	Message string     `json:",omitempty"`
	Info    *ErrorInfo `json:",omitempty"`
}

// ErrorInfo holds additional information provided
// by an error.
type ErrorInfo struct {
	// Macaroon may hold a macaroon that, when
	// discharged, may allow access to a service.
	// This field is associated with the ErrDischargeRequired
	// error code.
	Macaroon *macaroon.Macaroon `json:",omitempty"`

	// VisitURL and WaitURL are associated with the
	// ErrInteractionRequired error code.

	// VisitURL holds a URL that the client should visit
	// in a web browser to authenticate themselves.
	VisitURL string `json:",omitempty"`

	// WaitURL holds a URL that the client should visit
	// to acquire the discharge macaroon. A GET on
	// this URL will block until the client has authenticated,
	// and then it will return the discharge macaroon.
	WaitURL string `json:",omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) ErrorCode() ErrorCode {
	return e.Code
}

// ErrorInfo returns additional information
// about the error.
func (e *Error) ErrorInfo() *ErrorInfo {
	return e.Info
}

// InteractionError is the cause of a discharge failure
// when the third party responds with an error code other
// than ErrInteractionRequired, or with an interaction
// required error that cannot be acted upon.
type InteractionError struct {
	// Code holds the code sent by the third party.
	Code ErrorCode

	// Message holds the message sent by the third party.
	Message string
}

func (e *InteractionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cannot discharge: unexpected error code %q", e.Code)
	}
	return fmt.Sprintf("cannot discharge: unexpected error code %q: %s", e.Code, e.Message)
}

// ResponseError is returned when a request completes
// with a status code of 400 or greater.
type ResponseError struct {
	Response *Response
}

func (e *ResponseError) Error() string {
	if msg := responseMessage(e.Response); msg != "" {
		return fmt.Sprintf("%s: %s", statusText(e.Response.StatusCode), msg)
	}
	return statusText(e.Response.StatusCode)
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("%d %s", code, text)
	}
	return fmt.Sprintf("status %d", code)
}

// responseMessage returns the error message held in the body of
// resp, either as a JSON-encoded Error or as plain text.
func responseMessage(resp *Response) string {
	if len(resp.Body) == 0 {
		return ""
	}
	var errResp Error
	if err := json.Unmarshal(resp.Body, &errResp); err == nil && (errResp.Message != "" || errResp.Code != "") {
		return errResp.Error()
	}
	const maxLen = 200
	body := strings.TrimSpace(string(resp.Body))
	if len(body) > maxLen {
		body = body[:maxLen] + "..."
	}
	return body
}

// badResponseErrorf returns an error caused by cause describing
// resp with the given message prefix.
func badResponseErrorf(cause error, resp *Response, f string, a ...interface{}) error {
	return errgo.WithCausef(&ResponseError{resp}, cause, f, a...)
}
