package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Sternrassler/vulnscan/pkg/lookup"
)

// ErrUserAgentRequired is returned by New when no User-Agent is configured.
var ErrUserAgentRequired = errors.New("user-agent is required")

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 4 << 10

// ErrorClass groups failed OSV calls by how a retry would fare.
type ErrorClass string

const (
	ErrorClassClient    ErrorClass = "client"     // 4xx other than 429
	ErrorClassRateLimit ErrorClass = "rate_limit" // 429
	ErrorClassServer    ErrorClass = "server"     // 5xx
	ErrorClassNetwork   ErrorClass = "network"
	ErrorClassDecode    ErrorClass = "decode"
)

// Retryable reports whether a later attempt of the same query can succeed.
// A rejected query fails the same way every time.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork, ErrorClassDecode:
		return true
	default:
		return false
	}
}

func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 500:
		return ErrorClassServer
	case statusCode >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// APIError is a failed OSV query of one unit.
type APIError struct {
	Unit       string
	StatusCode int // zero when no response was received
	Class      ErrorClass
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "osv %s error", e.Class)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// lookupError wraps e in the engine's typed failure.
func (e *APIError) lookupError() *lookup.Error {
	if e.Class.Retryable() {
		return lookup.NewTransient(SourceName, e.Unit, e)
	}
	return lookup.NewPermanent(SourceName, e.Unit, e)
}

// statusError builds the error of a non-2xx response. OSV reports
// rejections as {"code": n, "message": "..."}; that message is preferred
// over the bare status line.
func statusError(unit string, resp *http.Response) *APIError {
	msg := resp.Status

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil && body.Message != "" {
		msg = body.Message
	}

	return &APIError{
		Unit:       unit,
		StatusCode: resp.StatusCode,
		Class:      classifyStatus(resp.StatusCode),
		Message:    msg,
	}
}
