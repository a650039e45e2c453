// Package lookup defines the contract between the scan engine and the
// vulnerability sources it queries. The engine treats results as opaque and
// only inspects the failure kind to decide whether a call may be retried.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidUnit is returned when a unit id is not of the form ecosystem:name@version.
var ErrInvalidUnit = errors.New("invalid unit id")

// Source is one external vulnerability database.
type Source interface {
	// Name identifies the source. It is also the rate-limited resource name.
	Name() string

	// Lookup returns the findings for a single unit.
	Lookup(ctx context.Context, unitID string) (Result, error)
}

// Peeker is implemented by sources that can answer from a local cache
// without issuing a rate-limited request.
type Peeker interface {
	Peek(ctx context.Context, unitID string) (Result, bool)
}

// Finding is one advisory reported by a source.
type Finding struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
}

// Result is the outcome of a successful lookup. No findings means the unit is clean.
type Result struct {
	Source   string    `json:"source"`
	Findings []Finding `json:"findings"`
}

// Kind classifies a lookup failure.
type Kind int

const (
	// Transient failures (timeouts, 5xx, throttling) may succeed on retry.
	Transient Kind = iota
	// Permanent failures (unknown package, malformed request) will not.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a typed lookup failure.
type Error struct {
	Kind   Kind
	Source string
	Unit   string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s lookup of %s failed (%s): %v", e.Source, e.Unit, e.Kind, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable failure.
func NewTransient(source, unit string, err error) *Error {
	return &Error{Kind: Transient, Source: source, Unit: unit, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(source, unit string, err error) *Error {
	return &Error{Kind: Permanent, Source: source, Unit: unit, Err: err}
}

// IsTransient reports whether err may succeed on retry. Errors that carry no
// classification are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var lookupErr *Error
	if errors.As(err, &lookupErr) {
		return lookupErr.Kind == Transient
	}
	return true
}

// Package is a parsed unit id.
type Package struct {
	Ecosystem string
	Name      string
	Version   string
}

// String renders the package in unit id form.
func (p Package) String() string {
	return p.Ecosystem + ":" + p.Name + "@" + p.Version
}

// ParsePackage parses "ecosystem:name@version". Scoped names such as
// "npm:@babel/core@7.0.0" are supported because the version separator is the
// last '@'.
func ParsePackage(unitID string) (Package, error) {
	eco, rest, ok := strings.Cut(unitID, ":")
	if !ok || eco == "" {
		return Package{}, fmt.Errorf("%w: %q: missing ecosystem", ErrInvalidUnit, unitID)
	}

	at := strings.LastIndex(rest, "@")
	if at <= 0 || at == len(rest)-1 {
		return Package{}, fmt.Errorf("%w: %q: expected name@version", ErrInvalidUnit, unitID)
	}

	return Package{Ecosystem: eco, Name: rest[:at], Version: rest[at+1:]}, nil
}
