package models

import (
	"fmt"
	"time"
)

// ErrorType discriminates WebError variants.
type ErrorType string

const (
	ErrorTypeJavaScript  ErrorType = "javascript"
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeResource    ErrorType = "resource"
	ErrorTypeConsole     ErrorType = "console"
	ErrorTypePerformance ErrorType = "performance"
	ErrorTypeSecurity    ErrorType = "security"
)

// ErrorTypes lists every variant in a stable order.
var ErrorTypes = []ErrorType{
	ErrorTypeJavaScript,
	ErrorTypeNetwork,
	ErrorTypeResource,
	ErrorTypeConsole,
	ErrorTypePerformance,
	ErrorTypeSecurity,
}

// Severity ranks the impact of an observed error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// ErrorBase carries the fields shared by every WebError variant.
type ErrorBase struct {
	ID        string
	Message   string
	Timestamp time.Time
	Severity  Severity
	// Frequency counts folded occurrences and starts at 1.
	Frequency int
}

// Common returns the shared fields.
func (b ErrorBase) Common() ErrorBase { return b }

// WebError is a client-side error observed on a page. The set of
// implementations is closed: only the variants declared in this package
// satisfy the interface.
type WebError interface {
	Type() ErrorType
	Common() ErrorBase
	withOccurrence(frequency int, timestamp time.Time) WebError
}

// JavaScriptError is an uncaught exception or unhandled rejection.
type JavaScriptError struct {
	ErrorBase
	Stack  string
	URL    string
	Line   int
	Column int
}

// NetworkError is a failed or non-2xx fetch/XHR request.
type NetworkError struct {
	ErrorBase
	URL          string
	Method       string
	StatusCode   int
	ResponseTime time.Duration
}

// ResourceError is a sub-resource (script, image, stylesheet) that failed to load.
type ResourceError struct {
	ErrorBase
	URL          string
	ResourceType string
	StatusCode   int
}

// ConsoleError is a console.error or console.warn emission.
type ConsoleError struct {
	ErrorBase
	Level  string
	Source string
}

// PerformanceError is a Web Vitals or timing budget violation.
type PerformanceError struct {
	ErrorBase
	MetricName string
	Value      float64
	Threshold  float64
}

// SecurityError is a CSP, mixed-content or CORS violation.
type SecurityError struct {
	ErrorBase
	ViolationName string
	BlockedURI    string
	Directive     string
}

func (JavaScriptError) Type() ErrorType  { return ErrorTypeJavaScript }
func (NetworkError) Type() ErrorType     { return ErrorTypeNetwork }
func (ResourceError) Type() ErrorType    { return ErrorTypeResource }
func (ConsoleError) Type() ErrorType     { return ErrorTypeConsole }
func (PerformanceError) Type() ErrorType { return ErrorTypePerformance }
func (SecurityError) Type() ErrorType    { return ErrorTypeSecurity }

func (e JavaScriptError) withOccurrence(frequency int, ts time.Time) WebError {
	e.Frequency, e.Timestamp = frequency, ts
	return e
}

func (e NetworkError) withOccurrence(frequency int, ts time.Time) WebError {
	e.Frequency, e.Timestamp = frequency, ts
	return e
}

func (e ResourceError) withOccurrence(frequency int, ts time.Time) WebError {
	e.Frequency, e.Timestamp = frequency, ts
	return e
}

func (e ConsoleError) withOccurrence(frequency int, ts time.Time) WebError {
	e.Frequency, e.Timestamp = frequency, ts
	return e
}

func (e PerformanceError) withOccurrence(frequency int, ts time.Time) WebError {
	e.Frequency, e.Timestamp = frequency, ts
	return e
}

func (e SecurityError) withOccurrence(frequency int, ts time.Time) WebError {
	e.Frequency, e.Timestamp = frequency, ts
	return e
}

// WithOccurrence returns a copy of err carrying the given frequency and
// timestamp. err itself is left untouched.
func WithOccurrence(err WebError, frequency int, timestamp time.Time) WebError {
	return err.withOccurrence(frequency, timestamp)
}

// Validate checks the invariants every stored error must satisfy.
func Validate(err WebError) error {
	switch err.(type) {
	case nil:
		return fmt.Errorf("web error is nil")
	case JavaScriptError, NetworkError, ResourceError, ConsoleError, PerformanceError, SecurityError:
	default:
		return fmt.Errorf("unsupported web error %T: variants are stored by value", err)
	}
	base := err.Common()
	if base.Frequency < 1 {
		return fmt.Errorf("frequency must be >= 1, got %d", base.Frequency)
	}
	if base.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if !base.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", base.Severity)
	}
	return nil
}
