package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-errorwatch/internal/utils"
)

// ErrorEnvelope is the flat wire shape of a WebError used by the JSON,
// YAML and protobuf Struct surfaces. Type selects which variant fields apply.
type ErrorEnvelope struct {
	Type      ErrorType `json:"type" yaml:"type"`
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	Message   string    `json:"message" yaml:"message"`
	Timestamp string    `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Severity  Severity  `json:"severity,omitempty" yaml:"severity,omitempty"`
	Frequency int       `json:"frequency,omitempty" yaml:"frequency,omitempty"`

	Stack          string  `json:"stack,omitempty" yaml:"stack,omitempty"`
	URL            string  `json:"url,omitempty" yaml:"url,omitempty"`
	Line           int     `json:"line,omitempty" yaml:"line,omitempty"`
	Column         int     `json:"column,omitempty" yaml:"column,omitempty"`
	Method         string  `json:"method,omitempty" yaml:"method,omitempty"`
	StatusCode     int     `json:"statusCode,omitempty" yaml:"statusCode,omitempty"`
	ResponseTimeMs float64 `json:"responseTimeMs,omitempty" yaml:"responseTimeMs,omitempty"`
	ResourceType   string  `json:"resourceType,omitempty" yaml:"resourceType,omitempty"`
	Level          string  `json:"level,omitempty" yaml:"level,omitempty"`
	Source         string  `json:"source,omitempty" yaml:"source,omitempty"`
	MetricName     string  `json:"metricName,omitempty" yaml:"metricName,omitempty"`
	Value          float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Threshold      float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ViolationName  string  `json:"violationName,omitempty" yaml:"violationName,omitempty"`
	BlockedURI     string  `json:"blockedURI,omitempty" yaml:"blockedURI,omitempty"`
	Directive      string  `json:"directive,omitempty" yaml:"directive,omitempty"`
}

// Decode converts the envelope into its WebError variant. Missing ids are
// minted, a missing timestamp falls back to now, a missing severity to
// medium and a missing frequency to 1.
func (env ErrorEnvelope) Decode(now time.Time) (WebError, error) {
	base := ErrorBase{
		ID:        env.ID,
		Message:   env.Message,
		Severity:  env.Severity,
		Frequency: env.Frequency,
		Timestamp: now,
	}
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if base.Severity == "" {
		base.Severity = SeverityMedium
	}
	if base.Frequency == 0 {
		base.Frequency = 1
	}
	if env.Timestamp != "" {
		ts, err := utils.ParseRFC3339(env.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("error %s: %w", base.ID, err)
		}
		base.Timestamp = ts
	}

	var out WebError
	switch env.Type {
	case ErrorTypeJavaScript:
		if env.Message == "" {
			return nil, fmt.Errorf("javascript error requires message")
		}
		out = JavaScriptError{ErrorBase: base, Stack: env.Stack, URL: env.URL, Line: env.Line, Column: env.Column}
	case ErrorTypeNetwork:
		if env.URL == "" {
			return nil, fmt.Errorf("network error requires url")
		}
		out = NetworkError{
			ErrorBase:    base,
			URL:          env.URL,
			Method:       env.Method,
			StatusCode:   env.StatusCode,
			ResponseTime: time.Duration(env.ResponseTimeMs * float64(time.Millisecond)),
		}
	case ErrorTypeResource:
		if env.URL == "" {
			return nil, fmt.Errorf("resource error requires url")
		}
		out = ResourceError{ErrorBase: base, URL: env.URL, ResourceType: env.ResourceType, StatusCode: env.StatusCode}
	case ErrorTypeConsole:
		if env.Message == "" {
			return nil, fmt.Errorf("console error requires message")
		}
		out = ConsoleError{ErrorBase: base, Level: env.Level, Source: env.Source}
	case ErrorTypePerformance:
		if env.MetricName == "" {
			return nil, fmt.Errorf("performance error requires metricName")
		}
		out = PerformanceError{ErrorBase: base, MetricName: env.MetricName, Value: env.Value, Threshold: env.Threshold}
	case ErrorTypeSecurity:
		if env.ViolationName == "" {
			return nil, fmt.Errorf("security error requires violationName")
		}
		out = SecurityError{ErrorBase: base, ViolationName: env.ViolationName, BlockedURI: env.BlockedURI, Directive: env.Directive}
	default:
		return nil, fmt.Errorf("unknown error type %q", env.Type)
	}

	if err := Validate(out); err != nil {
		return nil, fmt.Errorf("error %s: %w", base.ID, err)
	}
	return out, nil
}

// Envelope flattens a WebError into its wire shape.
func Envelope(err WebError) ErrorEnvelope {
	base := err.Common()
	env := ErrorEnvelope{
		Type:      err.Type(),
		ID:        base.ID,
		Message:   base.Message,
		Timestamp: utils.FormatRFC3339(base.Timestamp),
		Severity:  base.Severity,
		Frequency: base.Frequency,
	}
	switch e := err.(type) {
	case JavaScriptError:
		env.Stack, env.URL, env.Line, env.Column = e.Stack, e.URL, e.Line, e.Column
	case NetworkError:
		env.URL, env.Method, env.StatusCode = e.URL, e.Method, e.StatusCode
		env.ResponseTimeMs = utils.Milliseconds(e.ResponseTime)
	case ResourceError:
		env.URL, env.ResourceType, env.StatusCode = e.URL, e.ResourceType, e.StatusCode
	case ConsoleError:
		env.Level, env.Source = e.Level, e.Source
	case PerformanceError:
		env.MetricName, env.Value, env.Threshold = e.MetricName, e.Value, e.Threshold
	case SecurityError:
		env.ViolationName, env.BlockedURI, env.Directive = e.ViolationName, e.BlockedURI, e.Directive
	default:
		panic(fmt.Sprintf("models: unhandled WebError variant %T", err))
	}
	return env
}

// DecodeAll decodes envelopes in order, stopping at the first failure.
func DecodeAll(envs []ErrorEnvelope, now time.Time) ([]WebError, error) {
	out := make([]WebError, 0, len(envs))
	for i, env := range envs {
		decoded, err := env.Decode(now)
		if err != nil {
			return nil, fmt.Errorf("errors[%d]: %w", i, err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

// SessionView is the wire shape of an ErrorSession.
type SessionView struct {
	ID         SessionID       `json:"id"`
	URL        string          `json:"url"`
	StartTime  string          `json:"startTime"`
	EndTime    string          `json:"endTime,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Errors     []ErrorEnvelope `json:"errors"`
	Metadata   Metadata        `json:"metadata,omitempty"`
}

// View renders s for transport, computing duration against now.
func View(s ErrorSession, now time.Time) SessionView {
	view := SessionView{
		ID:         s.ID,
		URL:        s.URL,
		StartTime:  utils.FormatRFC3339(s.StartTime),
		DurationMs: s.Duration(now).Milliseconds(),
		Errors:     make([]ErrorEnvelope, 0, len(s.Errors)),
		Metadata:   s.Metadata.Clone(),
	}
	view.EndTime = utils.FormatRFC3339(s.EndTime)
	for _, e := range s.Errors {
		view.Errors = append(view.Errors, Envelope(e))
	}
	return view
}
