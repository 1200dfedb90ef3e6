// Package fingerprint derives stable dedup keys from WebError values and
// folds repeated occurrences into a single stored entry.
package fingerprint

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-errorwatch/internal/models"
)

// Placeholder tokens substituted for volatile message fragments.
const (
	TimestampToken = "<timestamp>"
	IDToken        = "id=<n>"
	HexToken       = "<hex>"
	LineColToken   = ":<line>:<col>"
)

var (
	// 2024-05-01T12:00:00.123Z, 2024-05-01 12:00:00+02:00
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	// id=42, ID: 42
	idRe = regexp.MustCompile(`(?i)\bid\s*[=:]\s*\d+`)
	// deadbeef, 0x7fff5fbff8a8
	hexRe = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{8,}\b`)
	// app.js:10:5 ending a token, but not a clock time such as 12:30:45
	lineColRe    = regexp.MustCompile(`([^\d:\s]):\d+:\d+([)\s,;]|$)`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	lineColRepl = "${1}" + LineColToken + "${2}"
)

// Fingerprint returns the dedup key for err. Two errors with equal
// fingerprints describe the same occurrence class.
func Fingerprint(err models.WebError) string {
	switch e := err.(type) {
	case models.JavaScriptError:
		return "javascript:" + Normalize(e.Message) + ":" + FirstStackLine(e.Stack)
	case models.NetworkError:
		return string(models.ErrorTypeNetwork) + ":" + NormalizeURL(e.URL) + ":" + strconv.Itoa(e.StatusCode)
	case models.ResourceError:
		return string(models.ErrorTypeResource) + ":" + NormalizeURL(e.URL) + ":" + strconv.Itoa(e.StatusCode)
	case models.ConsoleError:
		return "console:" + Normalize(e.Message)
	case models.PerformanceError:
		return "performance:" + e.MetricName
	case models.SecurityError:
		return "security:" + e.ViolationName
	default:
		panic(fmt.Sprintf("fingerprint: unhandled WebError variant %T", err))
	}
}

// Normalize replaces timestamps, numeric ids, long hex runs and line:col
// suffixes with fixed tokens and collapses whitespace.
func Normalize(message string) string {
	out := timestampRe.ReplaceAllLiteralString(message, TimestampToken)
	out = idRe.ReplaceAllLiteralString(out, IDToken)
	out = hexRe.ReplaceAllLiteralString(out, HexToken)
	out = lineColRe.ReplaceAllString(out, lineColRepl)
	return strings.TrimSpace(whitespaceRe.ReplaceAllLiteralString(out, " "))
}

// NormalizeURL keeps scheme://host/path. Inputs that do not parse as an
// absolute URL are returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host + u.EscapedPath()
}

// FirstStackLine returns the first non-blank frame of stack with its
// line:col suffix normalized.
func FirstStackLine(stack string) string {
	for line := range strings.Lines(stack) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return lineColRe.ReplaceAllString(trimmed, lineColRepl)
		}
	}
	return ""
}
