package utils

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseRFC3339(t *testing.T) {
	cases := map[string]time.Time{
		"2024-05-01T12:00:00Z":          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"2024-05-01T12:00:00.250Z":      time.Date(2024, 5, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC),
		"1714564800000":                 time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"2024-05-01T14:00:00.000+02:00": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseRFC3339(in)
		if err != nil {
			t.Fatalf("ParseRFC3339(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseRFC3339(%q) = %v, want %v", in, got, want)
		}
	}

	for _, bad := range []string{"", "yesterday", "2024-13-01T00:00:00Z"} {
		if _, err := ParseRFC3339(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFormatRFC3339(t *testing.T) {
	ts := time.Date(2024, 5, 1, 14, 0, 0, 123456789, time.FixedZone("CEST", 2*3600))
	if got := FormatRFC3339(ts); got != "2024-05-01T12:00:00.123Z" {
		t.Fatalf("unexpected format %q", got)
	}
	if FormatRFC3339(time.Time{}) != "" {
		t.Fatalf("zero time should format as empty")
	}
	if Milliseconds(1500*time.Microsecond) != 1.5 {
		t.Fatalf("unexpected milliseconds conversion")
	}
}

func TestAppErrorCode(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", NewCodedError("AddError", CodeNotFound, "session missing", cause))

	if CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found, got %s", CodeOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if CodeOf(cause) != CodeInternal || CodeOf(NewAppError("op", "msg", nil)) != CodeInternal {
		t.Fatalf("expected internal fallback")
	}
	if got := NewAppError("op", "msg", nil).Error(); got != "op: msg" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestNewLoggerToHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", true)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
}
