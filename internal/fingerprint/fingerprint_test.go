package fingerprint

import (
	"testing"
	"time"

	"github.com/miradorstack/mirador-errorwatch/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func base(id string) models.ErrorBase {
	return models.ErrorBase{ID: id, Message: "boom", Timestamp: t0, Severity: models.SeverityHigh, Frequency: 1}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"failed at 2024-05-01T12:00:00.123Z", "failed at <timestamp>"},
		{"failed at 2024-05-01 12:00:00+02:00 again", "failed at <timestamp> again"},
		{"user id=42 missing", "user id=<n> missing"},
		{"order ID: 9001 rejected", "order id=<n> rejected"},
		{"object 0x7fff5fbff8a8 freed", "object <hex> freed"},
		{"trace deadbeefcafe lost", "trace <hex> lost"},
		{"thrown in app.js:10:5", "thrown in app.js:<line>:<col>"},
		{"at render (app.js:10:5) twice", "at render (app.js:<line>:<col>) twice"},
		{"retry window opens at 12:30:45 daily", "retry window opens at 12:30:45 daily"},
		{"build 1.2:3:4 ok", "build 1.2:3:4 ok"},
		{"  too \t many\n spaces  ", "too many spaces"},
		{"short abc123 stays", "short abc123 stays"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com/users?x=1":       "https://api.example.com/users",
		"https://api.example.com/users#section":   "https://api.example.com/users",
		"http://localhost:8080/a/b?c=d#e":         "http://localhost:8080/a/b",
		"/relative/path?q=1":                      "/relative/path?q=1",
		"::not a url":                             "::not a url",
		"https://cdn.example.com/app%20bundle.js": "https://cdn.example.com/app%20bundle.js",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNetworkFingerprintIgnoresQuery(t *testing.T) {
	a := models.NetworkError{ErrorBase: base("a"), URL: "https://api.example.com/users?x=1", Method: "GET", StatusCode: 500}
	b := models.NetworkError{ErrorBase: base("b"), URL: "https://api.example.com/users?y=2", Method: "POST", StatusCode: 500}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("expected equal fingerprints, got %q and %q", Fingerprint(a), Fingerprint(b))
	}

	c := b
	c.StatusCode = 404
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatalf("status code must participate in the fingerprint")
	}
}

func TestFingerprintPerVariant(t *testing.T) {
	cases := []struct {
		err  models.WebError
		want string
	}{
		{
			models.JavaScriptError{ErrorBase: withMessage("x is undefined at 2024-01-01T00:00:00Z"), Stack: "\n   at Widget (app.js:10:5)\n at main (app.js:1:1)"},
			"javascript:x is undefined at <timestamp>:at Widget (app.js:<line>:<col>)",
		},
		{models.ResourceError{ErrorBase: base("r"), URL: "https://cdn.example.com/a.js?v=3", StatusCode: 404}, "resource:https://cdn.example.com/a.js:404"},
		{models.ConsoleError{ErrorBase: withMessage("retry id=7"), Level: "error"}, "console:retry id=<n>"},
		{models.PerformanceError{ErrorBase: base("p"), MetricName: "LCP", Value: 4200, Threshold: 2500}, "performance:LCP"},
		{models.SecurityError{ErrorBase: base("s"), ViolationName: "csp", Directive: "script-src"}, "security:csp"},
	}
	for _, tc := range cases {
		if got := Fingerprint(tc.err); got != tc.want {
			t.Errorf("Fingerprint(%T) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestFirstStackLineEmpty(t *testing.T) {
	if got := FirstStackLine(" \n\t\n"); got != "" {
		t.Fatalf("expected empty first line, got %q", got)
	}
}

func withMessage(msg string) models.ErrorBase {
	b := base("m")
	b.Message = msg
	return b
}
