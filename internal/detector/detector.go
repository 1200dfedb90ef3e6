// Package detector defines the producer side of the error pipeline: given a
// URL it returns the classified errors observed there.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-errorwatch/internal/fingerprint"
	"github.com/miradorstack/mirador-errorwatch/internal/models"
)

// Detection is one detector run against a URL.
type Detection struct {
	URL      string
	Metadata models.Metadata
	Errors   []models.WebError
}

// Detector observes a page and reports its errors.
type Detector interface {
	Detect(ctx context.Context, url string) (Detection, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, url string) (Detection, error)

// Detect implements Detector.
func (f Func) Detect(ctx context.Context, url string) (Detection, error) {
	return f(ctx, url)
}

// Page is one fixture entry.
type Page struct {
	URL      string                 `yaml:"url"`
	Metadata models.Metadata        `yaml:"metadata"`
	Errors   []models.ErrorEnvelope `yaml:"errors"`
}

type fixtureFile struct {
	Pages []Page `yaml:"pages"`
}

// FixtureDetector replays canned errors per URL. URLs are matched with
// query and fragment dropped; unknown URLs yield a clean detection.
type FixtureDetector struct {
	pages  map[string]Page
	now    func() time.Time
	logger *slog.Logger
}

// NewFixtureDetector indexes pages by normalized URL.
func NewFixtureDetector(logger *slog.Logger, pages []Page) (*FixtureDetector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &FixtureDetector{pages: make(map[string]Page, len(pages)), now: time.Now, logger: logger}
	for i, page := range pages {
		if page.URL == "" {
			return nil, fmt.Errorf("pages[%d]: url is required", i)
		}
		if _, err := models.DecodeAll(page.Errors, time.Now()); err != nil {
			return nil, fmt.Errorf("pages[%d] %s: %w", i, page.URL, err)
		}
		d.pages[fingerprint.NormalizeURL(page.URL)] = page
	}
	return d, nil
}

// LoadFixtures reads a YAML fixture file.
func LoadFixtures(logger *slog.Logger, path string) (*FixtureDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return NewFixtureDetector(logger, file.Pages)
}

// Detect implements Detector.
func (d *FixtureDetector) Detect(ctx context.Context, url string) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}
	page, ok := d.pages[fingerprint.NormalizeURL(url)]
	if !ok {
		d.logger.Debug("no fixture for url", slog.String("url", url))
		return Detection{URL: url, Metadata: models.Metadata{"detector": "fixture"}}, nil
	}

	errs, err := models.DecodeAll(page.Errors, d.now())
	if err != nil {
		return Detection{}, err
	}
	metadata := page.Metadata.Clone()
	if metadata == nil {
		metadata = models.Metadata{}
	}
	metadata["detector"] = "fixture"
	return Detection{URL: url, Metadata: metadata, Errors: errs}, nil
}

// Len returns the number of fixture pages.
func (d *FixtureDetector) Len() int { return len(d.pages) }
