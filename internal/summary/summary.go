// Package summary aggregates a session's deduplicated errors into a report
// of recurring hotspots.
package summary

import (
	"cmp"
	"slices"
	"time"

	"github.com/miradorstack/mirador-errorwatch/internal/fingerprint"
	"github.com/miradorstack/mirador-errorwatch/internal/models"
)

// DefaultTopN is the hotspot count used when callers pass topN <= 0.
const DefaultTopN = 5

// Hotspot is one recurring error class.
type Hotspot struct {
	Fingerprint string           `json:"fingerprint"`
	ErrorID     string           `json:"errorId"`
	Type        models.ErrorType `json:"type"`
	Message     string           `json:"message"`
	Severity    models.Severity  `json:"severity"`
	Frequency   int              `json:"frequency"`
	Share       float64          `json:"share"`
	FirstSeen   time.Time        `json:"firstSeen"`
}

// Report summarizes one session.
type Report struct {
	SessionID        models.SessionID         `json:"sessionId"`
	URL              string                   `json:"url"`
	TotalOccurrences int                      `json:"totalOccurrences"`
	UniqueErrors     int                      `json:"uniqueErrors"`
	ByType           map[models.ErrorType]int `json:"byType"`
	BySeverity       map[models.Severity]int  `json:"bySeverity"`
	HighestSeverity  models.Severity          `json:"highestSeverity,omitempty"`
	Hotspots         []Hotspot                `json:"hotspots"`
	FirstSeen        time.Time                `json:"firstSeen,omitzero"`
	DurationMs       int64                    `json:"durationMs"`
	Completed        bool                     `json:"completed"`
}

var severityRank = map[models.Severity]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

// Summarize builds the report for session, measuring open sessions up to now.
func Summarize(session models.ErrorSession, now time.Time, topN int) Report {
	if topN <= 0 {
		topN = DefaultTopN
	}

	report := Report{
		SessionID:    session.ID,
		URL:          session.URL,
		UniqueErrors: len(session.Errors),
		ByType:       make(map[models.ErrorType]int),
		BySeverity:   make(map[models.Severity]int),
		DurationMs:   session.Duration(now).Milliseconds(),
		Completed:    session.Ended(),
	}

	hotspots := make([]Hotspot, 0, len(session.Errors))
	for _, e := range session.Errors {
		base := e.Common()
		report.TotalOccurrences += base.Frequency
		report.ByType[e.Type()] += base.Frequency
		report.BySeverity[base.Severity] += base.Frequency

		if severityRank[base.Severity] > severityRank[report.HighestSeverity] {
			report.HighestSeverity = base.Severity
		}
		if report.FirstSeen.IsZero() || base.Timestamp.Before(report.FirstSeen) {
			report.FirstSeen = base.Timestamp
		}

		hotspots = append(hotspots, Hotspot{
			Fingerprint: fingerprint.Fingerprint(e),
			ErrorID:     base.ID,
			Type:        e.Type(),
			Message:     base.Message,
			Severity:    base.Severity,
			Frequency:   base.Frequency,
			FirstSeen:   base.Timestamp,
		})
	}

	slices.SortStableFunc(hotspots, func(a, b Hotspot) int {
		return cmp.Or(
			cmp.Compare(b.Frequency, a.Frequency),
			cmp.Compare(severityRank[b.Severity], severityRank[a.Severity]),
			a.FirstSeen.Compare(b.FirstSeen),
		)
	})
	if len(hotspots) > topN {
		hotspots = hotspots[:topN]
	}
	for i := range hotspots {
		if report.TotalOccurrences > 0 {
			hotspots[i].Share = float64(hotspots[i].Frequency) / float64(report.TotalOccurrences)
		}
	}
	report.Hotspots = hotspots
	return report
}
