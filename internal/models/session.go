package models

import (
	"maps"
	"time"
)

// SessionID identifies an ErrorSession. Values are minted by the session
// repository and are opaque to callers.
type SessionID string

// Metadata is filled by the detector and is not interpreted here.
type Metadata map[string]string

// Clone returns an independent copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// ErrorSession aggregates the deduplicated errors observed for one
// detection request against one URL. Errors holds at most one entry per
// fingerprint.
type ErrorSession struct {
	ID        SessionID
	URL       string
	StartTime time.Time
	EndTime   time.Time
	Errors    []WebError
	Metadata  Metadata
}

// EntityID implements repository.Entity.
func (s ErrorSession) EntityID() SessionID { return s.ID }

// Clone implements repository.Entity. WebError values are immutable, so
// copying the slice header contents is enough to detach the copy.
func (s ErrorSession) Clone() ErrorSession {
	clone := s
	if s.Errors != nil {
		clone.Errors = append(make([]WebError, 0, len(s.Errors)), s.Errors...)
	}
	clone.Metadata = s.Metadata.Clone()
	return clone
}

// Ended reports whether an end time has been recorded.
func (s ErrorSession) Ended() bool { return !s.EndTime.IsZero() }

// Duration is computed from start and end; open sessions measure up to now.
func (s ErrorSession) Duration(now time.Time) time.Duration {
	end := s.EndTime
	if end.IsZero() {
		end = now
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

// TotalOccurrences sums the frequency of every stored error.
func (s ErrorSession) TotalOccurrences() int {
	total := 0
	for _, e := range s.Errors {
		total += e.Common().Frequency
	}
	return total
}
