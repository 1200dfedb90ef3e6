package fingerprint

import "github.com/miradorstack/mirador-errorwatch/internal/models"

// MergeResult describes what Merge did with the incoming error.
type MergeResult struct {
	// Deduplicated is true when incoming was folded into an existing entry.
	Deduplicated bool
	// Index is the position of the appended or folded entry.
	Index int
	// Merged is the value now stored at Index.
	Merged models.WebError
}

// Merge folds incoming into existing. When an entry with the same
// fingerprint exists it is replaced by a copy whose frequency is the sum of
// both and whose timestamp is the earlier of the two; otherwise incoming is
// appended. existing is never modified and the returned slice never aliases it.
func Merge(existing []models.WebError, incoming models.WebError) ([]models.WebError, MergeResult) {
	key := Fingerprint(incoming)

	out := make([]models.WebError, len(existing), len(existing)+1)
	copy(out, existing)

	for i, current := range existing {
		if Fingerprint(current) != key {
			continue
		}
		stored, next := current.Common(), incoming.Common()
		ts := stored.Timestamp
		if next.Timestamp.Before(ts) {
			ts = next.Timestamp
		}
		merged := models.WithOccurrence(current, stored.Frequency+next.Frequency, ts)
		out[i] = merged
		return out, MergeResult{Deduplicated: true, Index: i, Merged: merged}
	}

	out = append(out, incoming)
	return out, MergeResult{Index: len(out) - 1, Merged: incoming}
}
