package ratelimit

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/miradorstack/mirador-errorwatch/internal/result"
)

// TierConfig sizes one tier.
type TierConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// MultiTier holds one independent Limiter per named tier. Checks against
// a tier that is not configured are admitted.
type MultiTier struct {
	tiers map[string]*Limiter
}

// NewMultiTier builds a Limiter for every entry of tiers. opts apply to each.
func NewMultiTier(tiers map[string]TierConfig, opts ...Option) (*MultiTier, error) {
	m := &MultiTier{tiers: make(map[string]*Limiter, len(tiers))}
	for name, cfg := range tiers {
		lim, err := New(cfg.Limit, cfg.Window, opts...)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
		m.tiers[name] = lim
	}
	return m, nil
}

// CheckLimit consumes a token for key in tier.
func (m *MultiTier) CheckLimit(tier, key string) result.Result[bool] {
	lim, ok := m.tiers[tier]
	if !ok {
		return result.Ok(true)
	}
	return result.MapError(lim.CheckLimit(key), func(err error) error {
		var limitErr *LimitError
		if errors.As(err, &limitErr) {
			tagged := *limitErr
			tagged.Tier = tier
			return &tagged
		}
		return err
	})
}

// Tier returns the limiter for name.
func (m *MultiTier) Tier(name string) (*Limiter, bool) {
	lim, ok := m.tiers[name]
	return lim, ok
}

// Tiers returns the configured tier names, sorted.
func (m *MultiTier) Tiers() []string {
	return slices.Sorted(maps.Keys(m.tiers))
}

// GetTokens reports the tokens available to key in tier. ok is false for
// an unknown tier.
func (m *MultiTier) GetTokens(tier, key string) (tokens float64, ok bool) {
	lim, ok := m.tiers[tier]
	if !ok {
		return 0, false
	}
	return lim.GetTokens(key), true
}

// Reset forgets key in tier.
func (m *MultiTier) Reset(tier, key string) {
	if lim, ok := m.tiers[tier]; ok {
		lim.Reset(key)
	}
}

// ResetAll forgets every key in every tier.
func (m *MultiTier) ResetAll() {
	for _, lim := range m.tiers {
		lim.ResetAll()
	}
}

// Close stops every tier's sweep.
func (m *MultiTier) Close() error {
	for _, lim := range m.tiers {
		lim.Close()
	}
	return nil
}
