package integrity

import (
	"math"
	"time"
)

// MaxDurationSecs is the largest number of seconds a time.Duration holds
const MaxDurationSecs = math.MaxInt64 / int64(time.Second)

// Credential is the integrity token issued for one attestation response.
// Every field is optional on the wire.
type Credential struct {
	IntegrityToken           string    `json:"integrity_token,omitempty"`
	EstimatedTTLSecs         *int64    `json:"estimated_ttl_secs,omitempty"`
	MintRefreshThresholdSecs *int64    `json:"mint_refresh_threshold_secs,omitempty"`
	WebsafeFallbackToken     string    `json:"websafe_fallback_token,omitempty"`
	ReceivedAt               time.Time `json:"received_at"`
}

// HasIntegrityToken reports whether the credential can seed a minter
func (c *Credential) HasIntegrityToken() bool {
	return c != nil && c.IntegrityToken != ""
}

// RefreshDue returns ReceivedAt + ttl - threshold. The second result is
// false, and no deadline is computed, unless both are known and their
// difference fits a time.Duration.
func (c *Credential) RefreshDue() (time.Time, bool) {
	if c == nil || c.EstimatedTTLSecs == nil || c.MintRefreshThresholdSecs == nil {
		return time.Time{}, false
	}
	ttl, threshold := *c.EstimatedTTLSecs, *c.MintRefreshThresholdSecs
	if !inDurationRange(ttl) || !inDurationRange(threshold) {
		return time.Time{}, false
	}
	secs := ttl - threshold
	if !inDurationRange(secs) {
		return time.Time{}, false
	}
	return c.ReceivedAt.Add(time.Duration(secs) * time.Second), true
}

func inDurationRange(secs int64) bool {
	return secs <= MaxDurationSecs && secs >= -MaxDurationSecs
}

// NeedsRefresh reports whether the refresh deadline has passed at now.
// A credential without a known deadline never reports due.
func (c *Credential) NeedsRefresh(now time.Time) bool {
	due, ok := c.RefreshDue()
	return ok && !now.Before(due)
}
