package paysession

import "time"

const (
	DefaultTTL = 3600
	MinTTL     = 60
	MaxTTL     = 30 * 24 * 60 * 60
)

// TTLPolicy bounds session lifetimes, in seconds.
type TTLPolicy struct {
	Default int64
	Min     int64
	Max     int64
}

// DefaultTTLPolicy is one hour, clamped to [60s, 30d].
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Default: DefaultTTL, Min: MinTTL, Max: MaxTTL}
}

// Clamp applies the policy to a requested TTL.
func (p TTLPolicy) Clamp(seconds int64) int64 {
	if seconds <= 0 {
		seconds = p.Default
	}
	if seconds < p.Min {
		return p.Min
	}
	if p.Max > 0 && seconds > p.Max {
		return p.Max
	}
	return seconds
}

// Duration is Clamp expressed as a time.Duration.
func (p TTLPolicy) Duration(seconds int64) time.Duration {
	return time.Duration(p.Clamp(seconds)) * time.Second
}
