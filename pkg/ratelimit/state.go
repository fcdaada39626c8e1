// Package ratelimit implements per-endpoint sliding-window request limiting
// for the supplier API. Local counting gates requests between responses;
// server-supplied rate-limit headers supersede local state the moment they
// are observed.
package ratelimit

import (
	"time"
)

// WindowState is the sliding request window for one endpoint key. It is a
// rolling cache entry, re-derived continuously; it is never authoritative
// past its ResetAt.
type WindowState struct {
	// WindowStart is when the current window opened.
	WindowStart time.Time `json:"window_start"`

	// Count is the number of requests recorded in the current window.
	Count int `json:"count"`

	// Limit is the window quota. Overwritten by X-RateLimit-Limit when seen.
	Limit int `json:"limit"`

	// Remaining is the headroom left in the window.
	// Overwritten by X-RateLimit-Remaining when seen.
	Remaining int `json:"remaining"`

	// ResetAt is when the window rolls over. Wall-clock based, so bursts
	// straddling a boundary cannot game the quota.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// Expired returns true once the window has rolled over.
func (s *WindowState) Expired(now time.Time) bool {
	return !now.Before(s.ResetAt)
}

// Exhausted returns true when the window quota is used up.
func (s *WindowState) Exhausted() bool {
	return s.Remaining <= 0
}

// TimeUntilReset returns the duration until the window rolls over.
// Returns 0 if the reset time has already passed.
func (s *WindowState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
