// Package loglimit caps repeated log output for noisy, expected error
// conditions while still counting every occurrence.
package loglimit

import "sync/atomic"

// Limiter lets the first N occurrences of an event through and goes
// silent after that. The occurrence counter keeps advancing regardless,
// so the total is available for inclusion in the last logged lines.
type Limiter struct {
	n atomic.Uint64
}

// Allow records one occurrence and reports whether it should be logged.
func (l *Limiter) Allow(limit uint64) bool {
	return l.n.Add(1) <= limit
}

// Count returns the total number of occurrences recorded so far.
func (l *Limiter) Count() uint64 {
	return l.n.Load()
}
