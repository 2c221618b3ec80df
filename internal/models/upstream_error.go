package models

import (
	"fmt"
	"time"
)

// UpstreamError is the typed error surfaced by the upstream client.
// Class drives retry and fallback decisions; RetryAfter carries the
// upstream's Retry-After hint when present.
type UpstreamError struct {
	Upstream   string
	Class      ErrorClass
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s: %s (status %d): %s", e.Upstream, e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s: %s", e.Upstream, e.Class, e.Message)
}
