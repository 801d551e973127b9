// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// Clock implements crawler.Clock on top of the runtime timer heap.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current local time, keeping the monotonic reading so that
// delay arithmetic is immune to wall clock jumps.
func (Clock) Now() time.Time {
	return time.Now()
}

// AfterFunc runs f on its own goroutine once d has elapsed.
func (Clock) AfterFunc(d time.Duration, f func()) crawler.Timer {
	return time.AfterFunc(d, f)
}
