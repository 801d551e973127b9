package downloader

import (
	"context"
	"time"

	"github.com/JakeFAU/crawl-downloader/internal/crawler"
)

// SlotSettings overrides slot defaults for one routing key. Nil fields keep
// the default.
type SlotSettings struct {
	Concurrency    *int
	Delay          *time.Duration
	RandomizeDelay *bool
	Throttle       *bool
}

type outcome struct {
	resp *crawler.Response
	err  error
}

// queued is a request waiting in a slot with the channel its caller waits on.
type queued struct {
	ctx    context.Context
	req    *crawler.Request
	spider crawler.Spider
	done   chan outcome
}

// slot is the scheduling state of one routing key. Every field is guarded by
// Downloader.mu.
type slot struct {
	key            string
	concurrency    int
	delay          time.Duration
	randomizeDelay bool
	throttle       *bool

	queue []*queued
	// active holds requests admitted to the slot that are still queued.
	active       map[*crawler.Request]struct{}
	transferring map[*crawler.Request]struct{}
	lastSeen     time.Time
	laterCall    crawler.Timer
	closed       bool
}

func newSlot(key string, concurrency int, delay time.Duration, randomize bool, throttle *bool) *slot {
	if concurrency < 1 {
		concurrency = 1
	}
	return &slot{
		key:            key,
		concurrency:    concurrency,
		delay:          delay,
		randomizeDelay: randomize,
		throttle:       throttle,
		active:         make(map[*crawler.Request]struct{}),
		transferring:   make(map[*crawler.Request]struct{}),
	}
}

func (s *slot) freeTransferSlots() int {
	return s.concurrency - len(s.transferring)
}

// downloadDelay returns the delay before the next dispatch, drawn uniformly
// from [0.5, 1.5) times the base delay when randomized.
func (s *slot) downloadDelay(random func() float64) time.Duration {
	if s.randomizeDelay && s.delay > 0 {
		return time.Duration(float64(s.delay) * (0.5 + random()))
	}
	return s.delay
}

// remove drops q from the queue. It reports false when q was not queued.
func (s *slot) remove(q *queued) bool {
	for i, pending := range s.queue {
		if pending == q {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			delete(s.active, q.req)
			return true
		}
	}
	return false
}

func (s *slot) idle() bool {
	return len(s.active) == 0 && len(s.transferring) == 0
}

func (s *slot) close() {
	if s.laterCall != nil {
		s.laterCall.Stop()
		s.laterCall = nil
	}
	s.closed = true
}

// SlotSnapshot is a read-only view of a slot.
type SlotSnapshot struct {
	Key            string    `json:"key"`
	Concurrency    int       `json:"concurrency"`
	DelaySeconds   float64   `json:"delay_seconds"`
	RandomizeDelay bool      `json:"randomize_delay"`
	Throttle       *bool     `json:"throttle,omitempty"`
	Queued         int       `json:"queued"`
	Transferring   int       `json:"transferring"`
	LastSeen       time.Time `json:"last_seen"`
	DelayPending   bool      `json:"delay_pending"`
}

func (s *slot) snapshot() SlotSnapshot {
	return SlotSnapshot{
		Key:            s.key,
		Concurrency:    s.concurrency,
		DelaySeconds:   s.delay.Seconds(),
		RandomizeDelay: s.randomizeDelay,
		Throttle:       s.throttle,
		Queued:         len(s.queue),
		Transferring:   len(s.transferring),
		LastSeen:       s.lastSeen,
		DelayPending:   s.laterCall != nil,
	}
}
