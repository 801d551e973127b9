package signals

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Signal names a downloader lifecycle point.
type Signal string

// Downloader signals.
const (
	RequestReachedDownloader Signal = "request_reached_downloader"
	ResponseDownloaded       Signal = "response_downloaded"
	RequestLeftDownloader    Signal = "request_left_downloader"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes recorded on ResponseDownloaded.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one signal occurrence.
type Event struct {
	Signal    Signal
	RequestID uuid.UUID
	// TS is the UTC time the emitter observed the signal.
	TS     time.Time
	Spider string
	Slot   string
	Method string
	URL    string
	// Status and StatusClass are only set on ResponseDownloaded.
	Status      int
	StatusClass StatusClass
	Bytes       int64
	// Dur is the transfer time on ResponseDownloaded.
	Dur time.Duration
	// Note carries error text for requests that left without a response.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RequestID == uuid.Nil {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Signal {
	case RequestReachedDownloader, RequestLeftDownloader:
	case ResponseDownloaded:
		if e.StatusClass == "" {
			return errors.New("response downloaded requires status class")
		}
	default:
		return fmt.Errorf("unknown signal %q", e.Signal)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
