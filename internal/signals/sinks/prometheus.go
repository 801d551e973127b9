package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-downloader/internal/signals"
)

// PrometheusSink turns downloader signals into per-slot collectors.
type PrometheusSink struct {
	reached         *prometheus.CounterVec
	left            *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	transferSeconds *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		reached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_requests_reached_total",
			Help: "Requests that reached the downloader, by spider.",
		}, []string{"spider"}),
		left: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_requests_left_total",
			Help: "Requests that left the downloader, by spider and outcome.",
		}, []string{"spider", "outcome"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_responses_downloaded_total",
			Help: "Responses downloaded, by slot and status class.",
		}, []string{"slot", "status_class"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_downloaded_bytes_total",
			Help: "Response bytes downloaded per slot.",
		}, []string{"slot"}),
		transferSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "downloader_transfer_duration_seconds",
			Help:    "Transport time per response, by slot.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"slot"}),
	}
	for _, c := range []prometheus.Collector{s.reached, s.left, s.downloads, s.bytes, s.transferSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register signal collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors for every event in batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []signals.Event) error {
	for _, evt := range batch {
		spider := orUnknown(evt.Spider)
		slot := orUnknown(evt.Slot)
		switch evt.Signal {
		case signals.RequestReachedDownloader:
			s.reached.WithLabelValues(spider).Inc()
		case signals.RequestLeftDownloader:
			outcome := "ok"
			if evt.Note != "" {
				outcome = "error"
			}
			s.left.WithLabelValues(spider, outcome).Inc()
		case signals.ResponseDownloaded:
			s.downloads.WithLabelValues(slot, string(evt.StatusClass)).Inc()
			if evt.Bytes > 0 {
				s.bytes.WithLabelValues(slot).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.transferSeconds.WithLabelValues(slot).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
