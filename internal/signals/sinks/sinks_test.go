package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-downloader/internal/signals"
)

func event(sig signals.Signal, slot string, status int, bytes int64, ts time.Time) signals.Event {
	evt := signals.Event{
		Signal:    sig,
		RequestID: uuid.New(),
		TS:        ts,
		Spider:    "books",
		Slot:      slot,
		URL:       "https://" + slot + "/",
	}
	if sig == signals.ResponseDownloaded {
		evt.Status = status
		evt.StatusClass = signals.ClassifyStatus(status)
		evt.Bytes = bytes
		evt.Dur = 20 * time.Millisecond
	}
	return evt
}

func TestPrometheusSinkCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	failed := event(signals.RequestLeftDownloader, "a.com", 0, 0, now)
	failed.Note = "connection refused"
	batch := []signals.Event{
		event(signals.RequestReachedDownloader, "a.com", 0, 0, now),
		event(signals.RequestReachedDownloader, "b.com", 0, 0, now),
		event(signals.ResponseDownloaded, "a.com", 200, 100, now),
		event(signals.ResponseDownloaded, "a.com", 200, 50, now),
		event(signals.ResponseDownloaded, "b.com", 404, 10, now),
		event(signals.RequestLeftDownloader, "a.com", 0, 0, now),
		failed,
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.reached.WithLabelValues("books")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.downloads.WithLabelValues("a.com", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.downloads.WithLabelValues("b.com", "4xx")))
	require.Equal(t, 150.0, testutil.ToFloat64(sink.bytes.WithLabelValues("a.com")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.left.WithLabelValues("books", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.left.WithLabelValues("books", "error")))
	require.NoError(t, sink.Close(context.Background()))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSinkWritesEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []signals.Event{
		event(signals.RequestReachedDownloader, "a.com", 0, 0, now),
		event(signals.ResponseDownloaded, "a.com", 200, 5, now),
	}))

	entries := logs.FilterMessage("downloader signal").All()
	require.Len(t, entries, 2)
	require.Equal(t, "response_downloaded", entries[1].ContextMap()["signal"])
	require.EqualValues(t, 200, entries[1].ContextMap()["status"])
	require.NoError(t, NewLogSink(nil).Close(context.Background()))
}

func TestStoreSinkCollapsesPerSlot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewStoreSink(mock, "", nil)
	require.NoError(t, err)

	t0 := time.Unix(1700000000, 0).UTC()
	t1 := t0.Add(time.Second)
	batch := []signals.Event{
		event(signals.RequestReachedDownloader, "a.com", 0, 0, t0),
		event(signals.ResponseDownloaded, "a.com", 200, 100, t0),
		event(signals.ResponseDownloaded, "a.com", 201, 50, t1),
		event(signals.ResponseDownloaded, "b.com", 503, 0, t0),
	}

	mock.ExpectExec("INSERT INTO slot_stats").
		WithArgs("books", "a.com", "2xx", int64(2), int64(150), t1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO slot_stats").
		WithArgs("books", "b.com", "5xx", int64(1), int64(0), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSinkReturnsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewStoreSink(mock, "slot_stats", nil)
	require.NoError(t, err)

	boom := errors.New("deadlock detected")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO slot_stats").
		WithArgs("books", "a.com", "2xx", int64(1), int64(1), ts).
		WillReturnError(boom)

	err = sink.Consume(context.Background(), []signals.Event{
		event(signals.ResponseDownloaded, "a.com", 200, 1, ts),
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoreSinkValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStoreSink(nil, "slot_stats", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewStoreSink(mock, "drop table;", nil)
	require.Error(t, err)
}
