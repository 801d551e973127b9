package signals

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := Event{Signal: RequestReachedDownloader, RequestID: uuid.New(), TS: time.Now()}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Event) {}},
		{name: "missing id", mutate: func(e *Event) { e.RequestID = uuid.Nil }, wantErr: true},
		{name: "missing ts", mutate: func(e *Event) { e.TS = time.Time{} }, wantErr: true},
		{name: "unknown signal", mutate: func(e *Event) { e.Signal = "bogus" }, wantErr: true},
		{name: "response without class", mutate: func(e *Event) { e.Signal = ResponseDownloaded }, wantErr: true},
		{name: "response with class", mutate: func(e *Event) {
			e.Signal = ResponseDownloaded
			e.StatusClass = Status4xx
		}},
		{name: "negative duration", mutate: func(e *Event) { e.Dur = -time.Second }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt := base
			tt.mutate(&evt)
			if tt.wantErr {
				require.Error(t, evt.Validate())
				return
			}
			require.NoError(t, evt.Validate())
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}
