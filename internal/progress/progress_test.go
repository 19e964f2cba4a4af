package progress

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	events []Event
}

func (c *captureEmitter) Emit(evt Event) {
	c.events = append(c.events, evt)
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	a := &captureEmitter{}
	b := &captureEmitter{}
	m := Multi{a, b, Nop{}}

	m.Emit(Event{Stage: StageSpeciesDone, Species: "Lucanus cervus"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	require.Equal(t, StageSpeciesDone, a.events[0].Stage)
}

func TestPromSinkCountsDownloads(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	require.NoError(t, err)

	sink.Emit(Event{Stage: StageDownloadDone, StatusCode: 200})
	sink.Emit(Event{Stage: StageDownloadDone, StatusCode: 301})
	sink.Emit(Event{Stage: StageDownloadFail, StatusCode: 600})
	sink.Emit(Event{Stage: StageSpeciesStart})

	require.Equal(t, float64(1), testutil.ToFloat64(sink.downloads.WithLabelValues("2xx")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.downloads.WithLabelValues("3xx")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.downloads.WithLabelValues("other")))
	require.Equal(t, float64(2), testutil.ToFloat64(sink.events.WithLabelValues("DOWNLOAD_DONE")))
}
