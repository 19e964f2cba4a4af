package progress

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink counts pipeline events in Prometheus metrics.
type PromSink struct {
	events    *prometheus.CounterVec
	downloads *prometheus.CounterVec
}

// NewPromSink registers the sink's collectors with reg and returns the sink.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	s := &PromSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gbif_scraper",
			Name:      "events_total",
			Help:      "Pipeline events by stage.",
		}, []string{"stage"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gbif_scraper",
			Name:      "downloads_total",
			Help:      "Finished downloads by status class.",
		}, []string{"class"}),
	}
	for _, c := range []prometheus.Collector{s.events, s.downloads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Emit implements Emitter.
func (s *PromSink) Emit(evt Event) {
	s.events.WithLabelValues(string(evt.Stage)).Inc()
	if evt.Stage == StageDownloadDone || evt.Stage == StageDownloadFail {
		s.downloads.WithLabelValues(classifyStatus(evt.StatusCode)).Inc()
	}
}

func classifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
