// Package metrics exposes per-camera figures to prometheus.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlverezYari/captureframe/pkg/camera"
)

// StatusSource is satisfied by *node.Node.
type StatusSource interface {
	Statuses() []camera.Status
}

var (
	effectiveFPSDesc = prometheus.NewDesc(
		"captureframe_effective_fps", "Moving average of the delivered frame rate.", []string{"camera"}, nil,
	)
	recordingDesc = prometheus.NewDesc(
		"captureframe_recording", "Whether the camera is in a take (1) or idle (0).", []string{"camera"}, nil,
	)
	encodingBuffersDesc = prometheus.NewDesc(
		"captureframe_encoding_buffers", "Frames waiting in the recorder encoding stage.", []string{"camera"}, nil,
	)
	writingBuffersDesc = prometheus.NewDesc(
		"captureframe_writing_buffers", "Frames waiting in the recorder writing stage.", []string{"camera"}, nil,
	)
	framesIngestedDesc = prometheus.NewDesc(
		"captureframe_frames_ingested_total", "Frames ingested since capture started.", []string{"camera"}, nil,
	)
)

// Collector reads camera status at scrape time, so nothing on the ingest
// path touches prometheus.
type Collector struct {
	Source StatusSource
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- effectiveFPSDesc
	ch <- recordingDesc
	ch <- encodingBuffersDesc
	ch <- writingBuffersDesc
	ch <- framesIngestedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.Source.Statuses() {
		recording := 0.0
		if st.Recording {
			recording = 1.0
		}
		ch <- prometheus.MustNewConstMetric(effectiveFPSDesc, prometheus.GaugeValue, st.EffectiveFPS, st.ID)
		ch <- prometheus.MustNewConstMetric(recordingDesc, prometheus.GaugeValue, recording, st.ID)
		ch <- prometheus.MustNewConstMetric(encodingBuffersDesc, prometheus.GaugeValue, float64(st.EncodingBuffers), st.ID)
		ch <- prometheus.MustNewConstMetric(writingBuffersDesc, prometheus.GaugeValue, float64(st.WritingBuffers), st.ID)
		ch <- prometheus.MustNewConstMetric(framesIngestedDesc, prometheus.CounterValue, float64(st.ImageCount), st.ID)
	}
}

// Handler serves the collector on its own registry.
func Handler(src StatusSource, logger *slog.Logger) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&Collector{Source: src})

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	})
}
