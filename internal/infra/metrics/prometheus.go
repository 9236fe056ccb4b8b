package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillkit_jobs_processed_total",
		Help: "Total number of jobs processed, by status",
	}, []string{"status"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stillkit_job_processing_duration_seconds",
		Help:    "Duration of video processing pipeline",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillkit_extractions_total",
		Help: "Total number of extraction runs, by method and outcome",
	}, []string{"method", "outcome"})

	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stillkit_frames_extracted_total",
		Help: "Total number of frames extracted across all jobs",
	})

	FramesSampledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillkit_frames_sampled_total",
		Help: "Decoded frames seen by the sampler, by decision (kept or discarded)",
	}, []string{"decision"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stillkit_active_workers",
		Help: "Number of currently active workers processing jobs",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillkit_retry_total",
		Help: "Total number of retries",
	}, []string{"attempt"})
)
