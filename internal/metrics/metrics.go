// Package metrics exposes Prometheus instrumentation for the sender's run
// loop (C6): the current search state as gauges, and round/retry/error
// counts as counters, grounded in the teacher's promauto usage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TargetSpacingMicros = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abwprobe_target_spacing_microseconds",
			Help: "Current inter-probe target spacing in microseconds.",
		},
	)

	CurrPacketSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abwprobe_curr_packet_size_bytes",
			Help: "Current probe packet size in bytes, including IP+UDP headers.",
		},
	)

	CurrEstimationBitsPerSecond = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abwprobe_curr_estimation_bits_per_second",
			Help: "Most recently finalized available-bandwidth estimate.",
		},
	)

	TrafficGeneratedBits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abwprobe_traffic_generated_bits_total",
			Help: "Total probe traffic generated across all rounds.",
		},
	)

	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abwprobe_rounds_total",
			Help: "Total rounds processed by outcome.",
		},
		[]string{"outcome"}, // done, retry, fatal
	)

	StreamRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abwprobe_stream_retries_total",
			Help: "Total stream retries within a round (probe send failure, control failure, NACK, or insufficient samples).",
		},
	)

	FatalErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abwprobe_fatal_errors_total",
			Help: "Total fatal run-loop terminations by cause.",
		},
		[]string{"cause"}, // path_changed, transport, persistent_receiver_failure
	)

	SamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abwprobe_samples_total",
			Help: "Total completed available-bandwidth samples emitted on the result stream.",
		},
	)
)
