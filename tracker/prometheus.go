package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sparkle-tracker/sparkle/bittorrent"
)

func init() {
	prometheus.MustRegister(
		promAnnouncesTotal,
		promAnnounceFailuresTotal,
		promAnnouncesDroppedTotal,
		promAnnounceQueueDepth,
		promSweptPeersTotal,
		promSweepDurationMilliseconds,
		promQueryDurationMilliseconds,
	)
}

var (
	promAnnouncesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkle_tracker_announces_total",
		Help: "The number of announces handled, by event",
	}, []string{"event"})

	promAnnounceFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sparkle_tracker_announce_failures_total",
		Help: "The number of announces that failed to persist",
	})

	promAnnouncesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sparkle_tracker_announces_dropped_total",
		Help: "The number of announces dropped because the queue was full or the tracker stopped",
	})

	promAnnounceQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkle_tracker_announce_queue_depth",
		Help: "The number of announces waiting for a worker",
	})

	promSweptPeersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sparkle_tracker_swept_peers_total",
		Help: "The number of inactive peers removed by sweeps",
	})

	promSweepDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparkle_tracker_sweep_duration_milliseconds",
		Help:    "The time it takes to sweep inactive peers",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	promQueryDurationMilliseconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sparkle_tracker_query_duration_milliseconds",
		Help:    "The time it takes to answer a query, by action",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"action", "error"})
)

func recordAnnounce(e bittorrent.Event, err error) {
	promAnnouncesTotal.WithLabelValues(e.String()).Inc()
	if err != nil {
		promAnnounceFailuresTotal.Inc()
	}
}

func recordSweep(deleted int, duration time.Duration) {
	promSweptPeersTotal.Add(float64(deleted))
	promSweepDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// recordQueryDuration records the duration of a read-only query in
// milliseconds.
func recordQueryDuration(action string, err error, duration time.Duration) {
	var errString string
	if err != nil {
		if bittorrent.IsClientError(err) {
			errString = err.Error()
		} else {
			errString = "internal error"
		}
	}

	promQueryDurationMilliseconds.
		WithLabelValues(action, errString).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
