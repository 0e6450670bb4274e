package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		PromInfohashesCount,
		PromSeedersCount,
		PromLeechersCount,
		PromTasksCount,
		PromReportDurationMilliseconds,
	)
}

var (
	// PromInfohashesCount is the number of swarms with at least one peer.
	PromInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkle_storage_infohashes_count",
		Help: "The number of infohashes with at least one stored peer",
	})

	// PromSeedersCount is the number of stored peers with nothing left.
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkle_storage_seeders_count",
		Help: "The number of seeders stored",
	})

	// PromLeechersCount is the number of stored peers still downloading.
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkle_storage_leechers_count",
		Help: "The number of leechers stored",
	})

	// PromTasksCount is the number of task records.
	PromTasksCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sparkle_storage_tasks_count",
		Help: "The number of torrents with a task record",
	})

	// PromReportDurationMilliseconds records how long collecting the
	// statistics above took.
	PromReportDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparkle_storage_report_duration_milliseconds",
		Help:    "The time it takes to collect storage statistics",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})
)

// Stats is a snapshot of a store's contents.
type Stats struct {
	Infohashes int
	Seeders    int
	Leechers   int
	Tasks      int
}

// Report publishes s to the storage gauges.
func Report(s Stats, took time.Duration) {
	PromInfohashesCount.Set(float64(s.Infohashes))
	PromSeedersCount.Set(float64(s.Seeders))
	PromLeechersCount.Set(float64(s.Leechers))
	PromTasksCount.Set(float64(s.Tasks))
	PromReportDurationMilliseconds.Observe(float64(took.Nanoseconds()) / float64(time.Millisecond))
}
