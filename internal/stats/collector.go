package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tunnelbridge"

// Collector exports a Stats as Prometheus metrics. Threads, if set, reports
// the number of in-flight relay tasks.
type Collector struct {
	stats   *Stats
	threads func() int

	bytesSent     *prometheus.Desc
	bytesReceived *prometheus.Desc
	connTotal     *prometheus.Desc
	connActive    *prometheus.Desc
	connFailed    *prometheus.Desc
	uploadSpeed   *prometheus.Desc
	downloadSpeed *prometheus.Desc
	uptime        *prometheus.Desc
	relayTasks    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(s *Stats, threads func() int) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		stats:         s,
		threads:       threads,
		bytesSent:     desc("sent_bytes_total", "Bytes relayed from clients to destinations."),
		bytesReceived: desc("received_bytes_total", "Bytes relayed from destinations to clients."),
		connTotal:     desc("connections_total", "Client connections accepted."),
		connActive:    desc("connections_active", "Client connections currently relaying."),
		connFailed:    desc("connections_failed_total", "Client connections whose channel could not be opened."),
		uploadSpeed:   desc("upload_bytes_per_second", "Client-to-destination throughput over the last sample."),
		downloadSpeed: desc("download_bytes_per_second", "Destination-to-client throughput over the last sample."),
		uptime:        desc("uptime_seconds", "Seconds since the counters were last reset."),
		relayTasks:    desc("relay_tasks", "Relay tasks in flight in the worker pool."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.connTotal
	ch <- c.connActive
	ch <- c.connFailed
	ch <- c.uploadSpeed
	ch <- c.downloadSpeed
	ch <- c.uptime
	if c.threads != nil {
		ch <- c.relayTasks
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(s.BytesReceived))
	ch <- prometheus.MustNewConstMetric(c.connTotal, prometheus.CounterValue, float64(s.ConnectionsTotal))
	ch <- prometheus.MustNewConstMetric(c.connActive, prometheus.GaugeValue, float64(s.ConnectionsActive))
	ch <- prometheus.MustNewConstMetric(c.connFailed, prometheus.CounterValue, float64(s.ConnectionsFailed))
	ch <- prometheus.MustNewConstMetric(c.uploadSpeed, prometheus.GaugeValue, s.UploadSpeed)
	ch <- prometheus.MustNewConstMetric(c.downloadSpeed, prometheus.GaugeValue, s.DownloadSpeed)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime.Seconds())
	if c.threads != nil {
		ch <- prometheus.MustNewConstMetric(c.relayTasks, prometheus.GaugeValue, float64(c.threads()))
	}
}
