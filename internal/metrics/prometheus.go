package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fortify"

type promCollector struct {
	c *Collector

	requests     *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	errors       *prometheus.Desc
	responseTime *prometheus.Desc
	responses    *prometheus.Desc
	activeConns  *prometheus.Desc
	bytesIn      *prometheus.Desc
	bytesOut     *prometheus.Desc
}

// NewPrometheusCollector returns a prometheus.Collector that reports a fresh
// Snapshot of c on every scrape.
func NewPrometheusCollector(c *Collector) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &promCollector{
		c:            c,
		requests:     desc("requests_total", "Completed proxy connections."),
		cacheHits:    desc("cache_hits_total", "Requests served from the response cache."),
		cacheMisses:  desc("cache_misses_total", "Cacheable requests that required an upstream fetch."),
		errors:       desc("errors_total", "Connections that ended in an error."),
		responseTime: desc("response_time_seconds_total", "Cumulative time spent handling connections."),
		responses:    desc("response_time_samples_total", "Number of response time samples."),
		activeConns:  desc("active_connections", "Connections currently being handled."),
		bytesIn:      desc("client_bytes_in_total", "Bytes received from clients."),
		bytesOut:     desc("client_bytes_out_total", "Bytes sent to clients."),
	}
}

func (p *promCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.requests
	ch <- p.cacheHits
	ch <- p.cacheMisses
	ch <- p.errors
	ch <- p.responseTime
	ch <- p.responses
	ch <- p.activeConns
	ch <- p.bytesIn
	ch <- p.bytesOut
}

func (p *promCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Snapshot()
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	counter(p.requests, float64(s.TotalRequests))
	counter(p.cacheHits, float64(s.CacheHits))
	counter(p.cacheMisses, float64(s.CacheMisses))
	counter(p.errors, float64(s.Errors))
	counter(p.responseTime, s.ResponseTimeSum.Seconds())
	counter(p.responses, float64(s.ResponseCount))
	ch <- prometheus.MustNewConstMetric(p.activeConns, prometheus.GaugeValue, float64(s.ActiveConnections))
	counter(p.bytesIn, float64(s.BytesIn))
	counter(p.bytesOut, float64(s.BytesOut))
}
