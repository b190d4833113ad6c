package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/window"
)

var (
	trackerEventsDesc = prometheus.NewDesc(
		"toptracker_window_events",
		"Events currently held in the sliding window",
		nil, nil,
	)
	trackerKeysDesc = prometheus.NewDesc(
		"toptracker_window_keys",
		"Distinct keys with a live count",
		nil, nil,
	)
	trackerRecordedDesc = prometheus.NewDesc(
		"toptracker_events_recorded_total",
		"Events counted since start",
		nil, nil,
	)
	trackerExpiredDesc = prometheus.NewDesc(
		"toptracker_events_expired_total",
		"Events that aged out of the window since start",
		nil, nil,
	)
	trackerWindowDesc = prometheus.NewDesc(
		"toptracker_window_seconds",
		"Configured window length",
		nil, nil,
	)
)

// trackerCollector takes one Stats snapshot per scrape so the five series agree.
type trackerCollector struct {
	stats func() window.Stats
}

func (c *trackerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- trackerEventsDesc
	ch <- trackerKeysDesc
	ch <- trackerRecordedDesc
	ch <- trackerExpiredDesc
	ch <- trackerWindowDesc
}

func (c *trackerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(trackerEventsDesc, prometheus.GaugeValue, float64(s.Events))
	ch <- prometheus.MustNewConstMetric(trackerKeysDesc, prometheus.GaugeValue, float64(s.Keys))
	ch <- prometheus.MustNewConstMetric(trackerRecordedDesc, prometheus.CounterValue, float64(s.Recorded))
	ch <- prometheus.MustNewConstMetric(trackerExpiredDesc, prometheus.CounterValue, float64(s.Expired))
	ch <- prometheus.MustNewConstMetric(trackerWindowDesc, prometheus.GaugeValue, s.Window.Seconds())
}
