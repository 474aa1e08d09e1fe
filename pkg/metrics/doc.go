// Package metrics provides Prometheus instrumentation for timer queues.
//
// # Overview
//
// A Registry bundles the collectors a TimerQueue reports to:
//   - event registrations, cancellations and executions
//   - callback panics and durations
//   - dispatch wakes, batch sizes and lateness behind the deadline
//   - pending events per clock queue
//
// Metrics are labeled by queue name and, where it matters, by clock type
// ("boottime" or "boottime_alarm").
//
// # Quick Start
//
//	reg := prometheus.NewRegistry()
//	q, err := timerqueue.NewWithConfig(timerqueue.Config{
//		Name:    "audio",
//		Metrics: metrics.NewRegistry(reg),
//	})
//
// Then expose metrics via HTTP:
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Default Registry
//
// DefaultRegistry is registered with prometheus.DefaultRegisterer at init
// and is used by timer queues configured with Metrics: nil and
// EnableMetrics: true.
package metrics
