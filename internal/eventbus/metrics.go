package eventbus

import "github.com/prometheus/client_golang/prometheus"

func mustRegisterCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

func mustRegisterGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	if err := prometheus.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}

// metrics bundles the bus's Prometheus collectors. The rolling values
// GetStats also reports that have no natural Prometheus shape (the events/sec
// rate and the EMAs of batch size and handler latency) are kept on Bus.
type metrics struct {
	published      prometheus.Counter
	delivered      prometheus.Counter
	dropped        prometheus.Counter
	handlerPanics  prometheus.Counter
	queueDepth     prometheus.Gauge
	batchesFlushed prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		published:      mustRegisterCounter("agentrunner_eventbus_published_total", "Total events published to the bus."),
		delivered:      mustRegisterCounter("agentrunner_eventbus_delivered_total", "Total event deliveries to subscriber handlers."),
		dropped:        mustRegisterCounter("agentrunner_eventbus_dropped_total", "Total events dropped because a bounded queue was full."),
		handlerPanics:  mustRegisterCounter("agentrunner_eventbus_handler_panics_total", "Total subscriber handler panics recovered by the bus."),
		queueDepth:     mustRegisterGauge("agentrunner_eventbus_queue_depth", "Current depth of the batched-delivery priority queue."),
		batchesFlushed: mustRegisterCounter("agentrunner_eventbus_batches_flushed_total", "Total batches flushed to subscribers."),
	}
}
