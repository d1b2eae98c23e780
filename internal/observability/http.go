package observability

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const queueDepthTimeout = 2 * time.Second

// QueueDepthFunc reports the number of marking jobs per status.
type QueueDepthFunc func(ctx context.Context) (map[string]int64, error)

var queueDepthDesc = prometheus.NewDesc(
	"gema_marking_queue_jobs",
	"Marking jobs currently stored, by status.",
	[]string{"status"}, nil,
)

type queueDepthCollector struct {
	depth QueueDepthFunc
}

func (c queueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
}

func (c queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), queueDepthTimeout)
	defer cancel()

	counts, err := c.depth(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(queueDepthDesc, err)
		return
	}
	for status, count := range counts {
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(count), status)
	}
}

// MetricsHandler exposes the Prometheus scrape endpoint. When depth is set
// the queue is counted on every scrape.
func MetricsHandler(depth QueueDepthFunc) fiber.Handler {
	RegisterMetrics()

	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if depth != nil {
		registry := prometheus.NewRegistry()
		registry.MustRegister(queueDepthCollector{depth: depth})
		gatherers = append(gatherers, registry)
	}

	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
}
