package batch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunamismax/pixelbatch/internal/pipeline"
)

type Metrics struct {
	batchesTotal   *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	activeBatches  prometheus.Gauge
	productsTotal  *prometheus.CounterVec
	imagesTotal    *prometheus.CounterVec
	submittedTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_batches_total",
			Help: "Total batch runs by final status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelbatch_batch_duration_seconds",
			Help:    "Wall time of each batch run.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelbatch_active_batches",
			Help: "Batch runs currently in progress.",
		}),
		productsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_products_total",
			Help: "Products processed, split by whether any image was published.",
		}, []string{"result"}),
		imagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelbatch_images_total",
			Help: "Images processed by outcome and skip reason.",
		}, []string{"outcome", "reason"}),
		submittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelbatch_batches_submitted_total",
			Help: "Batches accepted for processing.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.batchesTotal,
			m.batchDuration,
			m.activeBatches,
			m.productsTotal,
			m.imagesTotal,
			m.submittedTotal,
		)
	}
	return m
}

func (m *Metrics) batchStarted() {
	if m == nil {
		return
	}
	m.activeBatches.Inc()
}

func (m *Metrics) batchFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeBatches.Dec()
	m.batchesTotal.WithLabelValues(status).Inc()
	m.batchDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) productProcessed(res pipeline.Result) {
	if m == nil {
		return
	}
	result := "published"
	if res.Succeeded == 0 {
		result = "empty"
	}
	m.productsTotal.WithLabelValues(result).Inc()
	for _, item := range res.Items {
		m.imagesTotal.WithLabelValues(string(item.Outcome), string(item.Reason)).Inc()
	}
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.submittedTotal.Inc()
}
