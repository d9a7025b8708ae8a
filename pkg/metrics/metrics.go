package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var HistogramBuckets = []float64{
	// --- Fast responses (0 - 500ms) ---
	25, 50, 75, 100, 150, 200, 300, 400, 500,

	// --- Medium responses around 700ms (500ms - 2s) ---
	750, 1000, 1250, 1500, 1750, 2000,

	// --- Slow responses (2s - 15s) ---
	2500, 3000, 4000, 5000, 7500, 10000, 15000,

	// --- Extended range: covers 60000ms+ (15s - 75s) ---
	20000,  // 20s
	30000,  // 30s
	45000,  // 45s
	60000,  // 60s
	75000,  // 75s
	90000,  // 90s
	120000, // 120s
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "gauge":
		metric = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "histogram":
		metric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
				Buckets:   HistogramBuckets,
			},
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "summary":
		metric = prometheus.NewSummary(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	}
	return metric
}

var MetricsChargeOps = &Metric{
	ID:          "chargeOps",
	Name:        "charge_ops_total",
	Description: "Processor operations partitioned by processor, operation and outcome.",
	Type:        "counter_vec",
	Args:        []string{"processor", "op", "outcome"},
}

var MetricsChargeDur = &Metric{
	ID:          "chargeDur",
	Name:        "charge_dur_ms",
	Description: "Processor operation latency in milliseconds.",
	Type:        "histogram_vec",
	Args:        []string{"processor", "op"},
}

var MetricsPurchaseOutcome = &Metric{
	ID:          "purchaseOutcome",
	Name:        "purchase_outcome_total",
	Description: "Terminal purchase outcomes partitioned by product type and final state.",
	Type:        "counter_vec",
	Args:        []string{"product_type", "state"},
}

var MetricsBillingCycle = &Metric{
	ID:          "billingCycle",
	Name:        "billing_cycle_total",
	Description: "Recurring billing cycle runs partitioned by outcome.",
	Type:        "counter_vec",
	Args:        []string{"outcome"},
}

var businessMetrics = []*Metric{
	MetricsChargeOps,
	MetricsChargeDur,
	MetricsPurchaseOutcome,
	MetricsBillingCycle,
}

// RegisterBusinessMetrics registers the charge and billing collectors.
// Registration conflicts are ignored so tests can call it repeatedly.
func RegisterBusinessMetrics(subsystem string) {
	for _, m := range businessMetrics {
		if m.MetricCollector != nil {
			continue
		}
		c := NewMetric(m, subsystem)
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				c = are.ExistingCollector
			}
		}
		m.MetricCollector = c
	}
}

// ChargeOps returns the processor operation counter, registering on first use.
func ChargeOps() *prometheus.CounterVec {
	RegisterBusinessMetrics("billing")
	return MetricsChargeOps.MetricCollector.(*prometheus.CounterVec)
}

// ChargeDur returns the processor latency histogram, registering on first use.
func ChargeDur() *prometheus.HistogramVec {
	RegisterBusinessMetrics("billing")
	return MetricsChargeDur.MetricCollector.(*prometheus.HistogramVec)
}

// PurchaseOutcome returns the terminal purchase counter, registering on first use.
func PurchaseOutcome() *prometheus.CounterVec {
	RegisterBusinessMetrics("billing")
	return MetricsPurchaseOutcome.MetricCollector.(*prometheus.CounterVec)
}

// BillingCycle returns the billing cycle counter, registering on first use.
func BillingCycle() *prometheus.CounterVec {
	RegisterBusinessMetrics("billing")
	return MetricsBillingCycle.MetricCollector.(*prometheus.CounterVec)
}

// MillisecondsSince reports elapsed wall time in milliseconds.
func MillisecondsSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

const (
	RefererKey = "X-Referer"
)
