package observability

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PromObs exports metrics to Prometheus and logs through the standard logger.
type PromObs struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	slots    map[string]*prometheus.GaugeVec
}

var _ Observer = (*PromObs)(nil)

// NewPromObs creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewPromObs(reg prometheus.Registerer) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}

	samples := counter(SamplesTotal, "Sensor samples taken across all channels.")
	faults := counter(ChannelFaultsTotal, "Channel transitions into Fault.")
	calibrations := counter(CalibrationsTotal, "Tare and calibrate operations that completed successfully.")
	persistFailures := counter(PersistFailuresTotal, "Calibration values that could not be persisted.")
	deliveries := counter(DeliveriesTotal, "Telemetry batches acknowledged by the cloud endpoint.")
	deliveryFailures := counter(DeliveryFailuresTotal, "Telemetry delivery attempts that failed.")
	dropped := counter(BatchesDroppedTotal, "Telemetry batches discarded after a permanent rejection.")

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: PendingReadings,
		Help: "Readings waiting for delivery (at most one per slot).",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    DeliveryLatency,
		Help:    "Duration of telemetry delivery attempts.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	weight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: WeightKg,
		Help: "Last calibrated weight per slot.",
	}, []string{"slot"})

	reg.MustRegister(samples, faults, calibrations, persistFailures, deliveries,
		deliveryFailures, dropped, pending, latency, weight)

	return &PromObs{
		counters: map[string]prometheus.Counter{
			SamplesTotal:          samples,
			ChannelFaultsTotal:    faults,
			CalibrationsTotal:     calibrations,
			PersistFailuresTotal:  persistFailures,
			DeliveriesTotal:       deliveries,
			DeliveryFailuresTotal: deliveryFailures,
			BatchesDroppedTotal:   dropped,
		},
		gauges: map[string]prometheus.Gauge{
			PendingReadings: pending,
		},
		histos: map[string]prometheus.Observer{
			DeliveryLatency: latency,
		},
		slots: map[string]*prometheus.GaugeVec{
			WeightKg: weight,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...Field) {
	log.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogWarn(msg string, err error, fields ...Field) {
	log.Printf("WARN: %s%s%s", msg, formatErr(err), formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...Field) {
	log.Printf("ERROR: %s%s%s", msg, formatErr(err), formatFields(fields))
}

func (p *PromObs) LogCritical(msg string, err error, fields ...Field) {
	log.Printf("CRITICAL: %s%s%s", msg, formatErr(err), formatFields(fields))
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) SetSlotGauge(name string, slot int, v float64) {
	if g, ok := p.slots[name]; ok {
		g.WithLabelValues(strconv.Itoa(slot)).Set(v)
	}
}

func formatErr(err error) string {
	if err == nil {
		return ""
	}
	return ": " + err.Error()
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}
