package observability

// Observer is the logging and metrics surface used by the pipeline.
type Observer interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, err error, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)
	SetSlotGauge(name string, slot int, v float64)
}

// Field is a structured log attribute.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for Field{Key: k, Value: v}.
func F(k string, v any) Field {
	return Field{Key: k, Value: v}
}

// Metric names.
const (
	SamplesTotal          = "cerealometer_samples_total"
	ChannelFaultsTotal    = "cerealometer_channel_faults_total"
	CalibrationsTotal     = "cerealometer_calibrations_total"
	PersistFailuresTotal  = "cerealometer_persist_failures_total"
	DeliveriesTotal       = "cerealometer_deliveries_total"
	DeliveryFailuresTotal = "cerealometer_delivery_failures_total"
	BatchesDroppedTotal   = "cerealometer_batches_dropped_total"
	PendingReadings       = "cerealometer_pending_readings"
	DeliveryLatency       = "cerealometer_delivery_latency_seconds"
	WeightKg              = "cerealometer_weight_kg"
)

// Nop discards everything.
type Nop struct{}

var _ Observer = Nop{}

func (Nop) LogInfo(string, ...Field) {}
func (Nop) LogWarn(string, error, ...Field) {}
func (Nop) LogError(string, error, ...Field) {}
func (Nop) LogCritical(string, error, ...Field) {}
func (Nop) IncCounter(string, float64) {}
func (Nop) ObserveLatency(string, float64) {}
func (Nop) SetGauge(string, float64) {}
func (Nop) SetSlotGauge(string, int, float64) {}
