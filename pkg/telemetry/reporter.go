package telemetry

import (
	"context"
	"sort"
	"time"

	"github.com/itohio/cerealometer/pkg/observability"
)

// Outcome is what the reporter did with a finished delivery.
type Outcome int

const (
	Delivered Outcome = iota
	Retained
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retained:
		return "retained"
	default:
		return "discarded"
	}
}

// Result is the completion of one delivery attempt.
type Result struct {
	Batch   Batch
	Err     error
	Latency time.Duration
}

// Reporter coalesces readings and delivers them one batch at a time.
// Pending readings hold at most one entry per slot. Tick and Handle must be
// called from one goroutine; deliveries run in the background and complete
// on Results.
type Reporter struct {
	deviceID string
	sender   Sender
	obs      observability.Observer
	timeout  time.Duration
	now      func() time.Time

	pending  map[int]Reading
	inflight *Batch
	results  chan Result
}

// NewReporter creates a reporter. timeout bounds a single delivery attempt.
func NewReporter(deviceID string, sender Sender, obs observability.Observer, timeout time.Duration) *Reporter {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Reporter{
		deviceID: deviceID,
		sender:   sender,
		obs:      obs,
		timeout:  timeout,
		now:      time.Now,
		pending:  make(map[int]Reading),
		results:  make(chan Result, 1),
	}
}

// Results delivers the completion of the in-flight batch.
func (r *Reporter) Results() <-chan Result {
	return r.results
}

// InFlight reports whether a delivery is running.
func (r *Reporter) InFlight() bool {
	return r.inflight != nil
}

// Pending returns the readings waiting for the next attempt, ordered by slot.
func (r *Reporter) Pending() []Reading {
	out := make([]Reading, 0, len(r.pending))
	for _, rd := range r.pending {
		out = append(out, rd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Tick merges the readings of this interval into the pending set and starts
// a delivery unless one is already running. readings must hold every slot
// that may report; pending entries of other slots (faulted since) are
// dropped. It never blocks on the network and returns true when a delivery
// was started.
func (r *Reporter) Tick(ctx context.Context, readings []Reading) bool {
	present := make(map[int]bool, len(readings))
	for _, rd := range readings {
		present[rd.Slot] = true
		r.merge(rd)
	}
	for slot := range r.pending {
		if !present[slot] {
			delete(r.pending, slot)
		}
	}
	r.obs.SetGauge(observability.PendingReadings, float64(len(r.pending)))

	if r.inflight != nil || len(r.pending) == 0 {
		return false
	}

	b := NewBatch(r.deviceID, r.Pending(), r.now())
	r.pending = make(map[int]Reading)
	r.inflight = &b

	go r.deliver(ctx, b)
	return true
}

func (r *Reporter) deliver(ctx context.Context, b Batch) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := r.sender.Send(ctx, b)
	r.results <- Result{Batch: b, Err: err, Latency: time.Since(start)}
}

// Handle applies the delivery policy to a completed attempt.
func (r *Reporter) Handle(res Result) Outcome {
	r.inflight = nil
	r.obs.ObserveLatency(observability.DeliveryLatency, res.Latency.Seconds())

	defer func() {
		r.obs.SetGauge(observability.PendingReadings, float64(len(r.pending)))
	}()

	if res.Err == nil {
		r.obs.IncCounter(observability.DeliveriesTotal, 1)
		return Delivered
	}

	r.obs.IncCounter(observability.DeliveryFailuresTotal, 1)

	if IsPermanent(res.Err) {
		r.obs.IncCounter(observability.BatchesDroppedTotal, 1)
		r.obs.LogCritical("telemetry batch rejected", res.Err,
			observability.F("device_id", r.deviceID),
			observability.F("batch_id", res.Batch.ID),
			observability.F("readings", len(res.Batch.Readings)))
		return Discarded
	}

	// Readings merged while the attempt ran are newer and win.
	for _, rd := range res.Batch.Readings {
		r.merge(rd)
	}
	r.obs.LogWarn("telemetry delivery failed, will retry", res.Err,
		observability.F("sender", r.sender.Name()),
		observability.F("pending", len(r.pending)))
	return Retained
}

func (r *Reporter) merge(rd Reading) {
	if cur, ok := r.pending[rd.Slot]; ok && cur.Timestamp.After(rd.Timestamp) {
		return
	}
	r.pending[rd.Slot] = rd
}
