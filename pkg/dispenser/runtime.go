package dispenser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/cerealometer/pkg/calibration"
	"github.com/itohio/cerealometer/pkg/observability"
	"github.com/itohio/cerealometer/pkg/telemetry"
)

// ErrStopped is returned for requests made after Run has returned.
var ErrStopped = errors.New("dispenser: runtime stopped")

// Options are the timings of the dispatch loop.
type Options struct {
	SampleInterval time.Duration
	ReportInterval time.Duration
	PushInterval   time.Duration
}

// DefaultOptions matches the configuration defaults.
var DefaultOptions = Options{
	SampleInterval: 100 * time.Millisecond,
	ReportInterval: 30 * time.Second,
	PushInterval:   time.Second,
}

type command struct {
	fn    func(ctx context.Context)
	reply chan struct{}
}

// Runtime owns the orchestrator and the reporter and drives both from a
// single goroutine. Requests from other goroutines are passed in as commands
// and answered when the loop has executed them. Status reads use the last
// published snapshot and never wait for the loop.
type Runtime struct {
	orch     *calibration.Orchestrator
	reporter *telemetry.Reporter
	obs      observability.Observer
	opts     Options

	commands chan command
	done     chan struct{}
	running  atomic.Bool
	snapshot atomic.Pointer[[]calibration.ChannelStatus]

	callbacks []func([]calibration.ChannelStatus)
	cbMu      sync.RWMutex
}

// New creates a runtime. Zero options take DefaultOptions values.
func New(orch *calibration.Orchestrator, reporter *telemetry.Reporter, obs observability.Observer, opts Options) *Runtime {
	if obs == nil {
		obs = observability.Nop{}
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultOptions.SampleInterval
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultOptions.ReportInterval
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = DefaultOptions.PushInterval
	}
	r := &Runtime{
		orch:     orch,
		reporter: reporter,
		obs:      obs,
		opts:     opts,
		commands: make(chan command),
		done:     make(chan struct{}),
	}
	r.publish()
	return r
}

// OnUpdate registers a callback receiving the status of every slot on each
// push interval. Callbacks run on the dispatch goroutine and must not block.
func (r *Runtime) OnUpdate(cb func([]calibration.ChannelStatus)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Run executes the dispatch loop until ctx is done. It must be called once.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispenser: runtime already running")
	}
	defer close(r.done)

	sampleT := time.NewTicker(r.opts.SampleInterval)
	defer sampleT.Stop()
	reportT := time.NewTicker(r.opts.ReportInterval)
	defer reportT.Stop()
	pushT := time.NewTicker(r.opts.PushInterval)
	defer pushT.Stop()

	r.obs.LogInfo("dispenser running",
		observability.F("slots", len(r.orch.Slots())),
		observability.F("sample_interval", r.opts.SampleInterval),
		observability.F("report_interval", r.opts.ReportInterval))

	for {
		select {
		case <-ctx.Done():
			r.obs.LogInfo("dispenser stopping", observability.F("pending_readings", len(r.reporter.Pending())))
			return ctx.Err()

		case cmd := <-r.commands:
			cmd.fn(ctx)
			r.publish()
			close(cmd.reply)

		case <-sampleT.C:
			r.orch.Step()
			r.publish()

		case <-reportT.C:
			r.report(ctx)

		case res := <-r.reporter.Results():
			if r.reporter.Handle(res) == telemetry.Delivered {
				reportT.Reset(r.opts.ReportInterval)
			}

		case <-pushT.C:
			r.notify()
		}
	}
}

// report hands the latest reading of every reportable slot to the reporter.
func (r *Runtime) report(ctx context.Context) bool {
	channels := r.orch.Reportable()
	readings := make([]telemetry.Reading, 0, len(channels))
	for _, st := range channels {
		readings = append(readings, telemetry.Reading{
			Slot:      st.Slot,
			WeightKg:  st.LastWeightKg,
			Timestamp: st.SampledAt,
		})
	}
	return r.reporter.Tick(ctx, readings)
}

func (r *Runtime) publish() {
	snap := r.orch.Snapshot()
	r.snapshot.Store(&snap)
}

func (r *Runtime) notify() {
	snap := r.Status()
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	for _, cb := range r.callbacks {
		cb(snap)
	}
}

// submit runs fn on the dispatch goroutine and waits for it to finish.
func (r *Runtime) submit(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{fn: fn, reply: make(chan struct{})}
	select {
	case r.commands <- cmd:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.reply
	return nil
}

// Tare queues a tare of one slot, or of every slot in slot order when slot
// is nil.
func (r *Runtime) Tare(ctx context.Context, slot *int) ([]calibration.SlotResult, error) {
	var (
		results []calibration.SlotResult
		opErr   error
	)
	err := r.submit(ctx, func(context.Context) {
		if slot == nil {
			results = r.orch.TareAll()
			return
		}
		opErr = r.orch.Tare(*slot)
		results = []calibration.SlotResult{{Slot: *slot, Err: opErr}}
	})
	if err != nil {
		return nil, err
	}
	return results, opErr
}

// Calibrate queues a calibration of one slot against a reference weight.
func (r *Runtime) Calibrate(ctx context.Context, slot int, referenceKg float64) error {
	var opErr error
	if err := r.submit(ctx, func(context.Context) {
		opErr = r.orch.Calibrate(slot, referenceKg)
	}); err != nil {
		return err
	}
	return opErr
}

// ReportNow runs a reporting tick without waiting for the interval.
func (r *Runtime) ReportNow(ctx context.Context) error {
	return r.submit(ctx, func(loopCtx context.Context) {
		r.report(loopCtx)
	})
}

// Status returns the last published status of every slot.
func (r *Runtime) Status() []calibration.ChannelStatus {
	snap := r.snapshot.Load()
	return append([]calibration.ChannelStatus(nil), (*snap)...)
}

// StatusOf returns the last published status of one slot.
func (r *Runtime) StatusOf(slot int) (calibration.ChannelStatus, error) {
	for _, st := range *r.snapshot.Load() {
		if st.Slot == slot {
			return st, nil
		}
	}
	return calibration.ChannelStatus{}, fmt.Errorf("%w: %d", calibration.ErrUnknownSlot, slot)
}
