package calibration

import (
	"fmt"
	"sort"

	"github.com/itohio/cerealometer/pkg/observability"
)

// Persister stores calibration values of a slot.
type Persister interface {
	Persist(slot int, cal Calibration) error
}

// SlotResult is the acceptance result of one slot of a tare-all request.
type SlotResult struct {
	Slot int   `json:"slot_id"`
	Err  error `json:"-"`
}

type request struct {
	op          Op
	slot        int
	referenceKg float64
}

type activeOp struct {
	request
	cycles int
}

// Orchestrator serializes tare and calibrate requests across channels.
// At most one operation runs at a time; the rest wait in FIFO order.
// It is not safe for concurrent use.
type Orchestrator struct {
	machines      map[int]*Machine
	order         []int
	store         Persister
	obs           observability.Observer
	timeoutCycles int

	queue  []request
	active *activeOp
}

// NewOrchestrator creates an orchestrator over the given machines.
// timeoutCycles is the number of Step calls an operation may take before
// it is forced into Fault.
func NewOrchestrator(machines []*Machine, store Persister, obs observability.Observer, timeoutCycles int) *Orchestrator {
	if obs == nil {
		obs = observability.Nop{}
	}
	o := &Orchestrator{
		machines:      make(map[int]*Machine, len(machines)),
		order:         make([]int, 0, len(machines)),
		store:         store,
		obs:           obs,
		timeoutCycles: timeoutCycles,
	}
	for _, m := range machines {
		o.machines[m.Slot()] = m
		o.order = append(o.order, m.Slot())
	}
	sort.Ints(o.order)
	return o
}

// Slots returns the slot ids in increasing order.
func (o *Orchestrator) Slots() []int {
	return append([]int(nil), o.order...)
}

// Tare queues a tare of one slot.
func (o *Orchestrator) Tare(slot int) error {
	if err := o.accept(slot); err != nil {
		return err
	}
	o.enqueue(request{op: OpTare, slot: slot})
	return nil
}

// TareAll queues a tare of every slot in increasing slot order. Busy slots
// are reported and skipped; the others are still queued.
func (o *Orchestrator) TareAll() []SlotResult {
	results := make([]SlotResult, 0, len(o.order))
	for _, slot := range o.order {
		results = append(results, SlotResult{Slot: slot, Err: o.Tare(slot)})
	}
	return results
}

// Calibrate queues a calibration of one slot against a reference weight.
func (o *Orchestrator) Calibrate(slot int, referenceKg float64) error {
	if err := o.accept(slot); err != nil {
		return err
	}
	if err := ValidateReference(referenceKg); err != nil {
		return err
	}
	o.enqueue(request{op: OpCalibrate, slot: slot, referenceKg: referenceKg})
	return nil
}

func (o *Orchestrator) accept(slot int) error {
	m, ok := o.machines[slot]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	if m.Busy() || o.queued(slot) {
		return fmt.Errorf("slot %d: %w", slot, ErrChannelBusy)
	}
	return nil
}

func (o *Orchestrator) queued(slot int) bool {
	if o.active != nil && o.active.slot == slot {
		return true
	}
	for _, r := range o.queue {
		if r.slot == slot {
			return true
		}
	}
	return false
}

func (o *Orchestrator) enqueue(r request) {
	o.queue = append(o.queue, r)
	o.startNext()
}

// startNext starts queued requests until one is running.
func (o *Orchestrator) startNext() {
	for o.active == nil && len(o.queue) > 0 {
		r := o.queue[0]
		o.queue = o.queue[1:]

		m := o.machines[r.slot]
		var err error
		switch r.op {
		case OpTare:
			err = m.Tare()
		case OpCalibrate:
			err = m.Calibrate(r.referenceKg)
		}
		if err != nil {
			o.obs.LogError("calibration request not started", err,
				observability.F("slot", r.slot), observability.F("op", r.op))
			continue
		}
		o.active = &activeOp{request: r}
		o.obs.LogInfo("calibration started",
			observability.F("slot", r.slot), observability.F("op", r.op))
	}
}

// Step samples every channel once in slot order, advances the running
// operation and enforces its timeout.
func (o *Orchestrator) Step() []Event {
	events := make([]Event, 0, len(o.order))

	for _, slot := range o.order {
		m := o.machines[slot]
		ev := m.Step()
		o.obs.IncCounter(observability.SamplesTotal, 1)

		if ev.Faulted {
			o.obs.IncCounter(observability.ChannelFaultsTotal, 1)
			o.obs.LogWarn("channel fault", ev.Err, observability.F("slot", slot))
		}
		if ev.Status != Fault {
			o.obs.SetSlotGauge(observability.WeightKg, slot, m.weightKg)
		}
		if o.active != nil && o.active.slot == slot && ev.Completed {
			o.finish(ev)
		}
		events = append(events, ev)
	}

	if o.active != nil {
		o.active.cycles++
		if o.timeoutCycles > 0 && o.active.cycles >= o.timeoutCycles {
			slot := o.active.slot
			ev := o.machines[slot].Abort(fmt.Errorf("%w: slot %d after %d cycles", ErrTimeout, slot, o.active.cycles))
			if ev.Faulted {
				o.obs.IncCounter(observability.ChannelFaultsTotal, 1)
				o.obs.LogWarn("calibration timed out", ev.Err, observability.F("slot", slot))
			}
			o.finish(ev)
			events = append(events, ev)
		}
	}

	o.startNext()
	return events
}

// finish closes the running operation and persists a successful result.
func (o *Orchestrator) finish(ev Event) {
	o.active = nil

	if ev.Err != nil {
		return
	}

	o.obs.IncCounter(observability.CalibrationsTotal, 1)
	o.obs.LogInfo("calibration finished",
		observability.F("slot", ev.Slot),
		observability.F("op", ev.Op),
		observability.F("tare_offset", ev.Calibration.TareOffset),
		observability.F("factor", ev.Calibration.Factor))

	if o.store == nil {
		return
	}
	if err := o.store.Persist(ev.Slot, ev.Calibration); err != nil {
		o.obs.IncCounter(observability.PersistFailuresTotal, 1)
		o.obs.LogWarn("calibration kept in memory only",
			fmt.Errorf("%w: %v", ErrPersistFailure, err), observability.F("slot", ev.Slot))
	}
}

// Status returns the view of one slot.
func (o *Orchestrator) Status(slot int) (ChannelStatus, error) {
	m, ok := o.machines[slot]
	if !ok {
		return ChannelStatus{}, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	st := m.Snapshot()
	st.Pending = o.queued(slot) && !m.Busy()
	return st, nil
}

// Snapshot returns the view of every slot in increasing slot order.
func (o *Orchestrator) Snapshot() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(o.order))
	for _, slot := range o.order {
		st, _ := o.Status(slot)
		out = append(out, st)
	}
	return out
}

// Pending returns the number of queued operations, including the running one.
func (o *Orchestrator) Pending() int {
	n := len(o.queue)
	if o.active != nil {
		n++
	}
	return n
}

// Reportable returns the sampled channels that are not in Fault.
func (o *Orchestrator) Reportable() []ChannelStatus {
	var out []ChannelStatus
	for _, st := range o.Snapshot() {
		if st.Status == Fault || !st.Sampled() {
			continue
		}
		out = append(out, st)
	}
	return out
}
