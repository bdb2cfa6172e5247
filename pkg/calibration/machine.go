package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/itohio/cerealometer/pkg/loadcell"
	"github.com/itohio/cerealometer/pkg/sample"
)

// Sampler produces conditioned samples of one load cell.
type Sampler interface {
	Sample() (sample.Reading, error)
}

var _ Sampler = (*sample.Channel)(nil)

// Calibration holds the values that convert raw samples to kilograms.
type Calibration struct {
	TareOffset int32
	Factor     float64
}

// DefaultCalibration is used for slots without stored values.
var DefaultCalibration = Calibration{TareOffset: 0, Factor: 1}

// Valid reports whether the factor is finite and positive.
func (c Calibration) Valid() bool {
	return c.Factor > 0 && !math.IsInf(c.Factor, 1)
}

// Limits are the thresholds a machine validates samples against.
type Limits struct {
	CaptureSamples  int     // samples averaged by tare and calibrate
	SanityBound     float64 // max |tare offset|
	SaturationLimit int32   // |raw| at or above is a saturated or disconnected sensor
	Epsilon         float64 // min |avg - tare| for calibrate
	MaxMissedCycles int     // consecutive steps without a sample before Fault; 0 disables
}

// Event describes what one Step did.
type Event struct {
	Slot        int
	Status      Status
	Op          Op   // operation that finished on this step
	Completed   bool // Op reached a terminal status
	Faulted     bool // channel entered Fault on this step
	Err         error
	Calibration Calibration
}

// state is the tagged per-channel state.
type state interface {
	status() Status
}

type idleState struct{}

type calibratedState struct{}

type taringState struct {
	captured []float64
}

type calibratingState struct {
	referenceKg float64
	captured    []float64
}

type faultState struct {
	err error
}

func (idleState) status() Status { return Idle }
func (calibratedState) status() Status { return Calibrated }
func (*taringState) status() Status { return Taring }
func (*calibratingState) status() Status { return Calibrating }
func (faultState) status() Status { return Fault }

// Machine is the calibration state machine of one channel. It is not safe for
// concurrent use; all calls must come from the dispatch loop.
type Machine struct {
	slot    int
	sampler Sampler
	limits  Limits

	state state
	cal   Calibration

	filtered  float64
	lastRaw   int32
	weightKg  float64
	sampledAt time.Time
	lastErr   error
	missed    int
}

// NewMachine creates an Idle machine using stored calibration values.
// Invalid stored values fall back to DefaultCalibration.
func NewMachine(slot int, s Sampler, limits Limits, stored Calibration) *Machine {
	if !stored.Valid() {
		stored = DefaultCalibration
	}
	if limits.CaptureSamples <= 0 {
		limits.CaptureSamples = 10
	}
	return &Machine{
		slot:    slot,
		sampler: s,
		limits:  limits,
		state:   idleState{},
		cal:     stored,
	}
}

// Slot returns the slot id.
func (m *Machine) Slot() int {
	return m.slot
}

// Status returns the current status.
func (m *Machine) Status() Status {
	return m.state.status()
}

// Busy reports whether the machine is taring or calibrating.
func (m *Machine) Busy() bool {
	return m.Status().Busy()
}

// Calibration returns the current calibration values.
func (m *Machine) Calibration() Calibration {
	return m.cal
}

// Tare starts capturing the no-load baseline.
func (m *Machine) Tare() error {
	if m.Busy() {
		return fmt.Errorf("slot %d: %w", m.slot, ErrChannelBusy)
	}
	m.state = &taringState{captured: make([]float64, 0, m.limits.CaptureSamples)}
	return nil
}

// Calibrate starts deriving the factor from a known reference weight.
func (m *Machine) Calibrate(referenceKg float64) error {
	if m.Busy() {
		return fmt.Errorf("slot %d: %w", m.slot, ErrChannelBusy)
	}
	if err := ValidateReference(referenceKg); err != nil {
		return err
	}
	m.state = &calibratingState{
		referenceKg: referenceKg,
		captured:    make([]float64, 0, m.limits.CaptureSamples),
	}
	return nil
}

// Abort forces a running operation into Fault. It does nothing when idle.
func (m *Machine) Abort(err error) Event {
	if !m.Busy() {
		return m.event()
	}
	return m.fail(err)
}

// Step takes one sample and advances the running operation.
func (m *Machine) Step() Event {
	r, err := m.sampler.Sample()
	if err != nil {
		if errors.Is(err, loadcell.ErrNoSample) {
			return m.miss()
		}
		return m.fail(fmt.Errorf("%w: slot %d: %v", ErrOutOfRange, m.slot, err))
	}

	m.missed = 0
	m.lastRaw = r.Last
	m.filtered = r.Value
	m.sampledAt = r.Timestamp

	if m.saturated(r.Last) {
		return m.fail(fmt.Errorf("%w: slot %d: raw %d at saturation limit", ErrOutOfRange, m.slot, r.Last))
	}
	m.updateWeight()

	switch s := m.state.(type) {
	case *taringState:
		s.captured = append(s.captured, float64(r.Last))
		if len(s.captured) >= m.limits.CaptureSamples {
			return m.finishTare(s)
		}
	case *calibratingState:
		s.captured = append(s.captured, float64(r.Last))
		if len(s.captured) >= m.limits.CaptureSamples {
			return m.finishCalibrate(s)
		}
	}
	return m.event()
}

func (m *Machine) finishTare(s *taringState) Event {
	avg := stat.Mean(s.captured, nil)
	if math.Abs(avg) > m.limits.SanityBound {
		return m.fail(fmt.Errorf("%w: slot %d: tare average %.0f exceeds bound %.0f",
			ErrOutOfRange, m.slot, avg, m.limits.SanityBound))
	}

	m.cal.TareOffset = int32(math.Round(avg))
	m.state = idleState{}
	m.lastErr = nil
	m.updateWeight()

	ev := m.event()
	ev.Op = OpTare
	ev.Completed = true
	return ev
}

func (m *Machine) finishCalibrate(s *calibratingState) Event {
	avg := stat.Mean(s.captured, nil)
	denom := avg - float64(m.cal.TareOffset)
	if math.Abs(denom) <= m.limits.Epsilon {
		return m.fail(fmt.Errorf("%w: slot %d: loaded average %.1f equals tare offset %d",
			ErrDegenerateCalibration, m.slot, avg, m.cal.TareOffset))
	}

	factor := s.referenceKg / denom
	if !(Calibration{Factor: factor}).Valid() {
		return m.fail(fmt.Errorf("%w: slot %d: factor %g is not positive",
			ErrDegenerateCalibration, m.slot, factor))
	}

	m.cal.Factor = factor
	m.state = calibratedState{}
	m.lastErr = nil
	m.updateWeight()

	ev := m.event()
	ev.Op = OpCalibrate
	ev.Completed = true
	return ev
}

// miss counts a step without a fresh sample. A source that stays silent past
// MaxMissedCycles is treated as disconnected.
func (m *Machine) miss() Event {
	m.missed++
	limit := m.limits.MaxMissedCycles
	if limit <= 0 || m.missed <= limit || m.Status() == Fault {
		return m.event()
	}
	return m.fail(fmt.Errorf("%w: slot %d: no sample for %d cycles", ErrOutOfRange, m.slot, m.missed))
}

func (m *Machine) fail(err error) Event {
	op := OpNone
	switch m.state.(type) {
	case *taringState:
		op = OpTare
	case *calibratingState:
		op = OpCalibrate
	}
	entered := m.Status() != Fault

	m.state = faultState{err: err}
	m.lastErr = err

	ev := m.event()
	ev.Op = op
	ev.Completed = op != OpNone
	ev.Faulted = entered
	ev.Err = err
	return ev
}

func (m *Machine) event() Event {
	return Event{
		Slot:        m.slot,
		Status:      m.Status(),
		Calibration: m.cal,
	}
}

func (m *Machine) saturated(raw int32) bool {
	limit := m.limits.SaturationLimit
	if limit <= 0 {
		return false
	}
	return raw >= limit || raw <= -limit
}

func (m *Machine) updateWeight() {
	m.weightKg = (m.filtered - float64(m.cal.TareOffset)) * m.cal.Factor
}

// ChannelStatus is a read-only view of one channel.
type ChannelStatus struct {
	Slot              int       `json:"slot_id"`
	Status            Status    `json:"status"`
	LastWeightKg      float64   `json:"last_weight_kg"`
	TareOffset        int32     `json:"tare_offset"`
	CalibrationFactor float64   `json:"calibration_factor"`
	RawSample         int32     `json:"raw_sample"`      // newest unfiltered conversion
	FilteredSample    float64   `json:"filtered_sample"` // moving average the weight is derived from
	SampledAt         time.Time `json:"sampled_at"`
	LastError         string    `json:"last_error,omitempty"`
	Pending           bool      `json:"pending"`
}

// Sampled reports whether the channel has produced at least one sample.
func (c ChannelStatus) Sampled() bool {
	return !c.SampledAt.IsZero()
}

// Snapshot returns the current view of the channel.
func (m *Machine) Snapshot() ChannelStatus {
	st := ChannelStatus{
		Slot:              m.slot,
		Status:            m.Status(),
		LastWeightKg:      m.weightKg,
		TareOffset:        m.cal.TareOffset,
		CalibrationFactor: m.cal.Factor,
		RawSample:         m.lastRaw,
		FilteredSample:    m.filtered,
		SampledAt:         m.sampledAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
