package calibration

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/cerealometer/pkg/config"
	"github.com/itohio/cerealometer/pkg/loadcell"
	"github.com/itohio/cerealometer/pkg/sample"
)

var testLimits = Limits{
	CaptureSamples:  10,
	SanityBound:     4000000,
	SaturationLimit: 8388000,
	Epsilon:         1,
}

func newMockMachine(t *testing.T, zero int32, noise float64) (*Machine, *loadcell.Mock) {
	t.Helper()
	mock := loadcell.NewMock(&config.MockConfig{Zero: zero, CountsPerKg: 10000, NoiseLevel: noise}, []int{0})
	ch := sample.NewChannel(0, mock, 8)
	return NewMachine(0, ch, testLimits, DefaultCalibration), mock
}

func stepN(m *Machine, n int) Event {
	var ev Event
	for i := 0; i < n; i++ {
		ev = m.Step()
	}
	return ev
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Idle, "idle"},
		{Taring, "taring"},
		{Calibrating, "calibrating"},
		{Calibrated, "calibrated"},
		{Fault, "fault"},
		{Status(42), "status(42)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestStatus_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Status{"s": Calibrating})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"calibrating"}`, string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("FAULT")))
	assert.Equal(t, Fault, s)
	assert.Error(t, s.UnmarshalText([]byte("broken")))
}

func TestValidateReference(t *testing.T) {
	tests := []struct {
		kg      float64
		wantErr bool
	}{
		{0.1, false},
		{25, false},
		{0, true},
		{-0.5, true},
		{math.NaN(), true},
		{math.Inf(1), true},
	}
	for _, tt := range tests {
		err := ValidateReference(tt.kg)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidReference, "kg=%v", tt.kg)
		} else {
			assert.NoError(t, err, "kg=%v", tt.kg)
		}
	}
}

func TestNewMachine_InvalidStoredFallsBack(t *testing.T) {
	for _, f := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		m := NewMachine(0, nil, testLimits, Calibration{TareOffset: 5, Factor: f})
		assert.Equal(t, DefaultCalibration, m.Calibration())
		assert.Equal(t, Idle, m.Status())
	}
}

func TestMachine_TareAndCalibrate(t *testing.T) {
	m, mock := newMockMachine(t, 5000, 0)

	require.NoError(t, m.Tare())
	assert.Equal(t, Taring, m.Status())

	ev := stepN(m, 9)
	assert.False(t, ev.Completed)
	assert.Equal(t, Taring, ev.Status)

	ev = m.Step()
	assert.True(t, ev.Completed)
	assert.Equal(t, OpTare, ev.Op)
	assert.NoError(t, ev.Err)
	assert.Equal(t, Idle, m.Status())
	assert.Equal(t, int32(5000), m.Calibration().TareOffset)

	mock.SetLoad(0, 0.1)
	require.NoError(t, m.Calibrate(0.1))
	ev = stepN(m, 10)
	require.True(t, ev.Completed)
	assert.Equal(t, OpCalibrate, ev.Op)
	assert.Equal(t, Calibrated, m.Status())
	assert.InDelta(t, 0.0001, m.Calibration().Factor, 1e-12)

	m.Step()
	assert.InDelta(t, 0.1, m.Snapshot().LastWeightKg, 1e-9)
}

func TestMachine_CalibrateMatchesReferenceUnderNoise(t *testing.T) {
	m, mock := newMockMachine(t, 120000, 20)

	require.NoError(t, m.Tare())
	stepN(m, 10)
	require.Equal(t, Idle, m.Status())

	mock.SetLoad(0, 0.5)
	require.NoError(t, m.Calibrate(0.5))
	stepN(m, 10)
	require.Equal(t, Calibrated, m.Status())

	m.Step()
	assert.InDelta(t, 0.5, m.Snapshot().LastWeightKg, 0.01)
}

func TestMachine_TareIdempotent(t *testing.T) {
	m, _ := newMockMachine(t, -2500, 20)

	require.NoError(t, m.Tare())
	stepN(m, 10)
	first := m.Calibration().TareOffset

	require.NoError(t, m.Tare())
	stepN(m, 10)
	second := m.Calibration().TareOffset

	assert.InDelta(t, first, second, 20)
	assert.InDelta(t, -2500, second, 20)
}

func TestMachine_ChannelBusy(t *testing.T) {
	m, _ := newMockMachine(t, 0, 0)

	require.NoError(t, m.Tare())
	assert.ErrorIs(t, m.Tare(), ErrChannelBusy)
	assert.ErrorIs(t, m.Calibrate(0.1), ErrChannelBusy)
	stepN(m, 10)

	require.NoError(t, m.Calibrate(0.1))
	assert.ErrorIs(t, m.Tare(), ErrChannelBusy)
	assert.ErrorIs(t, m.Calibrate(1), ErrChannelBusy)
	assert.ErrorIs(t, m.Calibrate(-1), ErrChannelBusy)
}

func TestMachine_InvalidReferenceNoStateChange(t *testing.T) {
	m, _ := newMockMachine(t, 0, 0)
	assert.ErrorIs(t, m.Calibrate(0), ErrInvalidReference)
	assert.Equal(t, Idle, m.Status())
	assert.Equal(t, DefaultCalibration, m.Calibration())
}

func TestMachine_DegenerateCalibration(t *testing.T) {
	tests := []struct {
		name string
		load float64
	}{
		{"unloaded", 0},
		{"below epsilon", 0.00005},
		{"negative factor", -0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, mock := newMockMachine(t, 1000, 0)
			require.NoError(t, m.Tare())
			stepN(m, 10)

			mock.SetLoad(0, tt.load)
			require.NoError(t, m.Calibrate(0.1))
			ev := stepN(m, 10)

			assert.True(t, ev.Completed)
			assert.True(t, ev.Faulted)
			assert.ErrorIs(t, ev.Err, ErrDegenerateCalibration)
			assert.Equal(t, Fault, m.Status())
			assert.Equal(t, 1.0, m.Calibration().Factor)
			assert.Contains(t, m.Snapshot().LastError, "degenerate")
		})
	}
}

func TestMachine_TareSanityBound(t *testing.T) {
	m, mock := newMockMachine(t, 300, 0)
	require.NoError(t, m.Tare())
	stepN(m, 10)
	require.Equal(t, int32(300), m.Calibration().TareOffset)

	mock.SetZero(0, 5000000)
	require.NoError(t, m.Tare())
	ev := stepN(m, 10)

	assert.ErrorIs(t, ev.Err, ErrOutOfRange)
	assert.Equal(t, Fault, m.Status())
	assert.Equal(t, int32(300), m.Calibration().TareOffset)
}

func TestMachine_SaturationFaultsAndRecovers(t *testing.T) {
	m, mock := newMockMachine(t, 0, 0)
	m.Step()
	require.Equal(t, Idle, m.Status())

	mock.SetDisconnected(0, true)
	ev := m.Step()
	assert.True(t, ev.Faulted)
	assert.ErrorIs(t, ev.Err, ErrOutOfRange)
	assert.Equal(t, Fault, m.Status())

	ev = m.Step()
	assert.False(t, ev.Faulted, "already in fault")
	assert.Equal(t, Fault, m.Status())

	mock.SetDisconnected(0, false)
	m.Step()
	assert.Equal(t, Fault, m.Status(), "fault is only left by an explicit retry")

	require.NoError(t, m.Tare())
	stepN(m, 10)
	assert.Equal(t, Idle, m.Status())
	assert.Empty(t, m.Snapshot().LastError)
}

func TestMachine_FaultDuringOperation(t *testing.T) {
	m, mock := newMockMachine(t, 0, 0)
	require.NoError(t, m.Tare())
	stepN(m, 3)

	mock.SetDisconnected(0, true)
	ev := m.Step()
	assert.True(t, ev.Completed)
	assert.Equal(t, OpTare, ev.Op)
	assert.Equal(t, Fault, m.Status())
}

type failingReader struct{ err error }

func (r failingReader) Read(int) (int32, error) { return 0, r.err }
func (r failingReader) Close() error { return nil }

func TestMachine_ReadErrors(t *testing.T) {
	m := NewMachine(0, sample.NewChannel(0, failingReader{err: loadcell.ErrNoSample}, 8), testLimits, DefaultCalibration)
	ev := m.Step()
	assert.NoError(t, ev.Err)
	assert.Equal(t, Idle, m.Status())
	assert.False(t, m.Snapshot().Sampled())

	m = NewMachine(0, sample.NewChannel(0, failingReader{err: errors.New("i2c nack")}, 8), testLimits, DefaultCalibration)
	ev = m.Step()
	assert.ErrorIs(t, ev.Err, ErrOutOfRange)
	assert.Equal(t, Fault, m.Status())
}

func TestMachine_Abort(t *testing.T) {
	m, _ := newMockMachine(t, 0, 0)

	ev := m.Abort(ErrTimeout)
	assert.NoError(t, ev.Err)
	assert.Equal(t, Idle, m.Status())

	require.NoError(t, m.Calibrate(0.1))
	ev = m.Abort(ErrTimeout)
	assert.True(t, ev.Completed)
	assert.Equal(t, OpCalibrate, ev.Op)
	assert.ErrorIs(t, ev.Err, ErrTimeout)
	assert.Equal(t, Fault, m.Status())
}

// silentReader returns value for the first left reads, then no samples.
type silentReader struct {
	value int32
	left  int
}

func (r *silentReader) Read(int) (int32, error) {
	if r.left == 0 {
		return 0, loadcell.ErrNoSample
	}
	r.left--
	return r.value, nil
}

func (r *silentReader) Close() error { return nil }

func TestMachine_SilentSourceFaults(t *testing.T) {
	limits := testLimits
	limits.MaxMissedCycles = 40
	reader := &silentReader{value: 1000, left: 5}
	m := NewMachine(0, sample.NewChannel(0, reader, 8), limits, DefaultCalibration)

	stepN(m, 5)
	assert.Equal(t, Idle, m.Status())
	assert.InDelta(t, 1000, m.Snapshot().LastWeightKg, 1e-9)

	ev := stepN(m, 40)
	assert.NoError(t, ev.Err)
	assert.Equal(t, Idle, m.Status())

	reader.left = 1
	m.Step()
	ev = stepN(m, 40)
	assert.NoError(t, ev.Err, "a fresh sample restarts the count")
	assert.Equal(t, Idle, m.Status())

	ev = m.Step()
	assert.True(t, ev.Faulted)
	assert.ErrorIs(t, ev.Err, ErrOutOfRange)
	assert.Equal(t, Fault, m.Status())
	assert.Contains(t, m.Snapshot().LastError, "no sample for 41 cycles")

	ev = stepN(m, 10)
	assert.False(t, ev.Faulted)
	assert.Equal(t, Fault, m.Status())
}

func TestMachine_SilentSourceDisabledLimit(t *testing.T) {
	m := NewMachine(0, sample.NewChannel(0, &silentReader{value: 1000, left: 1}, 8), testLimits, DefaultCalibration)
	stepN(m, 1000)
	assert.Equal(t, Idle, m.Status())
}

func TestChannelStatus_RawAndFiltered(t *testing.T) {
	reader := &silentReader{value: 400, left: 1}
	m := NewMachine(0, sample.NewChannel(0, reader, 4), testLimits, DefaultCalibration)
	m.Step()
	reader.value, reader.left = 800, 1
	m.Step()

	st := m.Snapshot()
	assert.Equal(t, int32(800), st.RawSample)
	assert.InDelta(t, 600, st.FilteredSample, 1e-9)

	b, err := json.Marshal(st)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.EqualValues(t, 800, fields["raw_sample"])
	assert.EqualValues(t, 600, fields["filtered_sample"])
}
