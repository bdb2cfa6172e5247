package dispenser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/cerealometer/pkg/calibration"
	"github.com/itohio/cerealometer/pkg/config"
	"github.com/itohio/cerealometer/pkg/loadcell"
	"github.com/itohio/cerealometer/pkg/sample"
	"github.com/itohio/cerealometer/pkg/telemetry"
)

type recordingSender struct {
	mu      sync.Mutex
	batches []telemetry.Batch
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(ctx context.Context, b telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *recordingSender) sent() []telemetry.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Batch(nil), s.batches...)
}

var testLimits = calibration.Limits{
	CaptureSamples:  10,
	SanityBound:     4000000,
	SaturationLimit: 8388000,
	Epsilon:         1,
}

type fixture struct {
	rt     *Runtime
	mock   *loadcell.Mock
	sender *recordingSender
	cancel context.CancelFunc
	errc   chan error
}

func start(t *testing.T, zeros map[int]int32, opts Options) *fixture {
	t.Helper()
	slots := []int{}
	for s := range zeros {
		slots = append(slots, s)
	}
	mock := loadcell.NewMock(&config.MockConfig{CountsPerKg: 10000}, slots)
	var machines []*calibration.Machine
	for _, s := range slots {
		mock.SetZero(s, zeros[s])
		machines = append(machines, calibration.NewMachine(s, sample.NewChannel(s, mock, 4), testLimits, calibration.DefaultCalibration))
	}
	orch := calibration.NewOrchestrator(machines, nil, nil, 20)
	sender := &recordingSender{}
	reporter := telemetry.NewReporter("shelf-1", sender, nil, time.Second)

	rt := New(orch, reporter, nil, opts)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Run(ctx) }()

	f := &fixture{rt: rt, mock: mock, sender: sender, cancel: cancel, errc: errc}
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) stop() {
	f.cancel()
	<-f.errc
}

func fastOptions() Options {
	return Options{
		SampleInterval: time.Millisecond,
		ReportInterval: time.Hour,
		PushInterval:   5 * time.Millisecond,
	}
}

func slotStatus(t *testing.T, rt *Runtime, slot int) calibration.ChannelStatus {
	t.Helper()
	st, err := rt.StatusOf(slot)
	require.NoError(t, err)
	return st
}

func TestNew_PublishesInitialSnapshot(t *testing.T) {
	mock := loadcell.NewMock(nil, []int{0, 1})
	orch := calibration.NewOrchestrator([]*calibration.Machine{
		calibration.NewMachine(0, sample.NewChannel(0, mock, 4), testLimits, calibration.DefaultCalibration),
		calibration.NewMachine(1, sample.NewChannel(1, mock, 4), testLimits, calibration.DefaultCalibration),
	}, nil, nil, 20)
	rt := New(orch, telemetry.NewReporter("d", &recordingSender{}, nil, 0), nil, Options{})

	assert.Equal(t, DefaultOptions, rt.opts)
	require.Len(t, rt.Status(), 2)
	assert.Equal(t, calibration.Idle, slotStatus(t, rt, 1).Status)
	_, err := rt.StatusOf(4)
	assert.ErrorIs(t, err, calibration.ErrUnknownSlot)
}

func TestRuntime_TareAllAndCalibrate(t *testing.T) {
	f := start(t, map[int]int32{0: 150, 1: 5000, 2: -300}, fastOptions())
	ctx := context.Background()

	results, err := f.rt.Tare(ctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Slot)
		assert.NoError(t, r.Err)
	}

	require.Eventually(t, func() bool {
		for _, st := range f.rt.Status() {
			if st.Status != calibration.Idle || st.Pending {
				return false
			}
		}
		return true
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, int32(150), slotStatus(t, f.rt, 0).TareOffset)
	assert.Equal(t, int32(5000), slotStatus(t, f.rt, 1).TareOffset)
	assert.Equal(t, int32(-300), slotStatus(t, f.rt, 2).TareOffset)

	f.mock.SetLoad(1, 0.1)
	require.NoError(t, f.rt.Calibrate(ctx, 1, 0.1))
	assert.Equal(t, calibration.Calibrating, slotStatus(t, f.rt, 1).Status, "snapshot is published after each command")

	require.Eventually(t, func() bool {
		return slotStatus(t, f.rt, 1).Status == calibration.Calibrated
	}, 2*time.Second, 2*time.Millisecond)
	assert.InDelta(t, 0.0001, slotStatus(t, f.rt, 1).CalibrationFactor, 1e-12)

	require.Eventually(t, func() bool {
		w := slotStatus(t, f.rt, 1).LastWeightKg
		return w > 0.0999 && w < 0.1001
	}, 2*time.Second, 2*time.Millisecond)
}

func TestRuntime_Rejections(t *testing.T) {
	f := start(t, map[int]int32{0: 0, 1: 0}, fastOptions())
	ctx := context.Background()

	slot := 7
	_, err := f.rt.Tare(ctx, &slot)
	assert.ErrorIs(t, err, calibration.ErrUnknownSlot)
	assert.ErrorIs(t, f.rt.Calibrate(ctx, 0, -1), calibration.ErrInvalidReference)
	assert.ErrorIs(t, f.rt.Calibrate(ctx, 9, 0.1), calibration.ErrUnknownSlot)

	slot = 0
	_, err = f.rt.Tare(ctx, &slot)
	require.NoError(t, err)
	_, err = f.rt.Tare(ctx, &slot)
	assert.ErrorIs(t, err, calibration.ErrChannelBusy)
}

func TestRuntime_ReportNow(t *testing.T) {
	f := start(t, map[int]int32{0: 0, 1: 0}, fastOptions())

	require.Eventually(t, func() bool {
		for _, st := range f.rt.Status() {
			if !st.Sampled() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	f.mock.SetDisconnected(1, true)
	require.Eventually(t, func() bool {
		return slotStatus(t, f.rt, 1).Status == calibration.Fault
	}, time.Second, time.Millisecond)

	require.NoError(t, f.rt.ReportNow(context.Background()))
	require.Eventually(t, func() bool { return len(f.sender.sent()) == 1 }, time.Second, time.Millisecond)

	b := f.sender.sent()[0]
	assert.Equal(t, "shelf-1", b.DeviceID)
	require.Len(t, b.Readings, 1, "faulted slot is not reported")
	assert.Equal(t, 0, b.Readings[0].Slot)
}

func TestRuntime_PeriodicReport(t *testing.T) {
	opts := fastOptions()
	opts.ReportInterval = 20 * time.Millisecond
	f := start(t, map[int]int32{0: 0}, opts)

	require.Eventually(t, func() bool { return len(f.sender.sent()) >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRuntime_OnUpdate(t *testing.T) {
	mock := loadcell.NewMock(nil, []int{0})
	orch := calibration.NewOrchestrator([]*calibration.Machine{
		calibration.NewMachine(0, sample.NewChannel(0, mock, 4), testLimits, calibration.DefaultCalibration),
	}, nil, nil, 20)
	rt := New(orch, telemetry.NewReporter("d", &recordingSender{}, nil, 0), nil, fastOptions())

	updates := make(chan []calibration.ChannelStatus, 16)
	rt.OnUpdate(func(s []calibration.ChannelStatus) {
		select {
		case updates <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	select {
	case s := <-updates:
		require.Len(t, s, 1)
		assert.Equal(t, 0, s[0].Slot)
	case <-time.After(time.Second):
		t.Fatal("no status update")
	}
}

func TestRuntime_Stop(t *testing.T) {
	mock := loadcell.NewMock(nil, []int{0})
	orch := calibration.NewOrchestrator([]*calibration.Machine{
		calibration.NewMachine(0, sample.NewChannel(0, mock, 4), testLimits, calibration.DefaultCalibration),
	}, nil, nil, 20)
	rt := New(orch, telemetry.NewReporter("d", &recordingSender{}, nil, 0), nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Run(ctx) }()

	require.NoError(t, rt.ReportNow(context.Background()))
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	assert.ErrorIs(t, rt.ReportNow(context.Background()), ErrStopped)
	_, err := rt.Tare(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, rt.Run(context.Background()), "runs once")

	require.Len(t, rt.Status(), 1, "status stays readable")
}

func TestRuntime_SubmitHonorsContext(t *testing.T) {
	mock := loadcell.NewMock(nil, []int{0})
	orch := calibration.NewOrchestrator([]*calibration.Machine{
		calibration.NewMachine(0, sample.NewChannel(0, mock, 4), testLimits, calibration.DefaultCalibration),
	}, nil, nil, 20)
	rt := New(orch, telemetry.NewReporter("d", &recordingSender{}, nil, 0), nil, fastOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := rt.Calibrate(ctx, 0, 0.1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "loop not running: %v", err)
}
