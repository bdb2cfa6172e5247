package sample

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/cerealometer/pkg/loadcell"
)

type scriptedReader struct {
	values []int32
	errs   []error
	i      int
}

func (r *scriptedReader) Read(slot int) (int32, error) {
	i := r.i
	r.i++
	if i < len(r.errs) && r.errs[i] != nil {
		return 0, r.errs[i]
	}
	return r.values[i%len(r.values)], nil
}

func (r *scriptedReader) Close() error { return nil }

func TestNewChannel_Window(t *testing.T) {
	tests := []struct {
		name   string
		window int
		want   int
	}{
		{"zero uses default", 0, DefaultWindow},
		{"below minimum", 2, MinWindow},
		{"explicit", 16, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChannel(3, &scriptedReader{values: []int32{0}}, tt.window)
			assert.Equal(t, tt.want, c.Window())
			assert.Equal(t, 3, c.Slot())
		})
	}
}

func TestChannel_MovingAverage(t *testing.T) {
	r := &scriptedReader{values: []int32{10, 20, 30, 40, 50, 60}}
	c := NewChannel(0, r, 4)

	want := []float64{10, 15, 20, 25, 35, 45}
	for i, w := range want {
		got, err := c.Sample()
		require.NoError(t, err)
		assert.InDelta(t, w, got.Value, 1e-9, "sample %d", i)
		assert.Equal(t, r.values[i], got.Last)
		assert.False(t, got.Timestamp.IsZero())
	}
}

func TestChannel_ErrorLeavesBuffer(t *testing.T) {
	boom := errors.New("bus error")
	r := &scriptedReader{
		values: []int32{100, 100, 900, 100},
		errs:   []error{nil, nil, boom, loadcell.ErrNoSample},
	}
	c := NewChannel(0, r, 4)

	_, err := c.Sample()
	require.NoError(t, err)
	_, err = c.Sample()
	require.NoError(t, err)

	_, err = c.Sample()
	assert.ErrorIs(t, err, boom)
	_, err = c.Sample()
	assert.ErrorIs(t, err, loadcell.ErrNoSample)

	got, err := c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 3, got.Filled)
	assert.InDelta(t, 100, got.Value, 1e-9)
}

func TestChannel_Reset(t *testing.T) {
	c := NewChannel(0, &scriptedReader{values: []int32{8, -8}}, 4)
	for i := 0; i < 6; i++ {
		_, err := c.Sample()
		require.NoError(t, err)
	}
	c.Reset()

	got, err := c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 1, got.Filled)
	assert.InDelta(t, 8, got.Value, 1e-9)
}
