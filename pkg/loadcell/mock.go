package loadcell

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/itohio/cerealometer/pkg/config"
)

type mockCell struct {
	zero         int32
	loadKg       float64
	disconnected bool
}

// Mock simulates a set of load cells for testing and development.
type Mock struct {
	cfg config.MockConfig

	mu    sync.Mutex
	rng   *rand.Rand
	cells map[int]*mockCell
}

// NewMock creates a mocked reader for the given slots.
func NewMock(cfg *config.MockConfig, slots []int) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			Zero:        120000,
			CountsPerKg: 10000,
			NoiseLevel:  20,
		}
	}

	cells := make(map[int]*mockCell, len(slots))
	for _, s := range slots {
		cells[s] = &mockCell{zero: cfg.Zero}
	}

	return &Mock{
		cfg:   *cfg,
		rng:   rand.New(rand.NewSource(1)),
		cells: cells,
	}
}

// Read returns zero + load*counts_per_kg + noise, or the saturated
// signature when the cell is disconnected.
func (m *Mock) Read(slot int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cells[slot]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	if c.disconnected {
		return MaxRaw, nil
	}

	v := float64(c.zero) + c.loadKg*m.cfg.CountsPerKg
	if m.cfg.NoiseLevel > 0 {
		v += (m.rng.Float64()*2 - 1) * m.cfg.NoiseLevel
	}
	v = math.Round(v)
	if v > float64(MaxRaw) {
		v = float64(MaxRaw)
	}
	if v < float64(MinRaw) {
		v = float64(MinRaw)
	}
	return int32(v), nil
}

// SetLoad sets the simulated load of a slot in kilograms.
func (m *Mock) SetLoad(slot int, kg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cells[slot]; ok {
		c.loadKg = kg
	}
}

// SetZero sets the no-load reading of a slot.
func (m *Mock) SetZero(slot int, raw int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cells[slot]; ok {
		c.zero = raw
	}
}

// SetDisconnected simulates an unplugged sensor.
func (m *Mock) SetDisconnected(slot int, disconnected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cells[slot]; ok {
		c.disconnected = disconnected
	}
}

// Close is a no-op.
func (m *Mock) Close() error {
	return nil
}
