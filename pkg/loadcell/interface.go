package loadcell

import "errors"

// Raw sample limits of a 24-bit load-cell ADC.
const (
	MaxRaw int32 = 1<<23 - 1
	MinRaw int32 = -1 << 23
)

var (
	// ErrNoSample is returned when no fresh conversion is available yet.
	ErrNoSample = errors.New("loadcell: no sample available")
	// ErrUnknownSlot is returned for a slot the reader was not configured with.
	ErrUnknownSlot = errors.New("loadcell: unknown slot")
	// ErrDisconnected is returned once the sample stream has ended.
	ErrDisconnected = errors.New("loadcell: source disconnected")
)

// Reader reads raw load-cell samples per slot (real or mocked).
type Reader interface {
	Read(slot int) (int32, error)
	Close() error
}

var (
	_ Reader = (*Serial)(nil)
	_ Reader = (*NAU7802)(nil)
	_ Reader = (*Mock)(nil)
)
