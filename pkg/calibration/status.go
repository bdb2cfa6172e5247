package calibration

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Status is the externally visible state of a channel.
type Status int

const (
	Idle Status = iota
	Taring
	Calibrating
	Calibrated
	Fault
)

var statusNames = [...]string{
	Idle:        "idle",
	Taring:      "taring",
	Calibrating: "calibrating",
	Calibrated:  "calibrated",
	Fault:       "fault",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Busy reports whether a tare or calibration is in progress.
func (s Status) Busy() bool {
	return s == Taring || s == Calibrating
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Op identifies a calibration operation.
type Op int

const (
	OpNone Op = iota
	OpTare
	OpCalibrate
)

func (o Op) String() string {
	switch o {
	case OpTare:
		return "tare"
	case OpCalibrate:
		return "calibrate"
	default:
		return "none"
	}
}

var (
	// ErrInvalidReference rejects a calibrate command with a non-positive reference weight.
	ErrInvalidReference = errors.New("invalid reference weight")
	// ErrChannelBusy rejects a command while the channel is taring, calibrating or queued.
	ErrChannelBusy = errors.New("channel busy")
	// ErrDegenerateCalibration drives a channel to Fault when no usable factor can be derived.
	ErrDegenerateCalibration = errors.New("degenerate calibration")
	// ErrOutOfRange drives a channel to Fault on a failed hardware validation.
	ErrOutOfRange = errors.New("sample out of range")
	// ErrTimeout drives a channel to Fault when an operation does not finish in time.
	ErrTimeout = errors.New("operation timed out")
	// ErrUnknownSlot rejects commands for slots that are not configured.
	ErrUnknownSlot = errors.New("unknown slot")
	// ErrPersistFailure is logged when new calibration values cannot be stored.
	ErrPersistFailure = errors.New("persist failure")
)

// ValidateReference checks a reference weight in kilograms.
func ValidateReference(kg float64) error {
	if !(kg > 0) || math.IsInf(kg, 1) {
		return fmt.Errorf("%w: %v kg", ErrInvalidReference, kg)
	}
	return nil
}
