package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDeliveryTransient marks failures worth retrying: no network, DNS, 5xx.
	ErrDeliveryTransient = errors.New("transient delivery failure")
	// ErrDeliveryPermanent marks rejections that will not succeed on retry: 4xx.
	ErrDeliveryPermanent = errors.New("permanent delivery failure")
)

// DeliveryError carries the classification and HTTP status of a failed delivery.
type DeliveryError struct {
	Kind       error
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsPermanent reports whether err should discard the batch. Anything not
// explicitly permanent is retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDeliveryPermanent)
}

// Reading is the weight of one slot at one point in time.
type Reading struct {
	Slot      int       `json:"slot_id"`
	WeightKg  float64   `json:"weight_kg"`
	Timestamp time.Time `json:"timestamp"`
}

// Batch is one delivery attempt.
type Batch struct {
	ID        uuid.UUID `json:"batch_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	Readings  []Reading `json:"readings"`
}

// NewBatch builds a batch with readings ordered by slot.
func NewBatch(deviceID string, readings []Reading, now time.Time) Batch {
	rs := append([]Reading(nil), readings...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Slot < rs[j].Slot })
	return Batch{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		CreatedAt: now,
		Readings:  rs,
	}
}

// Sender delivers batches to one destination.
type Sender interface {
	Send(ctx context.Context, b Batch) error
	Name() string
}
