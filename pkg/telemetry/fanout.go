package telemetry

import (
	"context"
	"strings"

	"github.com/itohio/cerealometer/pkg/observability"
)

// FanOut sends every batch to a primary sender and, once the primary
// accepts it, to best-effort mirrors. Only the primary decides the outcome.
type FanOut struct {
	primary Sender
	mirrors []Sender
	obs     observability.Observer
}

var _ Sender = (*FanOut)(nil)

func NewFanOut(obs observability.Observer, primary Sender, mirrors ...Sender) *FanOut {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &FanOut{primary: primary, mirrors: mirrors, obs: obs}
}

func (f *FanOut) Name() string {
	names := []string{f.primary.Name()}
	for _, m := range f.mirrors {
		names = append(names, m.Name())
	}
	return strings.Join(names, "+")
}

func (f *FanOut) Send(ctx context.Context, b Batch) error {
	if err := f.primary.Send(ctx, b); err != nil {
		return err
	}
	for _, m := range f.mirrors {
		if err := m.Send(ctx, b); err != nil {
			f.obs.LogError("telemetry mirror failed", err,
				observability.F("sender", m.Name()), observability.F("batch_id", b.ID))
		}
	}
	return nil
}
