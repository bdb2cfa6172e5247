package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOut(t *testing.T) {
	primary := &scriptedSender{errs: []error{transientErr()}}
	mirror := &scriptedSender{errs: []error{errors.New("mirror down")}}
	f := NewFanOut(nil, primary, mirror)
	assert.Equal(t, "scripted+scripted", f.Name())

	b := NewBatch("d", []Reading{{Slot: 0}}, time.Now())

	err := f.Send(context.Background(), b)
	assert.True(t, errorsIsTransient(err))
	assert.Empty(t, mirror.sent(), "mirrors only see accepted batches")

	require.NoError(t, f.Send(context.Background(), b), "mirror failure does not fail delivery")
	assert.Len(t, mirror.sent(), 1)
}
