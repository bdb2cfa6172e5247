package telemetry

import (
	"context"
	"log"
)

// LogSender writes batches to the standard logger. It is used when no cloud
// endpoint is configured and always succeeds.
type LogSender struct {
	logf func(format string, args ...any)
}

var _ Sender = (*LogSender)(nil)

func NewLogSender() *LogSender {
	return &LogSender{logf: log.Printf}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Send(ctx context.Context, b Batch) error {
	for _, rd := range b.Readings {
		l.logf("telemetry: batch %s device %s slot %d weight %.4f kg at %s",
			b.ID, b.DeviceID, rd.Slot, rd.WeightKg, rd.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	}
	return nil
}
