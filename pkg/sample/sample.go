package sample

import "time"

// MinWindow is the smallest moving-average window a Channel accepts.
const MinWindow = 4

// DefaultWindow is used when no window is configured.
const DefaultWindow = 8

// Reading is one conditioned sample of a channel.
type Reading struct {
	Timestamp time.Time
	Value     float64 // moving average of the last Window raw samples
	Last      int32   // newest unfiltered raw sample
	Filled    int     // samples currently in the window
}
