package sample

import (
	"time"

	"github.com/itohio/cerealometer/pkg/loadcell"
)

// Channel wraps one load-cell input and smooths it with a fixed-window
// moving average. Range validation is left to the caller.
type Channel struct {
	slot   int
	reader loadcell.Reader
	now    func() time.Time

	buf   []int32
	next  int
	count int
	sum   int64
}

// NewChannel creates a channel reading slot from r. Windows below MinWindow
// are raised to MinWindow; zero selects DefaultWindow.
func NewChannel(slot int, r loadcell.Reader, window int) *Channel {
	if window == 0 {
		window = DefaultWindow
	}
	if window < MinWindow {
		window = MinWindow
	}

	return &Channel{
		slot:   slot,
		reader: r,
		now:    time.Now,
		buf:    make([]int32, window),
	}
}

// Slot returns the slot id of the channel.
func (c *Channel) Slot() int {
	return c.slot
}

// Window returns the moving-average window size.
func (c *Channel) Window() int {
	return len(c.buf)
}

// Sample reads the sensor once, pushes the value into the rolling buffer and
// returns the current average. Errors from the reader are returned as is and
// leave the buffer untouched.
func (c *Channel) Sample() (Reading, error) {
	raw, err := c.reader.Read(c.slot)
	if err != nil {
		return Reading{}, err
	}

	if c.count == len(c.buf) {
		c.sum -= int64(c.buf[c.next])
	} else {
		c.count++
	}
	c.buf[c.next] = raw
	c.sum += int64(raw)
	c.next = (c.next + 1) % len(c.buf)

	return Reading{
		Timestamp: c.now(),
		Value:     float64(c.sum) / float64(c.count),
		Last:      raw,
		Filled:    c.count,
	}, nil
}

// Reset empties the rolling buffer.
func (c *Channel) Reset() {
	for i := range c.buf {
		c.buf[i] = 0
	}
	c.next = 0
	c.count = 0
	c.sum = 0
}
