//go:build tinygo

//go:generate tinygo flash -target=xiao

// Bridge firmware: reads one HX711 24-bit load-cell converter per slot and
// streams the conversions over the serial port as "unix_micros,slot,raw".
package main

import (
	"machine"
	"time"
)

const saturated = 1<<23 - 1

var (
	uart = machine.UART0

	// Per-slot running sums, reset after every output line
	sums   [len(cells)]int64
	counts [len(cells)]int

	lastRead time.Time
)

func main() {
	for _, c := range cells {
		c.dout.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
		c.sck.Configure(machine.PinConfig{Mode: machine.PinOutput})
		c.sck.Low()
	}

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	// The first conversion after power-up selects the gain; discard it.
	for i := range cells {
		readCell(i)
	}

	lastRead = time.Now()

	for {
		now := time.Now()

		if now.Sub(lastRead) >= SAMPLE_INTERVAL_MS*time.Millisecond {
			for i := range cells {
				sums[i] += int64(readCell(i))
				counts[i]++
			}
			lastRead = now
		}

		for i := range cells {
			if counts[i] >= NUM_SAMPLES {
				output(i, int32(sums[i]/int64(counts[i])))
				sums[i] = 0
				counts[i] = 0
			}
		}

		time.Sleep(500 * time.Microsecond)
	}
}

// readCell clocks out one conversion. A converter that never signals ready
// (unplugged) reports the positive rail so the host faults the slot.
func readCell(i int) int32 {
	c := cells[i]

	deadline := time.Now().Add(READY_TIMEOUT_MS * time.Millisecond)
	for c.dout.Get() {
		if time.Now().After(deadline) {
			return saturated
		}
	}

	var v uint32
	for bit := 0; bit < 24; bit++ {
		c.sck.High()
		time.Sleep(PULSE_US * time.Microsecond)
		v <<= 1
		if c.dout.Get() {
			v |= 1
		}
		c.sck.Low()
		time.Sleep(PULSE_US * time.Microsecond)
	}
	for p := 0; p < GAIN_PULSES; p++ {
		c.sck.High()
		time.Sleep(PULSE_US * time.Microsecond)
		c.sck.Low()
		time.Sleep(PULSE_US * time.Microsecond)
	}

	// Sign-extend the 24-bit two's complement value.
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v)
}

func output(i int, raw int32) {
	timestampMicros := time.Now().UnixNano() / 1000

	print(timestampMicros)
	print(",")
	print(cells[i].slot)
	print(",")
	print(raw)
	print("\n")
}
