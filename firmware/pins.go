//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_MS = 12 // HX711 at 80 SPS delivers a conversion every 12.5ms
	NUM_SAMPLES        = 4  // conversions averaged per output line

	// HX711 clocking
	PULSE_US         = 1   // SCK high/low time in microseconds (datasheet: 0.2..50)
	GAIN_PULSES      = 1   // extra pulses after 24 data bits: 1 = channel A, gain 128
	READY_TIMEOUT_MS = 100 // DOUT stays high this long when the converter is missing

	// Serial configuration
	// Format "unix_micros,slot,raw\n", e.g. "1700000000123456,2,-8388608\n" = ~28 bytes max
	// 3 slots * 20 lines/sec * 28 bytes = 1,680 bytes/sec; 115200 baud gives ~6.8x headroom
	UART_BAUD_RATE = 115200
)

// Load cell wiring: one HX711 per slot, each on its own data and clock pin.
var cells = [...]struct {
	slot int
	dout machine.Pin
	sck  machine.Pin
}{
	{slot: 0, dout: machine.D0, sck: machine.D1},
	{slot: 1, dout: machine.D2, sck: machine.D3},
	{slot: 2, dout: machine.D4, sck: machine.D5},
}
