package loadcell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the bridge firmware UART rate.
	DefaultBaudRate = 115200
)

// RawSample is one conversion reported by the bridge MCU.
type RawSample struct {
	Timestamp time.Time
	Slot      int
	Raw       int32
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

type latest struct {
	sample RawSample
	fresh  bool
}

// Serial reads load-cell conversions streamed by the bridge firmware.
// The newest sample per slot is kept; older unread samples are superseded.
type Serial struct {
	port     string
	baudRate int

	conn      serial.Port
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	lost      bool // read loop ended while connected

	last map[int]*latest
}

// New creates a Serial reader for the given slots.
func New(port string, baudRate int, slots []int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	ctx, cancel := context.WithCancel(context.Background())

	last := make(map[int]*latest, len(slots))
	for _, s := range slots {
		last[s] = &latest{}
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		ctx:      ctx,
		cancel:   cancel,
		last:     last,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading samples.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = port
	d.connected = true
	d.lost = false

	go d.readLoop(port)

	return nil
}

// Close closes the connection and stops reading samples.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("loadcell: error closing serial port: %v", err)
		}
		d.conn = nil
	}

	d.connected = false
	return nil
}

// IsConnected returns whether the bridge is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Read returns the newest unread sample of the slot. Once the stream has
// ended and the last samples are consumed it returns ErrDisconnected.
func (d *Serial) Read(slot int) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.last[slot]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	if !l.fresh {
		if d.lost {
			return 0, fmt.Errorf("%w: %s", ErrDisconnected, d.port)
		}
		return 0, ErrNoSample
	}
	l.fresh = false
	return l.sample.Raw, nil
}

func (d *Serial) store(s RawSample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.last[s.Slot]
	if !ok {
		return
	}
	l.sample = s
	l.fresh = true
}

// readLoop reads lines from r until EOF or Close.
func (d *Serial) readLoop(r io.Reader) {
	defer d.markLost()
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("loadcell: panic in serial reader: %v", rec)
		}
	}()

	scanner := bufio.NewScanner(r)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				log.Printf("loadcell: error reading from serial port: %v", err)
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sample, err := parseLine(line)
		if err != nil {
			log.Printf("loadcell: failed to parse line '%s': %v", line, err)
			continue
		}
		d.store(sample)
	}
}

// markLost records that the stream ended without Close.
func (d *Serial) markLost() {
	if d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
	log.Printf("loadcell: serial stream on %s ended", d.port)
}

// parseLine parses a line from the bridge into a RawSample.
// Format: unix_micros,slot,raw
// Example: 1234567890123,2,-10452
func parseLine(line string) (RawSample, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return RawSample{}, fmt.Errorf("invalid line format: expected 3 comma-separated values, got %d", len(parts))
	}

	timestampMicros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	slot, err := strconv.Atoi(parts[1])
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid slot: %w", err)
	}
	if slot < 0 {
		return RawSample{}, fmt.Errorf("invalid slot: %d", slot)
	}

	raw, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid raw value: %w", err)
	}
	if raw > int64(MaxRaw) || raw < int64(MinRaw) {
		return RawSample{}, fmt.Errorf("raw value out of range: %d", raw)
	}

	return RawSample{
		Timestamp: time.UnixMicro(timestampMicros),
		Slot:      slot,
		Raw:       int32(raw),
	}, nil
}
