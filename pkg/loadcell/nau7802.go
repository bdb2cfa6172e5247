package loadcell

import (
	"fmt"
	"sync"
	"time"

	"github.com/reef-pi/rpi/i2c"
)

// NAU7802 registers and bits.
const (
	regPUCtrl = 0x00
	regCtrl1  = 0x01
	regCtrl2  = 0x02
	regADCO   = 0x12

	puRR  = 1 << 0 // register reset
	puPUD = 1 << 1 // digital power-up
	puPUA = 1 << 2 // analog power-up
	puPUR = 1 << 3 // power-up ready
	puCS  = 1 << 4 // cycle start
	puCR  = 1 << 5 // conversion ready

	gain128 = 0x07
	sps80   = 0x03 << 4

	powerUpPolls = 50
)

// NAU7802Config addresses the converters.
type NAU7802Config struct {
	MuxAddress byte
	Address    byte
	// Channels maps slot id to TCA9548A channel.
	Channels map[int]int
}

// NAU7802 reads 24-bit conversions from one NAU7802 per slot, each behind
// its own TCA9548A multiplexer channel. All slots share one I2C bus.
type NAU7802 struct {
	bus i2c.Bus
	cfg NAU7802Config

	mu      sync.Mutex
	current int
}

// NewNAU7802 creates a reader on the given bus. Call Init before Read.
func NewNAU7802(bus i2c.Bus, cfg NAU7802Config) *NAU7802 {
	return &NAU7802{bus: bus, cfg: cfg, current: -1}
}

// Init resets and powers up every configured converter at gain 128 and 80 SPS.
func (n *NAU7802) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for slot, ch := range n.cfg.Channels {
		if err := n.selectChannel(ch); err != nil {
			return err
		}
		if err := n.initChip(); err != nil {
			return fmt.Errorf("nau7802 slot %d: %w", slot, err)
		}
	}
	return nil
}

func (n *NAU7802) initChip() error {
	if err := n.write(regPUCtrl, puRR); err != nil {
		return err
	}
	if err := n.write(regPUCtrl, puPUD|puPUA); err != nil {
		return err
	}

	ready := false
	for i := 0; i < powerUpPolls; i++ {
		v, err := n.read(regPUCtrl)
		if err != nil {
			return err
		}
		if v&puPUR != 0 {
			ready = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ready {
		return fmt.Errorf("power-up timeout")
	}

	if err := n.write(regCtrl1, gain128); err != nil {
		return err
	}
	if err := n.write(regCtrl2, sps80); err != nil {
		return err
	}
	return n.write(regPUCtrl, puPUD|puPUA|puCS)
}

// Read returns the latest conversion of the slot, or ErrNoSample when the
// converter has not finished a new one.
func (n *NAU7802) Read(slot int) (int32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.cfg.Channels[slot]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	if err := n.selectChannel(ch); err != nil {
		return 0, err
	}

	status, err := n.read(regPUCtrl)
	if err != nil {
		return 0, err
	}
	if status&puCR == 0 {
		return 0, ErrNoSample
	}

	buf := make([]byte, 3)
	if err := n.bus.ReadFromReg(n.cfg.Address, regADCO, buf); err != nil {
		return 0, fmt.Errorf("nau7802 addr=0x%02X: read conversion: %w", n.cfg.Address, err)
	}
	return signExtend24(buf), nil
}

// Close closes the underlying bus.
func (n *NAU7802) Close() error {
	return n.bus.Close()
}

func (n *NAU7802) selectChannel(ch int) error {
	if ch == n.current {
		return nil
	}
	if err := n.bus.WriteBytes(n.cfg.MuxAddress, []byte{1 << uint(ch)}); err != nil {
		n.current = -1
		return fmt.Errorf("tca9548a addr=0x%02X: select channel %d: %w", n.cfg.MuxAddress, ch, err)
	}
	n.current = ch
	return nil
}

func (n *NAU7802) write(reg, v byte) error {
	if err := n.bus.WriteToReg(n.cfg.Address, reg, []byte{v}); err != nil {
		return fmt.Errorf("nau7802 addr=0x%02X: write reg 0x%02X: %w", n.cfg.Address, reg, err)
	}
	return nil
}

func (n *NAU7802) read(reg byte) (byte, error) {
	buf := make([]byte, 1)
	if err := n.bus.ReadFromReg(n.cfg.Address, reg, buf); err != nil {
		return 0, fmt.Errorf("nau7802 addr=0x%02X: read reg 0x%02X: %w", n.cfg.Address, reg, err)
	}
	return buf[0], nil
}

// signExtend24 converts a big-endian 24-bit two's complement value.
func signExtend24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}
