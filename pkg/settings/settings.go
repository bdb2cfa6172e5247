package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chewxy/math32"
	"gopkg.in/yaml.v3"

	"github.com/itohio/cerealometer/pkg/calibration"
)

var (
	// ErrInvalidCalibration is returned for factors that are not finite and positive.
	ErrInvalidCalibration = errors.New("settings: invalid calibration")
	// ErrInvalidDevice is returned for device settings that cannot be stored.
	ErrInvalidDevice = errors.New("settings: invalid device settings")
)

// WiFi is one access point the device may join.
type WiFi struct {
	SSID     string `yaml:"ssid" json:"ssid"`
	Password string `yaml:"password" json:"password,omitempty"`
}

// Device holds the values edited on the settings page.
type Device struct {
	WiFi         []WiFi `yaml:"wifi" json:"wifi"` // primary first, then fallback
	ProjectID    string `yaml:"project_id" json:"project_id"`
	Secret       string `yaml:"secret" json:"secret,omitempty"`
	DeviceID     string `yaml:"device_id" json:"device_id"`
	LEDIntensity uint8  `yaml:"led_intensity" json:"led_intensity"`
}

// Redacted returns a copy without passwords and secrets.
func (d Device) Redacted() Device {
	out := d
	out.WiFi = make([]WiFi, len(d.WiFi))
	for i, w := range d.WiFi {
		out.WiFi[i] = WiFi{SSID: w.SSID}
	}
	out.Secret = ""
	return out
}

// SlotCalibration is the persisted form of a slot calibration.
type SlotCalibration struct {
	TareOffset int32   `yaml:"tare_offset"`
	Factor     float32 `yaml:"factor"`
}

func (s SlotCalibration) valid() bool {
	return s.Factor > 0 && !math32.IsNaN(s.Factor) && !math32.IsInf(s.Factor, 0)
}

type document struct {
	Device Device                  `yaml:"device"`
	Slots  map[int]SlotCalibration `yaml:"slots"`
}

// FileStore keeps settings in a single YAML file. Writes replace the file
// atomically.
type FileStore struct {
	path string

	mu  sync.RWMutex
	doc document
}

var _ calibration.Persister = (*FileStore)(nil)

// Open loads the settings file at path. A missing file yields empty settings.
func Open(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		doc:  document{Slots: map[int]SlotCalibration{}},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if s.doc.Slots == nil {
		s.doc.Slots = map[int]SlotCalibration{}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// LoadAll returns the stored calibration of every slot with a valid entry.
func (s *FileStore) LoadAll() map[int]calibration.Calibration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]calibration.Calibration, len(s.doc.Slots))
	for slot, c := range s.doc.Slots {
		if !c.valid() {
			continue
		}
		out[slot] = calibration.Calibration{
			TareOffset: c.TareOffset,
			Factor:     float64(c.Factor),
		}
	}
	return out
}

// Persist stores the calibration of one slot.
func (s *FileStore) Persist(slot int, cal calibration.Calibration) error {
	entry := SlotCalibration{TareOffset: cal.TareOffset, Factor: float32(cal.Factor)}
	if !entry.valid() {
		return fmt.Errorf("%w: slot %d factor %v", ErrInvalidCalibration, slot, cal.Factor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.doc.Slots[slot]
	s.doc.Slots[slot] = entry
	if err := s.save(); err != nil {
		if had {
			s.doc.Slots[slot] = prev
		} else {
			delete(s.doc.Slots, slot)
		}
		return err
	}
	return nil
}

// Device returns the stored device settings.
func (s *FileStore) Device() Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.doc.Device
	d.WiFi = append([]WiFi(nil), d.WiFi...)
	return d
}

// SetDevice replaces the device settings. Empty passwords and secret keep
// the stored values so a redacted form can be posted back.
func (s *FileStore) SetDevice(d Device) error {
	if len(d.WiFi) > 2 {
		return fmt.Errorf("%w: at most 2 wifi networks, got %d", ErrInvalidDevice, len(d.WiFi))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.doc.Device
	for i := range d.WiFi {
		if d.WiFi[i].Password == "" && i < len(prev.WiFi) && prev.WiFi[i].SSID == d.WiFi[i].SSID {
			d.WiFi[i].Password = prev.WiFi[i].Password
		}
	}
	if d.Secret == "" {
		d.Secret = prev.Secret
	}

	s.doc.Device = d
	if err := s.save(); err != nil {
		s.doc.Device = prev
		return err
	}
	return nil
}

func (s *FileStore) save() error {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
