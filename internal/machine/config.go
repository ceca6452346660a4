package machine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/qdev/internal/sysbus"
)

var ErrConfig = errors.New("invalid machine config")

// Config describes a machine: its RAM, an optional platform bus and the
// devices to create.
type Config struct {
	Name        string             `yaml:"name"`
	Memory      MemoryConfig       `yaml:"memory"`
	PlatformBus *PlatformBusConfig `yaml:"platform_bus,omitempty"`
	Devices     []DeviceConfig     `yaml:"devices"`
}

// MemoryConfig places guest RAM. A zero size means no RAM.
type MemoryConfig struct {
	Base Hex64 `yaml:"base"`
	Size Hex64 `yaml:"size"`
}

// PlatformBusConfig sizes the platform bus. Its IRQ line i is wired to
// line IRQBase+i of the machine interrupt sink.
type PlatformBusConfig struct {
	Base    Hex64  `yaml:"base"`
	Size    Hex64  `yaml:"size"`
	NumIRQs uint32 `yaml:"num_irqs"`
	IRQBase uint32 `yaml:"irq_base"`
}

// DeviceConfig is one device to create.
type DeviceConfig struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id,omitempty"`

	// Parent is the composition parent path. Devices with an ID default
	// to /machine/peripheral, others to /machine/unattached.
	Parent string `yaml:"parent,omitempty"`

	// Bus names the bus to plug into. Sysbus devices default to the main
	// system bus.
	Bus string `yaml:"bus,omitempty"`

	Props map[string]Value `yaml:"props,omitempty"`

	// MMIO maps the device's regions in order. IRQ connects its outputs
	// in order to lines of the interrupt sink.
	MMIO []Hex64  `yaml:"mmio,omitempty"`
	IRQ  []uint32 `yaml:"irq,omitempty"`

	// Dynamic devices get their resources from the platform bus once the
	// machine is built.
	Dynamic bool `yaml:"dynamic,omitempty"`
}

// Hex64 is an unsigned value written as a YAML integer or as a string in
// any base strconv understands ("0x0c000000", "0b1010").
type Hex64 uint64

// UnmarshalYAML implements yaml.Unmarshaler for Hex64.
func (h *Hex64) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid integer %q: %w", value.Line, value.Value, err)
	}
	*h = Hex64(v)
	return nil
}

// MarshalYAML writes h in hex.
func (h Hex64) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// Value is a property value. Scalars of any YAML type are kept in their
// source form and parsed by the property itself.
type Value string

// UnmarshalYAML implements yaml.Unmarshaler for Value.
func (v *Value) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: property values must be scalars", value.Line)
	}
	*v = Value(value.Value)
	return nil
}

// PropStrings returns the props in the form object.SetProps takes.
func (d DeviceConfig) PropStrings() map[string]string {
	out := make(map[string]string, len(d.Props))
	for k, v := range d.Props {
		out[k] = string(v)
	}
	return out
}

// Parse decodes and validates a YAML machine description. Unknown fields
// are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("machine: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the machine description at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the parts of cfg that do not need a registry.
func (c *Config) Validate() error {
	if pb := c.PlatformBus; pb != nil {
		if pb.Size == 0 || pb.NumIRQs == 0 {
			return fmt.Errorf("machine: platform_bus needs size and num_irqs: %w", ErrConfig)
		}
		if pb.NumIRQs > sysbus.MaxIRQ {
			return fmt.Errorf("machine: platform_bus num_irqs %d exceeds %d: %w", pb.NumIRQs, sysbus.MaxIRQ, ErrConfig)
		}
		if uint64(pb.Size) > 1<<32 {
			return fmt.Errorf("machine: platform_bus size %#x exceeds 4GiB: %w", uint64(pb.Size), ErrConfig)
		}
	}
	ids := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Type == "" {
			return fmt.Errorf("machine: device %d has no type: %w", i, ErrConfig)
		}
		if d.ID != "" {
			if ids[d.ID] {
				return fmt.Errorf("machine: duplicate device id %q: %w", d.ID, ErrConfig)
			}
			ids[d.ID] = true
		}
		if d.Dynamic && c.PlatformBus == nil {
			return fmt.Errorf("machine: dynamic device %q without a platform_bus: %w", d.Type, ErrConfig)
		}
		if d.Dynamic && d.Parent != "" {
			return fmt.Errorf("machine: dynamic device %q cannot choose its parent: %w", d.Type, ErrConfig)
		}
		if d.Dynamic && (len(d.MMIO) > 0 || len(d.IRQ) > 0) {
			return fmt.Errorf("machine: dynamic device %q has static resources: %w", d.Type, ErrConfig)
		}
	}
	return nil
}
