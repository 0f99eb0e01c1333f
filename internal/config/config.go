package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"gopkg.in/yaml.v3"

	"github.com/nc-tools/gcodeproxy/pkg/trigger"
)

// ErrConfigInvalid indicates the loaded configuration failed validation.
// Startup aborts on this error.
var ErrConfigInvalid = errors.New("config: invalid configuration")

const (
	DefaultServerAddress    = ""
	DefaultServerPort       = 8080
	DefaultQueueLimit       = 50
	DefaultBaudRate         = 115200
	DefaultSerialDelayMS    = 100
	DefaultLivenessPeriodMS = 1000
)

// Server holds TCP listener settings.
type Server struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	QueueLimit int    `yaml:"queue-limit"`
}

// Device holds serial device selection and behaviour settings.
type Device struct {
	USBID             string `yaml:"usb-id"`
	DevPath           string `yaml:"dev-path"`
	BaudRate          int    `yaml:"baud-rate"`
	SerialDelayMS     int    `yaml:"serial-delay"`
	LivenessPeriodMS  int    `yaml:"liveness-period"`
	SwallowRealtimeOk *bool  `yaml:"swallow-realtime-ok"`
}

// Config is the top-level configuration document.
type Config struct {
	Server         Server               `yaml:"server"`
	Device         Device               `yaml:"device"`
	CustomTriggers []trigger.RuleConfig `yaml:"-"`

	// RawTriggers holds the wire shape of custom-triggers[] before
	// flattening into CustomTriggers; populated by UnmarshalYAML.
	RawTriggers []rawTrigger `yaml:"custom-triggers"`
}

type rawTrigger struct {
	ID      string        `yaml:"id"`
	Trigger rawTriggerDef `yaml:"trigger"`
	Command string        `yaml:"command"`
}

type rawTriggerDef struct {
	Type  string `yaml:"type"`
	Match string `yaml:"match"`
}

// UnmarshalYAML lets Config participate in yaml.Unmarshal while flattening
// custom-triggers[] into CustomTriggers.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	var p plain
	// Keys absent from the document keep this value, so an explicit
	// liveness-period of 0 stays 0 (prober disabled).
	p.Device.LivenessPeriodMS = DefaultLivenessPeriodMS
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Config(p)

	c.CustomTriggers = make([]trigger.RuleConfig, 0, len(c.RawTriggers))
	for _, rt := range c.RawTriggers {
		c.CustomTriggers = append(c.CustomTriggers, trigger.RuleConfig{
			ID:      rt.ID,
			Type:    rt.Trigger.Type,
			Match:   rt.Trigger.Match,
			Command: rt.Command,
		})
	}
	return nil
}

// Load reads and parses the YAML configuration file at path, then applies
// defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigInvalid, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigInvalid, path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.QueueLimit <= 0 {
		c.Server.QueueLimit = DefaultQueueLimit
	}
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Device.BaudRate <= 0 {
		c.Device.BaudRate = DefaultBaudRate
	}
	if c.Device.SerialDelayMS <= 0 {
		c.Device.SerialDelayMS = DefaultSerialDelayMS
	}
	if c.Device.SwallowRealtimeOk == nil {
		swallow := true
		c.Device.SwallowRealtimeOk = &swallow
	}
}

// Validate enforces the invariants spec.md's configuration table requires.
func (c *Config) Validate() error {
	if c.Device.USBID == "" && c.Device.DevPath == "" {
		return fmt.Errorf("%w: one of device.usb-id or device.dev-path is required", ErrConfigInvalid)
	}
	if c.Device.USBID != "" && c.Device.DevPath != "" {
		return fmt.Errorf("%w: device.usb-id and device.dev-path are mutually exclusive", ErrConfigInvalid)
	}
	if c.Device.LivenessPeriodMS < 0 {
		return fmt.Errorf("%w: device.liveness-period must be >= 0", ErrConfigInvalid)
	}
	for _, rt := range c.CustomTriggers {
		if rt.ID == "" || rt.Type == "" || rt.Match == "" || rt.Command == "" {
			return fmt.Errorf("%w: custom-triggers entry missing a required field", ErrConfigInvalid)
		}
	}
	return nil
}

// ResolveDevicePath returns the concrete serial device node to open: either
// the configured dev-path directly, or the result of matching usb-id
// against enumerated USB serial ports.
func (c *Config) ResolveDevicePath() (string, error) {
	if c.Device.DevPath != "" {
		return c.Device.DevPath, nil
	}
	return resolveUSBID(c.Device.USBID)
}

func resolveUSBID(usbID string) (string, error) {
	vid, pid, err := splitUSBID(usbID)
	if err != nil {
		return "", err
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("%w: enumerating serial ports: %v", ErrConfigInvalid, err)
	}

	var available []string
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		available = append(available, fmt.Sprintf("%s (%s:%s)", port.Name, port.VID, port.PID))
		if strings.EqualFold(port.VID, vid) && strings.EqualFold(port.PID, pid) {
			return port.Name, nil
		}
	}

	return "", fmt.Errorf("%w: no USB serial device matches %s; available: [%s]",
		ErrConfigInvalid, usbID, strings.Join(available, ", "))
}

func splitUSBID(usbID string) (vid, pid string, err error) {
	parts := strings.SplitN(usbID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: device.usb-id %q must be in vendor:product form", ErrConfigInvalid, usbID)
	}
	return parts[0], parts[1], nil
}

// SerialDelay returns the post-open quiescence delay as a duration.
func (c *Config) SerialDelay() time.Duration {
	return time.Duration(c.Device.SerialDelayMS) * time.Millisecond
}

// LivenessPeriod returns the probe interval as a duration; zero disables
// the liveness prober.
func (c *Config) LivenessPeriod() time.Duration {
	return time.Duration(c.Device.LivenessPeriodMS) * time.Millisecond
}

// SwallowRealtimeOk reports whether a probe's bare "ok" should be discarded.
func (c *Config) SwallowRealtimeOk() bool {
	return c.Device.SwallowRealtimeOk == nil || *c.Device.SwallowRealtimeOk
}

// ListenAddress returns the host:port string to bind the TCP listener to.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
