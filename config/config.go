// Package config loads and validates the KeyBloom configuration file.
package config

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid marks every configuration problem. It is fatal at startup.
var ErrConfigInvalid = errors.New("config invalid")

// Sink names accepted in device.sink.
const (
	SinkOpenRGB  = "openrgb"
	SinkTeensy   = "teensy"
	SinkTerminal = "terminal"
)

// Capture source names accepted in capture.source.
const (
	SourceDisplay = "display"
	SourceNoise   = "noise"
)

// MinTransitionSpeed is the smallest speed the runtime control can hold, one
// thousandth of a degree per tick.
const MinTransitionSpeed = 0.001

// Layout modes accepted in layout.mode.
const (
	LayoutContiguous  = "contiguous"
	LayoutInterleaved = "interleaved"
)

type Config struct {
	SegmentCount    int     `yaml:"segment_count"`
	Brightness      float64 `yaml:"brightness"` // percent, 0-100
	Saturation      float64 `yaml:"saturation"` // scale factor, 0-1
	Gamma           float64 `yaml:"gamma"`
	TransitionSpeed float64 `yaml:"transition_speed"`
	SnapThreshold   float64 `yaml:"snap_threshold"`
	TargetFrameRate float64 `yaml:"target_frame_rate"`

	Capture CaptureConfig `yaml:"capture"`
	Layout  LayoutConfig  `yaml:"layout"`
	Device  DeviceConfig  `yaml:"device"`
	Retry   RetryConfig   `yaml:"retry"`
	Control ControlConfig `yaml:"control"`
	Log     LogConfig     `yaml:"log"`
}

type CaptureConfig struct {
	Source     string        `yaml:"source"`
	Display    int           `yaml:"display"`
	SampleStep int           `yaml:"sample_step"`
	Timeout    time.Duration `yaml:"timeout"`
	Region     Region        `yaml:"region"`
}

// Region is the captured screen rectangle. A zero width and height selects the
// whole display.
type Region struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Region) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

type LayoutConfig struct {
	Mode    string `yaml:"mode"`
	Reverse bool   `yaml:"reverse"`
}

type DeviceConfig struct {
	Sink            string        `yaml:"sink"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	LEDCount        int           `yaml:"led_count"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

func (d DeviceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

type RetryConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default mirrors the values the tool ships with.
func Default() Config {
	return Config{
		SegmentCount:    5,
		Brightness:      100,
		Saturation:      1.0,
		Gamma:           1.0,
		TransitionSpeed: 30,
		SnapThreshold:   1,
		TargetFrameRate: 30,
		Capture: CaptureConfig{
			Source:     SourceDisplay,
			Display:    0,
			SampleStep: 10,
			Timeout:    250 * time.Millisecond,
		},
		Layout: LayoutConfig{Mode: LayoutContiguous},
		Device: DeviceConfig{
			Sink:            SinkOpenRGB,
			Host:            "localhost",
			Port:            6742,
			Name:            "G213",
			Timeout:         200 * time.Millisecond,
			ConnectAttempts: 5,
		},
		Retry: RetryConfig{
			MaxConsecutiveFailures: 50,
			BackoffBase:            100 * time.Millisecond,
			BackoffMax:             5 * time.Second,
		},
		Control: ControlConfig{Listen: "127.0.0.1:4000"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config: %v", ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once, each wrapped in ErrConfigInvalid.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfigInvalid}, args...)...))
	}

	if c.SegmentCount < 1 {
		fail("segment_count must be >= 1, got %d", c.SegmentCount)
	}
	for _, f := range []struct {
		name string
		val  float64
	}{
		{"brightness", c.Brightness},
		{"saturation", c.Saturation},
		{"gamma", c.Gamma},
		{"transition_speed", c.TransitionSpeed},
		{"snap_threshold", c.SnapThreshold},
		{"target_frame_rate", c.TargetFrameRate},
	} {
		if math.IsNaN(f.val) || math.IsInf(f.val, 0) {
			fail("%s must be a finite number, got %v", f.name, f.val)
		}
	}
	if c.Brightness < 0 || c.Brightness > 100 {
		fail("brightness must be within 0-100, got %v", c.Brightness)
	}
	if c.Saturation < 0 || c.Saturation > 1 {
		fail("saturation must be within 0-1, got %v", c.Saturation)
	}
	if c.Gamma <= 0 {
		fail("gamma must be > 0, got %v", c.Gamma)
	}
	if c.TransitionSpeed < MinTransitionSpeed {
		fail("transition_speed must be >= %v, got %v", MinTransitionSpeed, c.TransitionSpeed)
	}
	if c.SnapThreshold < 0 {
		fail("snap_threshold must be >= 0, got %v", c.SnapThreshold)
	}
	if !ValidFrameRate(c.TargetFrameRate) {
		fail("target_frame_rate must be > 0 with a tick of at least 1ns, got %v", c.TargetFrameRate)
	}

	switch c.Capture.Source {
	case SourceDisplay, SourceNoise:
	default:
		fail("capture.source must be %q or %q, got %q", SourceDisplay, SourceNoise, c.Capture.Source)
	}
	if c.Capture.Display < 0 {
		fail("capture.display must be >= 0, got %d", c.Capture.Display)
	}
	if c.Capture.SampleStep < 1 {
		fail("capture.sample_step must be >= 1, got %d", c.Capture.SampleStep)
	}
	if c.Capture.Timeout <= 0 {
		fail("capture.timeout must be > 0")
	}
	r := c.Capture.Region
	if r.Width < 0 || r.Height < 0 || (!r.IsZero() && (r.Width == 0 || r.Height == 0)) {
		fail("capture.region must be empty or have positive width and height, got %dx%d", r.Width, r.Height)
	}
	if c.Capture.Source == SourceNoise && r.IsZero() {
		fail("capture.region is required for the noise source")
	}
	if !r.IsZero() && r.Width < c.SegmentCount {
		fail("capture.region width %d is narrower than segment_count %d", r.Width, c.SegmentCount)
	}

	switch c.Layout.Mode {
	case LayoutContiguous, LayoutInterleaved:
	default:
		fail("layout.mode must be %q or %q, got %q", LayoutContiguous, LayoutInterleaved, c.Layout.Mode)
	}

	switch c.Device.Sink {
	case SinkOpenRGB:
		if c.Device.Host == "" {
			fail("device.host is required for the openrgb sink")
		}
		if c.Device.Port <= 0 || c.Device.Port > 65535 {
			fail("device.port must be within 1-65535, got %d", c.Device.Port)
		}
	case SinkTeensy, SinkTerminal:
		if c.Device.LEDCount < 1 {
			fail("device.led_count must be >= 1 for the %s sink", c.Device.Sink)
		}
	default:
		fail("device.sink must be one of %s, got %q",
			strings.Join([]string{SinkOpenRGB, SinkTeensy, SinkTerminal}, ", "), c.Device.Sink)
	}
	if c.Device.LEDCount < 0 {
		fail("device.led_count must be >= 0, got %d", c.Device.LEDCount)
	}
	if c.Device.Timeout <= 0 {
		fail("device.timeout must be > 0")
	}
	if c.Device.ConnectAttempts < 1 {
		fail("device.connect_attempts must be >= 1, got %d", c.Device.ConnectAttempts)
	}

	if c.Retry.MaxConsecutiveFailures < 1 {
		fail("retry.max_consecutive_failures must be >= 1, got %d", c.Retry.MaxConsecutiveFailures)
	}
	if c.Retry.BackoffBase <= 0 || c.Retry.BackoffMax < c.Retry.BackoffBase {
		fail("retry.backoff_base must be > 0 and <= retry.backoff_max")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return errors.Join(errs...)
}

// BrightnessScale converts the percentage into the 0-1 factor the mapper uses.
func (c Config) BrightnessScale() float64 {
	return c.Brightness / 100.0
}

// ValidFrameRate reports whether rate is finite, positive and yields a tick
// period of at least one nanosecond.
func ValidFrameRate(rate float64) bool {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return false
	}
	return time.Duration(float64(time.Second)/rate) > 0
}

// FrameInterval is the tick period derived from target_frame_rate.
func (c Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.TargetFrameRate)
}
