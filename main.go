package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/drichelson/keybloom/config"
	"github.com/drichelson/keybloom/control"
	"github.com/drichelson/keybloom/device"
	"github.com/drichelson/keybloom/openrgb"
	"github.com/drichelson/keybloom/screen"
	"github.com/drichelson/keybloom/smooth"
	"github.com/drichelson/keybloom/syncloop"
	"github.com/drichelson/keybloom/terminal"
	"github.com/drichelson/keybloom/usb"
	"github.com/drichelson/keybloom/zone"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keybloom: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file; built-in defaults when empty")
	sinkName := flag.String("sink", "", "override device.sink (openrgb, teensy, terminal)")
	listen := flag.String("listen", "", `override control.listen; "off" disables the control server`)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *sinkName, *listen)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Log, cfg.Device.Sink == config.SinkTerminal)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, info, err := openSink(ctx, cfg, logger, stop)
	if err != nil {
		return err
	}
	// The loop closes the sink once it owns it; until then it is ours.
	owned := false
	defer func() {
		if !owned {
			_ = sink.Close()
		}
	}()

	source, err := openSource(cfg)
	if err != nil {
		return err
	}
	var region image.Rectangle
	if !cfg.Capture.Region.IsZero() {
		region = cfg.Capture.Region.Rect()
	}
	sampler, err := screen.NewSampler(source, region, cfg.SegmentCount, cfg.Capture.SampleStep)
	if err != nil {
		return err
	}

	layout, err := zone.ParseLayout(cfg.Layout.Mode)
	if err != nil {
		return err
	}
	mapping, err := zone.NewMapping(cfg.SegmentCount, info.LEDCount, layout, cfg.Layout.Reverse)
	if err != nil {
		return err
	}
	mapper, err := zone.NewMapper(mapping, cfg.Gamma)
	if err != nil {
		return err
	}
	smoother, err := smooth.New(cfg.TransitionSpeed, cfg.SnapThreshold)
	if err != nil {
		return err
	}
	ctl, err := control.New(cfg.BrightnessScale(), cfg.Saturation, cfg.TransitionSpeed)
	if err != nil {
		return err
	}

	updater, err := device.NewUpdater(sink, info.ID, info.LEDCount, cfg.Device.Timeout, logger)
	if err != nil {
		return err
	}
	loop, err := syncloop.New(syncloop.Config{
		FrameRate:              cfg.TargetFrameRate,
		CaptureTimeout:         cfg.Capture.Timeout,
		MaxConsecutiveFailures: cfg.Retry.MaxConsecutiveFailures,
		Backoff:                syncloop.Backoff{Base: cfg.Retry.BackoffBase, Max: cfg.Retry.BackoffMax},
	}, sampler, smoother, mapper, updater, ctl, logger)
	if err != nil {
		return err
	}
	owned = true

	if cfg.Control.Listen != "" {
		srv := control.NewServer(ctl, func() any { return loop.Status() }, logger)
		go func() {
			if err := srv.Run(ctx, cfg.Control.Listen); err != nil {
				logger.Error("control server stopped", "err", err)
			}
		}()
	}

	logger.Info("starting sync",
		"device", info.Name,
		"leds", info.LEDCount,
		"segments", cfg.SegmentCount,
		"layout", layout,
		"region", sampler.Region(),
		"interval", cfg.FrameInterval())
	return loop.Run(ctx)
}

func loadConfig(path, sinkName, listen string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if sinkName != "" {
		cfg.Device.Sink = sinkName
	}
	switch listen {
	case "":
	case "off":
		cfg.Control.Listen = ""
	default:
		cfg.Control.Listen = listen
	}
	return cfg, cfg.Validate()
}

// newLogger writes text logs with source locations. The terminal preview owns
// the screen, so without a log file its logs are discarded.
func newLogger(cfg config.LogConfig, terminalOwnsStdout bool) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", config.ErrConfigInvalid, err)
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	case terminalOwnsStdout:
		out = io.Discard
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{AddSource: true, Level: level})
	return slog.New(h), closeFn, nil
}

func openSource(cfg config.Config) (screen.Source, error) {
	if cfg.Capture.Source == config.SourceNoise {
		return screen.NewNoiseSource(time.Now().UnixNano(), cfg.Capture.Region.Rect()), nil
	}
	return screen.NewDisplaySource(cfg.Capture.Display)
}

// openSink connects to the configured sink and picks the device to drive.
func openSink(ctx context.Context, cfg config.Config, logger *slog.Logger, quit func()) (device.Sink, device.Info, error) {
	backoff := syncloop.Backoff{Base: cfg.Retry.BackoffBase, Max: cfg.Retry.BackoffMax}
	var connect device.ConnectFunc
	switch cfg.Device.Sink {
	case config.SinkOpenRGB:
		name := "keybloom-" + uuid.NewString()[:8]
		connect = func(ctx context.Context) (device.Sink, error) {
			dctx, cancel := context.WithTimeout(ctx, max(cfg.Device.Timeout, 2*time.Second))
			defer cancel()
			c, err := openrgb.Connect(dctx, cfg.Device.Addr(), name, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	case config.SinkTeensy:
		connect = func(ctx context.Context) (device.Sink, error) {
			s, err := usb.Open(cfg.Device.LEDCount, logger)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	case config.SinkTerminal:
		connect = func(ctx context.Context) (device.Sink, error) {
			s, err := terminal.New(nil, cfg.Device.LEDCount, quit)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	default:
		return nil, device.Info{}, fmt.Errorf("%w: unknown sink %q", config.ErrConfigInvalid, cfg.Device.Sink)
	}

	sink, err := device.Connect(ctx, cfg.Device.ConnectAttempts, backoff.Delay, logger, connect)
	if err != nil {
		return nil, device.Info{}, err
	}

	info, err := selectDevice(ctx, sink, cfg)
	if err != nil {
		_ = sink.Close()
		return nil, device.Info{}, err
	}
	if info.LEDCount < 1 {
		_ = sink.Close()
		return nil, device.Info{}, fmt.Errorf("%w: %s reports no LEDs", device.ErrLEDCount, info.Name)
	}
	if cm, ok := sink.(device.CustomModer); ok {
		if err := cm.SetCustomMode(ctx, info.ID); err != nil {
			_ = sink.Close()
			return nil, device.Info{}, fmt.Errorf("failed to switch %s to custom mode: %w", info.Name, err)
		}
	}
	logger.Info("device selected", "id", info.ID, "name", info.Name, "leds", info.LEDCount)
	return sink, info, nil
}

// selectDevice matches device.name on OpenRGB servers, which host many
// controllers. The USB and terminal sinks expose exactly one device.
func selectDevice(ctx context.Context, sink device.Sink, cfg config.Config) (device.Info, error) {
	if cfg.Device.Sink == config.SinkOpenRGB {
		return device.FindDevice(ctx, sink, cfg.Device.Name)
	}
	infos, err := sink.Devices(ctx)
	if err != nil {
		return device.Info{}, err
	}
	if len(infos) == 0 {
		return device.Info{}, device.ErrNoDevice
	}
	return infos[0], nil
}
