package microphone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/ent0n29/agenttest/internal/audio"
)

const (
	defaultFrameDuration = 20 * time.Millisecond
	pcmuRate             = 8000
)

type Config struct {
	Device      string
	Constraints Constraints
	// FrameDuration is the capture frame size; defaults to 20ms.
	FrameDuration time.Duration
	Logger        *slog.Logger
}

// Publisher opens the configured device and streams it into a PCMU track.
type Publisher struct {
	devices *Devices
	cfg     Config
	logger  *slog.Logger
}

func NewPublisher(devices *Devices, cfg Config) *Publisher {
	if devices == nil {
		devices = NewDevices()
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = SpeechConstraints()
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = defaultFrameDuration
	}
	cfg.Device = normalizeDevice(cfg.Device)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{devices: devices, cfg: cfg, logger: logger.With("component", "microphone")}
}

// Track is a live capture. The zero Track is valid and stops as a no-op.
type Track struct {
	device      string
	constraints Constraints
	rtc         *webrtc.TrackLocalStaticSample
	source      Source
	devices     *Devices
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
	frames      atomic.Int64
	stopped     atomic.Bool
}

func (t *Track) RTC() webrtc.TrackLocal {
	if t == nil || t.rtc == nil {
		return nil
	}
	return t.rtc
}

func (t *Track) Device() string { return t.device }

func (t *Track) Constraints() Constraints { return t.constraints }

// FramesSent counts frames written to the RTP track.
func (t *Track) FramesSent() int64 { return t.frames.Load() }

func (t *Track) Active() bool {
	return t != nil && t.rtc != nil && !t.stopped.Load()
}

// Start acquires the device and begins pumping frames. The pump runs until Stop,
// independently of ctx.
func (p *Publisher) Start(ctx context.Context) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, &MicrophoneError{Device: p.cfg.Device, Err: err}
	}
	src, err := p.devices.Open(p.cfg.Device, p.cfg.Constraints)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*Track, error) {
		_ = src.Close()
		p.devices.Release(p.cfg.Device)
		return nil, &MicrophoneError{Device: p.cfg.Device, Err: err}
	}

	resampler, err := audio.NewResampler(p.cfg.Constraints.SampleRate, pcmuRate)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrUnsupported, err))
	}
	rtc, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		"audio",
		"microphone",
	)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrUnsupported, err))
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	t := &Track{
		device:      p.cfg.Device,
		constraints: p.cfg.Constraints,
		rtc:         rtc,
		source:      src,
		devices:     p.devices,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.pump(pumpCtx, t, resampler)
	p.logger.Info("microphone started",
		"device", t.device,
		"sample_rate", p.cfg.Constraints.SampleRate,
		"echo_cancellation", p.cfg.Constraints.EchoCancellation,
		"noise_suppression", p.cfg.Constraints.NoiseSuppression,
	)
	return t, nil
}

// Stop releases the device. It is safe on nil, zero and already stopped tracks.
func (p *Publisher) Stop(t *Track) {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.cancel != nil {
			t.cancel()
		}
		if t.done != nil {
			<-t.done
		}
		if t.source != nil {
			_ = t.source.Close()
		}
		if t.devices != nil {
			t.devices.Release(t.device)
		}
		if t.rtc != nil {
			p.logger.Info("microphone stopped", "device", t.device, "frames", t.frames.Load())
		}
	})
}

func (p *Publisher) pump(ctx context.Context, t *Track, resampler *audio.Resampler) {
	defer close(t.done)

	frameBytes := p.cfg.Constraints.SampleRate * int(p.cfg.FrameDuration/time.Millisecond) / 1000 * 2
	if frameBytes < 2 {
		frameBytes = 2
	}
	buf := make([]byte, frameBytes)
	ticker := time.NewTicker(p.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := io.ReadFull(t.source, buf); err != nil {
			p.logger.Warn("microphone read failed", "device", t.device, "error", err)
			return
		}
		pcm8k, err := resampler.Process(buf)
		if err != nil {
			p.logger.Warn("microphone resample failed", "device", t.device, "error", err)
			return
		}
		if len(pcm8k) == 0 {
			continue
		}
		if err := t.rtc.WriteSample(media.Sample{Data: audio.EncodeULaw(pcm8k), Duration: p.cfg.FrameDuration}); err != nil {
			p.logger.Debug("microphone write failed", "device", t.device, "error", err)
			continue
		}
		t.frames.Add(1)
	}
}
