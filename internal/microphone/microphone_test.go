package microphone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/agenttest/internal/audio"
)

func testPublisher(devices *Devices, device string) *Publisher {
	return NewPublisher(devices, Config{
		Device:        device,
		FrameDuration: 5 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func waitForFrames(t *testing.T, track *Track, n int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for track.FramesSent() < n {
		if time.Now().After(deadline) {
			t.Fatalf("FramesSent() = %d, want >= %d", track.FramesSent(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisherStartStop(t *testing.T) {
	devices := NewDevices()
	pub := testPublisher(devices, DeviceTone)

	track, err := pub.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !track.Active() || track.RTC() == nil {
		t.Fatalf("track should be active with an RTC track")
	}
	if got := track.Constraints(); got != SpeechConstraints() {
		t.Fatalf("Constraints() = %+v, want speech constraints", got)
	}
	if !devices.InUse(DeviceTone) {
		t.Fatalf("device should be held while the track is live")
	}
	waitForFrames(t, track, 3)

	pub.Stop(track)
	pub.Stop(track)
	if track.Active() {
		t.Fatalf("track should be inactive after Stop")
	}
	if devices.InUse(DeviceTone) {
		t.Fatalf("device should be released after Stop")
	}
}

func TestPublisherDeviceIsExclusive(t *testing.T) {
	devices := NewDevices()
	a := testPublisher(devices, DeviceSilence)
	b := testPublisher(devices, DeviceSilence)

	first, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := b.Start(context.Background()); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second Start() error = %v, want ErrDeviceBusy", err)
	}
	a.Stop(first)

	second, err := b.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() after release error = %v", err)
	}
	b.Stop(second)
}

func TestPublisherStartFailures(t *testing.T) {
	cases := map[string]error{
		DeviceNone:                ErrNoDevice,
		DeviceDenied:              ErrPermissionDenied,
		"usb:1":                   ErrUnsupported,
		"wav:/does/not/exist.wav": ErrNoDevice,
	}
	for device, want := range cases {
		devices := NewDevices()
		_, err := testPublisher(devices, device).Start(context.Background())
		var micErr *MicrophoneError
		if !errors.As(err, &micErr) {
			t.Fatalf("%s: error = %T %v, want *MicrophoneError", device, err, err)
		}
		if !errors.Is(err, want) {
			t.Fatalf("%s: error = %v, want %v", device, err, want)
		}
		if devices.InUse(device) {
			t.Fatalf("%s: failed open should not hold the device", device)
		}
	}
}

func TestPublisherRejectsStereoConstraints(t *testing.T) {
	pub := NewPublisher(NewDevices(), Config{Device: DeviceTone, Constraints: Constraints{Channels: 2, SampleRate: 48000}})
	if _, err := pub.Start(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Start() error = %v, want ErrUnsupported", err)
	}
}

func TestStopZeroTrack(t *testing.T) {
	pub := testPublisher(NewDevices(), DeviceTone)
	pub.Stop(nil)
	pub.Stop(&Track{})
	if (&Track{}).RTC() != nil {
		t.Fatalf("zero track should have no RTC track")
	}
}

func TestWAVDeviceLoopsFile(t *testing.T) {
	pcm := make([]byte, 800)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "prompt.wav")
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	devices := NewDevices()
	src, err := devices.Open("wav:"+path, SpeechConstraints())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer devices.Release("wav:" + path)

	buf := make([]byte, 1000)
	if _, err := io.ReadFull(src, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if buf[800] != pcm[0] || buf[801] != pcm[1] {
		t.Fatalf("source did not loop: % x", buf[798:804])
	}

	pub := testPublisher(devices, "wav:"+path)
	track, err := pub.Start(context.Background())
	if !errors.Is(err, ErrDeviceBusy) {
		pub.Stop(track)
		t.Fatalf("Start() on open wav device error = %v, want ErrDeviceBusy", err)
	}
}

func TestToneSourceStaysInRange(t *testing.T) {
	src := &toneSource{rate: 16000, freq: 440, amplitude: 0.2}
	buf := make([]byte, 3200)
	if _, err := src.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var nonZero bool
	for i := 0; i < len(buf); i += 2 {
		v := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
		if v > 7000 || v < -7000 {
			t.Fatalf("sample %d = %d exceeds amplitude", i/2, v)
		}
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Fatalf("tone produced silence")
	}
}
