// Package microphone opens local capture devices and publishes them as a PCMU track.
package microphone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/ent0n29/agenttest/internal/audio"
)

var (
	ErrPermissionDenied = errors.New("permission to use the microphone was denied")
	ErrNoDevice         = errors.New("no audio capture device is available")
	ErrDeviceBusy       = errors.New("audio capture device is already in use")
	ErrUnsupported      = errors.New("audio capture is not supported")
)

// MicrophoneError wraps one of the sentinel errors above with the device name.
type MicrophoneError struct {
	Device string
	Err    error
}

func (e *MicrophoneError) Error() string {
	if e == nil {
		return ""
	}
	if e.Device == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (device %q)", e.Err.Error(), e.Device)
}

func (e *MicrophoneError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Constraints mirror the capture settings requested for speech.
type Constraints struct {
	Channels         int  `json:"channels"`
	SampleRate       int  `json:"sample_rate"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
}

func SpeechConstraints() Constraints {
	return Constraints{
		Channels:         1,
		SampleRate:       16000,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Source yields mono PCM16LE audio at the sample rate it was opened with.
type Source interface {
	io.Reader
	io.Closer
}

// Device names understood by Devices.Open.
const (
	DeviceTone    = "tone"
	DeviceSilence = "silence"
	DeviceNone    = "none"
	DeviceDenied  = "denied"
	wavPrefix     = "wav:"
)

// Devices hands out exclusive access to capture devices.
type Devices struct {
	mu    sync.Mutex
	inUse map[string]bool
}

func NewDevices() *Devices {
	return &Devices{inUse: make(map[string]bool)}
}

func (d *Devices) InUse(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inUse[normalizeDevice(name)]
}

// Open acquires name exclusively. The returned Source must be released with Release.
func (d *Devices) Open(name string, c Constraints) (Source, error) {
	name = normalizeDevice(name)
	if c.Channels != 1 || c.SampleRate <= 0 {
		return nil, &MicrophoneError{Device: name, Err: fmt.Errorf("%w: %d channel(s) at %d Hz", ErrUnsupported, c.Channels, c.SampleRate)}
	}

	switch {
	case name == DeviceNone:
		return nil, &MicrophoneError{Device: name, Err: ErrNoDevice}
	case name == DeviceDenied:
		return nil, &MicrophoneError{Device: name, Err: ErrPermissionDenied}
	}

	d.mu.Lock()
	if d.inUse[name] {
		d.mu.Unlock()
		return nil, &MicrophoneError{Device: name, Err: ErrDeviceBusy}
	}
	d.inUse[name] = true
	d.mu.Unlock()

	src, err := openSource(name, c)
	if err != nil {
		d.Release(name)
		return nil, &MicrophoneError{Device: name, Err: err}
	}
	return src, nil
}

func (d *Devices) Release(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inUse, normalizeDevice(name))
}

func normalizeDevice(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DeviceTone
	}
	return name
}

func openSource(name string, c Constraints) (Source, error) {
	switch {
	case name == DeviceTone:
		return &toneSource{rate: c.SampleRate, freq: 440, amplitude: 0.2}, nil
	case name == DeviceSilence:
		return silenceSource{}, nil
	case strings.HasPrefix(name, wavPrefix):
		return openWAVSource(strings.TrimPrefix(name, wavPrefix), c.SampleRate)
	default:
		return nil, fmt.Errorf("%w: unknown device", ErrUnsupported)
	}
}

type toneSource struct {
	rate      int
	freq      float64
	amplitude float64
	n         int
}

func (s *toneSource) Read(p []byte) (int, error) {
	samples := len(p) / 2
	for i := 0; i < samples; i++ {
		v := s.amplitude * math.Sin(2*math.Pi*s.freq*float64(s.n)/float64(s.rate))
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(v*32767)))
		s.n = (s.n + 1) % s.rate
	}
	return samples * 2, nil
}

func (s *toneSource) Close() error { return nil }

type silenceSource struct{}

func (silenceSource) Read(p []byte) (int, error) {
	n := len(p) &^ 1
	clear(p[:n])
	return n, nil
}

func (silenceSource) Close() error { return nil }

// wavSource loops a WAV file resampled to the capture rate.
type wavSource struct {
	pcm []byte
	pos int
}

func openWAVSource(path string, rate int) (Source, error) {
	pcm, fileRate, err := audio.ReadWAVFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if fileRate != rate {
		pcm, err = audio.ResampleAll(pcm, fileRate, rate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
	}
	if len(pcm) < 2 {
		return nil, fmt.Errorf("%w: %s has no audio", ErrNoDevice, path)
	}
	return &wavSource{pcm: pcm[:len(pcm)&^1]}, nil
}

func (s *wavSource) Read(p []byte) (int, error) {
	n := 0
	want := len(p) &^ 1
	for n < want {
		c := copy(p[n:want], s.pcm[s.pos:])
		n += c
		s.pos += c
		if s.pos >= len(s.pcm) {
			s.pos = 0
		}
	}
	return n, nil
}

func (s *wavSource) Close() error { return nil }
