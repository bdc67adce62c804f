package events

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/ent0n29/agenttest/internal/audio"
	"github.com/ent0n29/agenttest/internal/transport"
)

// Sink is the playable output of one remote audio track.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

type SinkFactory func(track transport.RemoteTrack) (Sink, error)

// CountingSink discards audio and keeps packet totals.
type CountingSink struct {
	packets atomic.Int64
	bytes   atomic.Int64
	closed  atomic.Bool
}

func (s *CountingSink) WriteRTP(pkt *rtp.Packet) error {
	s.packets.Add(1)
	s.bytes.Add(int64(len(pkt.Payload)))
	return nil
}

func (s *CountingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *CountingSink) Packets() int64 { return s.packets.Load() }
func (s *CountingSink) Bytes() int64   { return s.bytes.Load() }
func (s *CountingSink) Closed() bool   { return s.closed.Load() }

func CountingSinks() SinkFactory {
	return func(transport.RemoteTrack) (Sink, error) {
		return &CountingSink{}, nil
	}
}

// RecordingSinks writes Opus tracks to .ogg and PCMU tracks to .wav under dir.
// Other codecs fall back to counting.
func RecordingSinks(dir string) SinkFactory {
	fallback := CountingSinks()
	return func(track transport.RemoteTrack) (Sink, error) {
		base := filepath.Join(dir, fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), safeName(track.ParticipantIdentity()), safeName(track.ID())))
		switch {
		case strings.EqualFold(track.Codec(), webrtc.MimeTypeOpus):
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create output dir: %w", err)
			}
			w, err := oggwriter.New(base+".ogg", 48000, 2)
			if err != nil {
				return nil, fmt.Errorf("create ogg recorder: %w", err)
			}
			return w, nil
		case strings.EqualFold(track.Codec(), webrtc.MimeTypePCMU):
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create output dir: %w", err)
			}
			return &wavRecorder{path: base + ".wav", rate: 8000}, nil
		default:
			return fallback(track)
		}
	}
}

// wavRecorder buffers decoded G.711 audio and writes a WAV file on Close.
type wavRecorder struct {
	path string
	rate int
	pcm  []byte
}

func (w *wavRecorder) WriteRTP(pkt *rtp.Packet) error {
	w.pcm = append(w.pcm, audio.DecodeULaw(pkt.Payload)...)
	return nil
}

func (w *wavRecorder) Close() error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := audio.WriteWAVPCM16LETo(f, w.pcm, w.rate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
