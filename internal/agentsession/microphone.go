package agentsession

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/agenttest/internal/microphone"
)

// MicrophoneTrack is a started capture ready to be published.
type MicrophoneTrack interface {
	RTC() webrtc.TrackLocal
}

// Microphone captures local audio for one session at a time. Stop must be
// idempotent.
type Microphone interface {
	Start(ctx context.Context) (MicrophoneTrack, error)
	Stop(MicrophoneTrack)
}

// PublisherMicrophone adapts a microphone.Publisher to the controller.
func PublisherMicrophone(p *microphone.Publisher) Microphone {
	return publisherMicrophone{p: p}
}

type publisherMicrophone struct {
	p *microphone.Publisher
}

func (m publisherMicrophone) Start(ctx context.Context) (MicrophoneTrack, error) {
	track, err := m.p.Start(ctx)
	if err != nil {
		return nil, err
	}
	return track, nil
}

func (m publisherMicrophone) Stop(t MicrophoneTrack) {
	if track, ok := t.(*microphone.Track); ok {
		m.p.Stop(track)
	}
}
