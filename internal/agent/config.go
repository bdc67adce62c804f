// Package agent describes the agent under test and the per-call room identity.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VADParams are voice-activity-detection tuning values forwarded to the agent.
type VADParams struct {
	MinSpeechDuration     *float64 `json:"min_speech_duration,omitempty" yaml:"min_speech_duration,omitempty"`
	MinSilenceDuration    *float64 `json:"min_silence_duration,omitempty" yaml:"min_silence_duration,omitempty"`
	PrefixPaddingDuration *float64 `json:"prefix_padding_duration,omitempty" yaml:"prefix_padding_duration,omitempty"`
	MaxBufferedSpeech     *float64 `json:"max_buffered_speech,omitempty" yaml:"max_buffered_speech,omitempty"`
	ActivationThreshold   *float64 `json:"activation_threshold,omitempty" yaml:"activation_threshold,omitempty"`
	ForceCPU              *bool    `json:"force_cpu,omitempty" yaml:"force_cpu,omitempty"`
}

// TestConfig holds the agent parameters under test. The session controller never
// reads these fields; they travel opaquely as credential metadata.
type TestConfig struct {
	Name             string     `json:"name" yaml:"name"`
	Role             string     `json:"role,omitempty" yaml:"role,omitempty"`
	Model            string     `json:"model,omitempty" yaml:"model,omitempty"`
	Voice            string     `json:"voice,omitempty" yaml:"voice,omitempty"`
	SystemPrompt     string     `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	UseSSML          *bool      `json:"use_ssml,omitempty" yaml:"use_ssml,omitempty"`
	SSMLInstructions string     `json:"ssml_instructions,omitempty" yaml:"ssml_instructions,omitempty"`
	VAD              *VADParams `json:"vad,omitempty" yaml:"vad,omitempty"`
}

// Metadata serializes the config into the JSON string attached to a credential.
func (c TestConfig) Metadata() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal agent metadata: %w", err)
	}
	return string(raw), nil
}

// Identity names one connection attempt. Both names are unique per attempt.
type Identity struct {
	RoomName        string `json:"room_name"`
	ParticipantName string `json:"participant_name"`
}

func (i Identity) IsZero() bool {
	return i.RoomName == "" && i.ParticipantName == ""
}

// NewIdentity builds a fresh room/participant pair: prefix, unix millis and a
// random suffix.
func NewIdentity(roomPrefix, participantPrefix string, now time.Time) Identity {
	roomPrefix = strings.TrimSpace(roomPrefix)
	if roomPrefix == "" {
		roomPrefix = "agent-test"
	}
	participantPrefix = strings.TrimSpace(participantPrefix)
	if participantPrefix == "" {
		participantPrefix = "tester"
	}
	ms := now.UnixMilli()
	return Identity{
		RoomName:        fmt.Sprintf("%s-%d-%s", roomPrefix, ms, randomSuffix()),
		ParticipantName: fmt.Sprintf("%s-%d-%s", participantPrefix, ms, randomSuffix()),
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
