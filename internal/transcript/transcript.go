// Package transcript holds the ordered message log shown to an operator while
// testing an agent.
package transcript

import "sync"

type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderError Sender = "error"
)

// PerformanceStats are per-turn pipeline latencies reported by the agent, in milliseconds.
type PerformanceStats struct {
	STTDurationMS *float64 `json:"stt_duration_ms,omitempty"`
	LLMDurationMS *float64 `json:"llm_duration_ms,omitempty"`
	TTSDurationMS *float64 `json:"tts_duration_ms,omitempty"`
}

func (p *PerformanceStats) Empty() bool {
	return p == nil || (p.STTDurationMS == nil && p.LLMDurationMS == nil && p.TTSDurationMS == nil)
}

type Message struct {
	Text             string            `json:"text"`
	Sender           Sender            `json:"sender"`
	PerformanceStats *PerformanceStats `json:"performance_stats,omitempty"`
	ToolCalls        []string          `json:"tool_calls,omitempty"`
}

// Log is an append-only message sequence. Messages keep arrival order and are
// only dropped by Reset.
type Log struct {
	mu       sync.RWMutex
	messages []Message
}

func (l *Log) Append(m Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, clone(m))
	return len(l.messages)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Messages returns a copy of the log.
func (l *Log) Messages() []Message {
	return l.Since(0)
}

// Since returns a copy of the messages at index >= from.
func (l *Log) Since(from int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.messages) {
		return []Message{}
	}
	out := make([]Message, 0, len(l.messages)-from)
	for _, m := range l.messages[from:] {
		out = append(out, clone(m))
	}
	return out
}

func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}

func clone(m Message) Message {
	c := m
	if m.ToolCalls != nil {
		c.ToolCalls = append([]string(nil), m.ToolCalls...)
	}
	if m.PerformanceStats != nil {
		ps := *m.PerformanceStats
		c.PerformanceStats = &ps
	}
	return c
}
