package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages. STT, LLM and TTS come from the agent's per-turn performance
// stats; connect is measured by the controller from request to joined room.
const (
	StageSTT       = "stt"
	StageLLM       = "llm"
	StageTTS       = "tts"
	StageTurnTotal = "turn_total"
	StageConnect   = "connect"
)

// stageTargets are the p95 latencies an agent is expected to stay under.
var stageTargets = map[string]float64{
	StageSTT:       500,
	StageLLM:       1500,
	StageTTS:       400,
	StageTurnTotal: 2400,
	StageConnect:   4000,
}

type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than TargetP95MS.
	OverTarget int `json:"over_target,omitempty"`
}

// LatencySnapshot summarizes the samples observed since Since.
type LatencySnapshot struct {
	Since      time.Time      `json:"since"`
	TakenAt    time.Time      `json:"taken_at"`
	WindowSize int            `json:"window_size"`
	Turns      int            `json:"turns"`
	Stages     []StageLatency `json:"stages"`
	Indicators map[string]int `json:"indicators,omitempty"`
}

// Stage returns the summary for name, if any samples were recorded.
func (s LatencySnapshot) Stage(name string) (StageLatency, bool) {
	for _, st := range s.Stages {
		if st.Stage == name {
			return st, true
		}
	}
	return StageLatency{}, false
}

// sampleRing keeps the most recent len(values) samples of one stage.
type sampleRing struct {
	values []float64
	count  int
	head   int
	turns  int
}

func (r *sampleRing) add(v float64) {
	r.values[r.head] = v
	r.head = (r.head + 1) % len(r.values)
	if r.count < len(r.values) {
		r.count++
	}
	r.turns++
}

// ordered returns the retained samples oldest first.
func (r *sampleRing) ordered() []float64 {
	out := make([]float64, 0, r.count)
	start := (r.head - r.count + len(r.values)) % len(r.values)
	for i := 0; i < r.count; i++ {
		out = append(out, r.values[(start+i)%len(r.values)])
	}
	return out
}

type latencyWindow struct {
	mu         sync.Mutex
	size       int
	since      time.Time
	rings      map[string]*sampleRing
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &latencyWindow{size: size}
	w.reset()
	return w
}

func (w *latencyWindow) reset() {
	w.since = time.Now().UTC()
	w.rings = make(map[string]*sampleRing)
	w.indicators = make(map[string]int)
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &sampleRing{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reset()
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		Since:      w.since,
		TakenAt:    time.Now().UTC(),
		WindowSize: w.size,
		Stages:     make([]StageLatency, 0, len(w.rings)),
	}
	for _, name := range slices.Sorted(maps.Keys(w.rings)) {
		r := w.rings[name]
		if r.count == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(name, r.ordered()))
	}
	if r, ok := w.rings[StageTurnTotal]; ok {
		snap.Turns = r.turns
	}
	if len(w.indicators) > 0 {
		snap.Indicators = make(map[string]int, len(w.indicators))
		for name, n := range w.indicators {
			snap.Indicators[name] = n
		}
	}
	return snap
}

func summarize(stage string, samples []float64) StageLatency {
	st := StageLatency{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(samples[len(samples)-1]),
		TargetP95MS: stageTargets[stage],
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
		if st.TargetP95MS > 0 && v > st.TargetP95MS {
			st.OverTarget++
		}
	}
	st.AvgMS = round2(sum / float64(len(sorted)))
	st.P50MS = round2(nearestRank(sorted, 0.50))
	st.P95MS = round2(nearestRank(sorted, 0.95))
	st.MaxMS = round2(sorted[len(sorted)-1])
	return st
}

// nearestRank returns the smallest sample with at least q of the samples at
// or below it.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

