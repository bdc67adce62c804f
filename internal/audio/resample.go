package audio

import (
	"encoding/binary"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono PCM16LE chunks between sample rates. It keeps filter
// state across calls, so one instance must be used per stream.
type Resampler struct {
	inRate  int
	outRate int
	r       resampling.Resampler
}

func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", inRate, outRate)
	}
	rs := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return rs, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	rs.r = r
	return rs, nil
}

// Process resamples one chunk. The output may be shorter than the ideal ratio
// while the filter is priming.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if r.r == nil {
		out := make([]byte, len(pcm)&^1)
		copy(out, pcm)
		return out, nil
	}
	n := len(pcm) / 2
	in := make([]float64, n)
	for i := 0; i < n; i++ {
		in[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	res, err := r.r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	out := make([]byte, len(res)*2)
	for i, s := range res {
		var v int16
		switch {
		case s >= 1.0:
			v = 32767
		case s <= -1.0:
			v = -32768
		default:
			v = int16(s * 32767.0)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out, nil
}

// ResampleAll converts a whole buffer in one pass.
func ResampleAll(pcm []byte, inRate, outRate int) ([]byte, error) {
	r, err := NewResampler(inRate, outRate)
	if err != nil {
		return nil, err
	}
	return r.Process(pcm)
}
