package audio

import "encoding/binary"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeULaw converts PCM16LE samples to G.711 µ-law bytes (one byte per sample).
func EncodeULaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = LinearToULaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// DecodeULaw converts G.711 µ-law bytes back to PCM16LE.
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ULawToLinear(u)))
	}
	return out
}

func LinearToULaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func ULawToLinear(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa<<3)+ulawBias)<<exponent - ulawBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}
