package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	gotPCM, gotSR, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	wav := encodeWAV16Stereo(t, stereo, 24000)
	gotPCM, gotSR, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if gotSR != 24000 {
		t.Fatalf("sampleRate = %d, want 24000", gotSR)
	}
	if len(gotPCM) != 4 {
		t.Fatalf("len(gotPCM) = %d, want 4", len(gotPCM))
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAVPCM16([]byte("definitely not a wav file")); err == nil {
		t.Fatalf("expected error for invalid header")
	}
}

func TestULawRoundTrip(t *testing.T) {
	cases := []struct {
		in  int16
		tol int
	}{
		{0, 0},
		{1000, 64},
		{-1000, 64},
		{12000, 600},
		{-32768, 1000},
	}
	for _, tc := range cases {
		got := ULawToLinear(LinearToULaw(tc.in))
		diff := int(got) - int(tc.in)
		if diff < 0 {
			diff = -diff
		}
		if diff > tc.tol {
			t.Fatalf("round trip %d -> %d, diff %d > %d", tc.in, got, diff, tc.tol)
		}
	}
}

func TestEncodeULawLength(t *testing.T) {
	pcm := make([]byte, 320)
	if got := len(EncodeULaw(pcm)); got != 160 {
		t.Fatalf("len(EncodeULaw) = %d, want 160", got)
	}
	if got := len(DecodeULaw(make([]byte, 160))); got != 320 {
		t.Fatalf("len(DecodeULaw) = %d, want 320", got)
	}
}

func TestResamplerPassthrough(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}
	in := []byte{1, 2, 3, 4}
	out, err := r.Process(in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("passthrough changed data: %v", out)
	}
}

func TestResamplerDownsamples(t *testing.T) {
	r, err := NewResampler(16000, 8000)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}
	frame := make([]byte, 640)
	total := 0
	for i := 0; i < 50; i++ {
		out, err := r.Process(frame)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		total += len(out)
	}
	if total == 0 || total > 50*len(frame)/2+128 {
		t.Fatalf("resampled bytes = %d, want (0, %d]", total, 50*len(frame)/2+128)
	}
}

func TestNewResamplerRejectsInvalidRates(t *testing.T) {
	if _, err := NewResampler(0, 8000); err == nil {
		t.Fatalf("expected error for zero input rate")
	}
}

func encodeWAV16Stereo(t *testing.T, stereoPCM []byte, sampleRate int) []byte {
	t.Helper()
	var buf bytes.Buffer
	write := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}
	buf.WriteString("RIFF")
	write(uint32(36 + len(stereoPCM)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(2))
	write(uint32(sampleRate))
	write(uint32(sampleRate * 4))
	write(uint16(4))
	write(uint16(16))
	buf.WriteString("data")
	write(uint32(len(stereoPCM)))
	buf.Write(stereoPCM)
	return buf.Bytes()
}
