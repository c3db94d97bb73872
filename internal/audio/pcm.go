package audio

import (
	"encoding/binary"
	"fmt"
)

// Encoding names accepted for incoming microphone audio.
const (
	EncodingPCM16 = "pcm16" // 16-bit signed little-endian
	EncodingMulaw = "mulaw" // G.711 μ-law
)

// Format describes the layout of captured PCM audio.
type Format struct {
	SampleRate int `validate:"min=8000,max=192000"`
	Channels   int `validate:"min=1,max=2"`
}

// DefaultFormat is what browsers deliver when asked for a mono 44.1kHz stream.
func DefaultFormat() Format {
	return Format{SampleRate: 44100, Channels: 1}
}

// BytesPerSecond returns the PCM16 byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// DecodePCM16 converts little-endian 16-bit PCM bytes to samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// MulawToPCM16 expands G.711 μ-law bytes into little-endian 16-bit PCM.
func MulawToPCM16(data []byte) []byte {
	pcm := make([]byte, len(data)*2)
	for i, b := range data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(mulawToLinear(b)))
	}
	return pcm
}

// mulawToLinear expands an 8-bit G.711 μ-law sample to 16-bit linear PCM.
// Full scale decodes to ±32124.
func mulawToLinear(mulawByte byte) int16 {
	const bias = 0x84

	// μ-law stores the complement
	u := ^mulawByte

	segment := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	magnitude := (mantissa<<3 + bias) << segment

	if u&0x80 != 0 {
		return int16(bias - magnitude)
	}
	return int16(magnitude - bias)
}

// MixToMono averages interleaved channels into a single channel.
func MixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}

	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}
