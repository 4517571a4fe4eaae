package codec

import (
	"encoding/base64"
	"fmt"
)

// Frame is a block of normalized mono audio samples at a fixed sample rate.
// Samples are in the range [-1.0, 1.0].
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the playback duration of the frame in seconds.
func (f Frame) Duration() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.SampleRate)
}

// EncodedChunk is a text-safe encoding of raw PCM bytes, tagged with a
// MIME-like descriptor such as "pcm;rate=16000".
type EncodedChunk struct {
	Data       string `json:"data"`
	Descriptor string `json:"descriptor"`
}

// Descriptor builds the wire descriptor for 16-bit PCM at the given rate.
func Descriptor(sampleRate int) string {
	return fmt.Sprintf("pcm;rate=%d", sampleRate)
}

// BytesFromSamples converts normalized float samples to 16-bit signed PCM,
// little-endian. Samples outside [-1.0, 1.0] are clamped.
func BytesFromSamples(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768.0)
		} else {
			v = int16(s * 32767.0)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// SamplesFromBytes converts 16-bit signed little-endian PCM bytes back to a
// normalized float frame at the given rate and channel count.
func SamplesFromBytes(data []byte, sampleRate, channels int) (Frame, error) {
	if len(data)%2 != 0 {
		return Frame{}, fmt.Errorf("pcm data length must be even (16-bit samples), got %d", len(data))
	}
	if sampleRate <= 0 {
		return Frame{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if channels != 1 {
		return Frame{}, fmt.Errorf("unsupported channel count %d (mono only)", channels)
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		if v < 0 {
			samples[i] = float32(v) / 32768.0
		} else {
			samples[i] = float32(v) / 32767.0
		}
	}
	return Frame{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// EncodeChunk wraps raw PCM bytes in the base64 transport encoding.
func EncodeChunk(data []byte, descriptor string) EncodedChunk {
	return EncodedChunk{
		Data:       base64.StdEncoding.EncodeToString(data),
		Descriptor: descriptor,
	}
}

// DecodeChunk recovers the raw PCM bytes from a transport chunk.
func DecodeChunk(chunk EncodedChunk) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return data, nil
}
