package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders f as e.g. "48000Hz/mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// PCM16ToPlanar splits interleaved little-endian int16 PCM into per-channel
// float32 buffers normalised to [-1, 1]. A trailing partial frame is dropped.
func PCM16ToPlanar(pcm []byte, channels int) [][]float32 {
	if channels <= 0 {
		return nil
	}
	frames := len(pcm) / (2 * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			s := int16(binary.LittleEndian.Uint16(pcm[off:]))
			out[c][i] = float32(s) / 32768.0
		}
	}
	return out
}

// PCM16ToMono decodes interleaved little-endian int16 PCM and averages all
// channels into one float32 buffer.
func PCM16ToMono(pcm []byte, channels int) []float32 {
	return MixDown(PCM16ToPlanar(pcm, channels))
}

// MixDown collapses planar channels into a single channel by taking the
// arithmetic mean of each sample position. The result has the length of the
// shortest channel. A single channel is returned as-is.
func MixDown(channels [][]float32) []float32 {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	}
	n := len(channels[0])
	for _, ch := range channels[1:] {
		n = min(n, len(ch))
	}
	out := make([]float32, n)
	count := float64(len(channels))
	for i := range n {
		var sum float64
		for _, ch := range channels {
			sum += float64(ch[i])
		}
		out[i] = float32(sum / count)
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: resample: invalid rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil, nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx > last {
			srcIdx = last
		}
		frac := srcPos - float64(srcIdx)

		s0 := float64(samples[srcIdx])
		s1 := s0
		if srcIdx < last {
			s1 = float64(samples[srcIdx+1])
		}
		out[i] = float32(s0*(1-frac) + s1*frac)
	}
	return out, nil
}

// QuantizeSample maps s to int16 with asymmetric scaling: negative values are
// scaled by 32768 and non-negative values by 32767 so the full signed range
// is used without overflow. Values outside [-1, 1] are clamped first.
func QuantizeSample(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// Quantize applies [QuantizeSample] to every sample.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = QuantizeSample(s)
	}
	return out
}

func formatString(sampleRate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", sampleRate, ch)
}
