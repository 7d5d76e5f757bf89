// Package audio holds the signal-level building blocks of vocalcheck: the
// level meter, the canonical WAV encoder, PCM conversion helpers, and the
// [Transcoder] that turns whatever a capture device produced into a mono
// 16-bit WAV clip at a fixed sample rate.
package audio

import "time"

// DefaultSampleRate is the canonical sample rate of every clip emitted by the
// [Transcoder].
const DefaultSampleRate = 48000

// MIMETypeWAV is the content type of canonical clips.
const MIMETypeWAV = "audio/wav"

// Blob is an opaque encoded audio payload together with its declared content
// type. The content type is a hint only; decoders sniff the payload.
type Blob struct {
	Data     []byte
	MIMEType string
}

// PCM is decoded audio as planar float samples normalised to [-1, 1].
// Every channel slice has the same length.
type PCM struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of samples per channel.
func (p PCM) Frames() int {
	if len(p.Channels) == 0 {
		return 0
	}
	n := len(p.Channels[0])
	for _, ch := range p.Channels[1:] {
		n = min(n, len(ch))
	}
	return n
}

// Duration returns the play time of p.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}
