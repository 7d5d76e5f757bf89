package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// Opus always decodes at 48 kHz; 120 ms is the longest legal packet.
const (
	opusSampleRate   = 48000
	opusMaxFrameSize = 5760
)

// opusHead is the identification header carried by Ogg and WebM Opus streams.
type opusHead struct {
	channels int
	preSkip  int
}

func parseOpusHead(b []byte) (opusHead, error) {
	if len(b) < 19 || string(b[:8]) != "OpusHead" {
		return opusHead{}, errors.New("audio: opus: missing OpusHead")
	}
	h := opusHead{
		channels: int(b[9]),
		preSkip:  int(binary.LittleEndian.Uint16(b[10:12])),
	}
	if mapping := b[18]; mapping != 0 {
		return opusHead{}, fmt.Errorf("audio: opus: unsupported channel mapping family %d", mapping)
	}
	if h.channels < 1 || h.channels > 2 {
		return opusHead{}, fmt.Errorf("audio: opus: unsupported channel count %d", h.channels)
	}
	return h, nil
}

// decodeOpus decodes a sequence of Opus packets into planar PCM, dropping the
// encoder pre-skip from the start of the stream.
func decodeOpus(head opusHead, packets [][]byte) (PCM, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, head.channels)
	if err != nil {
		return PCM{}, fmt.Errorf("audio: opus: create decoder: %w", err)
	}

	var interleaved []int16
	for i, pkt := range packets {
		if len(pkt) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			return PCM{}, fmt.Errorf("audio: opus: decode packet %d: %w", i, err)
		}
		interleaved = append(interleaved, pcm...)
	}
	if len(interleaved) == 0 {
		return PCM{}, errors.New("audio: opus: no audio packets")
	}

	frames := len(interleaved) / head.channels
	skip := min(head.preSkip, frames)
	out := PCM{SampleRate: opusSampleRate, Channels: make([][]float32, head.channels)}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames-skip)
	}
	for i := skip; i < frames; i++ {
		for c := range head.channels {
			out.Channels[c][i-skip] = float32(interleaved[i*head.channels+c]) / 32768
		}
	}
	return out, nil
}
