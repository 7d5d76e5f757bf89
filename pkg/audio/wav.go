package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
// [EncodeWAV].
const WAVHeaderSize = 44

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

// ErrNotWAV is returned when a payload does not start with a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE payload")

// wavHeader mirrors the on-disk layout of the canonical 44-byte header.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data size
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV writes samples as a mono 16-bit PCM WAV file with the canonical
// 44-byte header.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: encode wav: invalid sample rate %d", sampleRate)
	}
	dataSize := uint32(len(samples) * 2)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+int(dataSize)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("audio: encode wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("audio: encode wav data: %w", err)
	}
	return buf.Bytes(), nil
}

// WAVInfo describes the format of a parsed WAV payload.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	ByteRate      int
	BlockAlign    int
	BitsPerSample int

	// DataOffset is the byte offset of the first sample in the payload.
	DataOffset int

	// DataSize is the size of the data chunk in bytes.
	DataSize int
}

// Samples returns the number of sample frames in the data chunk.
func (i WAVInfo) Samples() int {
	if i.BlockAlign == 0 {
		return 0
	}
	return i.DataSize / i.BlockAlign
}

// ParseWAVHeader walks the RIFF chunks of data and returns the format and the
// location of the sample data. Chunks other than "fmt " and "data" are
// skipped. A data chunk that claims more bytes than present is truncated to
// what is available.
func ParseWAVHeader(data []byte) (WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var (
		info    WAVInfo
		haveFmt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return WAVInfo{}, errors.New("audio: wav: truncated fmt chunk")
			}
			f := data[body:]
			info.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.ByteRate = int(binary.LittleEndian.Uint32(f[8:12]))
			info.BlockAlign = int(binary.LittleEndian.Uint16(f[12:14]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			if info.AudioFormat == wavFormatExtensible && size >= 26 && body+26 <= len(data) {
				// The first two bytes of the sub-format GUID carry the real format tag.
				info.AudioFormat = binary.LittleEndian.Uint16(f[24:26])
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, errors.New("audio: wav: data chunk before fmt chunk")
			}
			info.DataOffset = body
			info.DataSize = min(size, len(data)-body)
			if err := info.validate(); err != nil {
				return WAVInfo{}, err
			}
			return info, nil
		}

		// Chunks are word aligned.
		next := body + size + size%2
		if next <= off {
			break
		}
		off = next
	}
	return WAVInfo{}, errors.New("audio: wav: no data chunk")
}

func (i WAVInfo) validate() error {
	if i.Channels <= 0 {
		return fmt.Errorf("audio: wav: invalid channel count %d", i.Channels)
	}
	if i.SampleRate <= 0 {
		return fmt.Errorf("audio: wav: invalid sample rate %d", i.SampleRate)
	}
	switch i.AudioFormat {
	case wavFormatPCM:
		switch i.BitsPerSample {
		case 8, 16, 24, 32:
		default:
			return fmt.Errorf("audio: wav: unsupported pcm bit depth %d", i.BitsPerSample)
		}
	case wavFormatIEEEFloat:
		if i.BitsPerSample != 32 && i.BitsPerSample != 64 {
			return fmt.Errorf("audio: wav: unsupported float bit depth %d", i.BitsPerSample)
		}
	default:
		return fmt.Errorf("audio: wav: unsupported format tag %#x", i.AudioFormat)
	}
	if want := i.Channels * i.BitsPerSample / 8; i.BlockAlign != want {
		return fmt.Errorf("audio: wav: block align %d does not match %d channels at %d bits", i.BlockAlign, i.Channels, i.BitsPerSample)
	}
	return nil
}

// DecodeWAV decodes a RIFF/WAVE payload of any channel count into planar
// float samples. Integer PCM at 8, 16, 24 and 32 bits and IEEE float at 32
// and 64 bits are supported.
func DecodeWAV(data []byte) (PCM, error) {
	info, err := ParseWAVHeader(data)
	if err != nil {
		return PCM{}, err
	}

	frames := info.Samples()
	bytesPer := info.BitsPerSample / 8
	raw := data[info.DataOffset : info.DataOffset+frames*info.BlockAlign]

	out := PCM{SampleRate: info.SampleRate, Channels: make([][]float32, info.Channels)}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range info.Channels {
			off := i*info.BlockAlign + c*bytesPer
			out.Channels[c][i] = decodeSample(raw[off:off+bytesPer], info.AudioFormat)
		}
	}
	return out, nil
}

func decodeSample(b []byte, format uint16) float32 {
	if format == wavFormatIEEEFloat {
		if len(b) == 8 {
			return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	switch len(b) {
	case 1:
		// 8-bit WAV is unsigned with a 128 offset.
		return (float32(b[0]) - 128) / 128
	case 2:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 3:
		v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
		return float32(v) / 8388608
	default:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	}
}
