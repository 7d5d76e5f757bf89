package audio

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// MIMETypePCM is the content type of raw little-endian int16 PCM. The rate and
// channels parameters are required, e.g. "audio/pcm;rate=44100;channels=2".
const MIMETypePCM = "audio/pcm"

// ErrUnsupportedFormat is returned by [Decoder] implementations that do not
// recognise a payload.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Decoder turns an encoded [Blob] into planar float PCM.
//
// Implementations must not retain blob.Data after returning.
type Decoder interface {
	Decode(blob Blob) (PCM, error)
}

// DecoderFunc adapts a plain function to the [Decoder] interface.
type DecoderFunc func(Blob) (PCM, error)

// Decode calls f(blob).
func (f DecoderFunc) Decode(blob Blob) (PCM, error) { return f(blob) }

// NewSniffingDecoder returns a [Decoder] that picks a container by magic bytes:
// RIFF/WAVE, Ogg Opus, WebM Opus, and raw PCM declared through [MIMETypePCM].
func NewSniffingDecoder() Decoder {
	return DecoderFunc(sniffAndDecode)
}

func sniffAndDecode(blob Blob) (PCM, error) {
	data := blob.Data
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return DecodeWAV(data)
	case bytes.HasPrefix(data, []byte("OggS")):
		return decodeOggOpus(data)
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return decodeWebMOpus(data)
	}

	mediaType, params, err := mime.ParseMediaType(blob.MIMEType)
	if err == nil && mediaType == MIMETypePCM {
		return decodeRawPCM(data, params)
	}
	return PCM{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, blob.MIMEType)
}

// PCMMIMEType builds the content type for raw PCM in format f.
func PCMMIMEType(f Format) string {
	return mime.FormatMediaType(MIMETypePCM, map[string]string{
		"rate":     strconv.Itoa(f.SampleRate),
		"channels": strconv.Itoa(f.Channels),
	})
}

func decodeRawPCM(data []byte, params map[string]string) (PCM, error) {
	rate, err := strconv.Atoi(strings.TrimSpace(params["rate"]))
	if err != nil || rate <= 0 {
		return PCM{}, fmt.Errorf("audio: pcm: invalid rate parameter %q", params["rate"])
	}
	channels, err := strconv.Atoi(strings.TrimSpace(params["channels"]))
	if err != nil || channels <= 0 {
		return PCM{}, fmt.Errorf("audio: pcm: invalid channels parameter %q", params["channels"])
	}
	if len(data) < 2*channels {
		return PCM{}, errors.New("audio: pcm: empty payload")
	}
	return PCM{SampleRate: rate, Channels: PCM16ToPlanar(data, channels)}, nil
}
