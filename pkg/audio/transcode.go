package audio

import (
	"errors"
	"fmt"
	"time"
)

// TranscodeError reports that a blob could not be converted and was passed
// through unchanged.
type TranscodeError struct {
	// MIMEType is the declared type of the input.
	MIMEType string

	// Err is the underlying decode or resample failure.
	Err error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("audio: transcode %q: %v", e.MIMEType, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Transcoder converts arbitrary captured audio to canonical mono 16-bit PCM
// WAV at a fixed sample rate. It is stateless and safe for concurrent use.
type Transcoder struct {
	decoder    Decoder
	targetRate int
}

// TranscoderOption configures a [Transcoder].
type TranscoderOption func(*Transcoder)

// WithTargetRate overrides the output sample rate. The default is
// [DefaultSampleRate].
func WithTargetRate(rate int) TranscoderOption {
	return func(t *Transcoder) {
		if rate > 0 {
			t.targetRate = rate
		}
	}
}

// WithDecoder replaces the built-in sniffing decoder.
func WithDecoder(d Decoder) TranscoderOption {
	return func(t *Transcoder) {
		if d != nil {
			t.decoder = d
		}
	}
}

// NewTranscoder returns a [Transcoder] backed by [NewSniffingDecoder] unless
// [WithDecoder] is given.
func NewTranscoder(opts ...TranscoderOption) *Transcoder {
	t := &Transcoder{
		decoder:    NewSniffingDecoder(),
		targetRate: DefaultSampleRate,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TargetRate returns the output sample rate.
func (t *Transcoder) TargetRate() int { return t.targetRate }

// Transcode decodes in, mixes it down to mono by per-sample mean, resamples it
// to the target rate, quantizes it to int16 and wraps it in a canonical WAV
// header.
//
// The returned blob is always usable. When any step fails (including a panic
// inside a decoder) the original input is returned untouched together with a
// *[TranscodeError]; callers are expected to log it and carry on.
func (t *Transcoder) Transcode(in Blob) (out Blob, dur time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, dur = in, 0
			err = &TranscodeError{MIMEType: in.MIMEType, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	wav, dur, err := t.transcode(in)
	if err != nil {
		return in, 0, &TranscodeError{MIMEType: in.MIMEType, Err: err}
	}
	return Blob{Data: wav, MIMEType: MIMETypeWAV}, dur, nil
}

func (t *Transcoder) transcode(in Blob) ([]byte, time.Duration, error) {
	if len(in.Data) == 0 {
		return nil, 0, errors.New("empty input")
	}
	pcm, err := t.decoder.Decode(in)
	if err != nil {
		return nil, 0, err
	}
	if len(pcm.Channels) == 0 || pcm.Frames() == 0 {
		return nil, 0, errors.New("decoded audio has no samples")
	}

	mono := MixDown(pcm.Channels)
	resampled, err := Resample(mono, pcm.SampleRate, t.targetRate)
	if err != nil {
		return nil, 0, err
	}

	wav, err := EncodeWAV(Quantize(resampled), t.targetRate)
	if err != nil {
		return nil, 0, err
	}
	dur := time.Duration(len(resampled)) * time.Second / time.Duration(t.targetRate)
	return wav, dur, nil
}
