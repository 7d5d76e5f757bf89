package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vocalcheck/pkg/audio"
)

func newTranscodeCmd() *cobra.Command {
	var (
		rate       int
		pcmRate    int
		pcmChannel int
	)
	cmd := &cobra.Command{
		Use:   "transcode IN OUT",
		Short: "Convert a recording to a canonical mono 16-bit WAV clip",
		Long: `Transcode decodes IN (WAV, Ogg/Opus, WebM/Opus, or raw little-endian
PCM16 when --pcm-rate is given), mixes it down to mono, resamples it and
writes a canonical WAV file to OUT. The loudness of the result is printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			blob := audio.Blob{Data: data}
			if pcmRate > 0 {
				blob.MIMEType = audio.PCMMIMEType(audio.Format{SampleRate: pcmRate, Channels: pcmChannel})
			}

			wav, dur, err := audio.NewTranscoder(audio.WithTargetRate(rate)).Transcode(blob)
			if err != nil {
				return fmt.Errorf("transcode %s: %w", in, err)
			}
			if err := os.WriteFile(out, wav.Data, 0o644); err != nil {
				return err
			}

			pcm, err := audio.DecodeWAV(wav.Data)
			if err != nil {
				return fmt.Errorf("read back %s: %w", out, err)
			}
			lvl := audio.Measure(audio.MixDown(pcm.Channels))
			cmd.Printf("%s: %s at %d Hz, rms %.1f dBFS, peak %.1f dBFS",
				out, dur, pcm.SampleRate, lvl.RMSDBFS, lvl.PeakDBFS)
			if lvl.Clipping {
				cmd.Print(", clipping")
			}
			cmd.Println()
			return nil
		},
	}
	cmd.Flags().IntVar(&rate, "rate", audio.DefaultSampleRate, "output sample rate in Hz")
	cmd.Flags().IntVar(&pcmRate, "pcm-rate", 0, "treat IN as raw PCM16 at this sample rate")
	cmd.Flags().IntVar(&pcmChannel, "pcm-channels", 1, "channel count of raw PCM16 input")
	return cmd
}
