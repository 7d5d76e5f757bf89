package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vocalcheck/pkg/audio"
)

// executeCommand runs a cobra command with the given args and captures combined output.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	_, err := root.ExecuteC()
	return buf.String(), err
}

func writeToneWAV(t *testing.T, path string) {
	t.Helper()
	// 100ms square wave at 44.1 kHz, resampled by the command.
	samples := make([]int16, 4410)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8192
		} else {
			samples[i] = -8192
		}
	}
	data, err := audio.EncodeWAV(samples, 44100)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTranscode(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	out := filepath.Join(dir, "out.wav")
	writeToneWAV(t, in)

	got, err := executeCommand(newRootCmd(), "transcode", in, out, "--rate", "16000")
	if err != nil {
		t.Fatalf("transcode: %v\n%s", err, got)
	}
	if !strings.Contains(got, "16000 Hz") {
		t.Errorf("output %q does not report the target rate", got)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	info, err := audio.ParseWAVHeader(data)
	if err != nil {
		t.Fatalf("ParseWAVHeader: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("header = %+v, want 16000 Hz mono 16-bit", info)
	}
}

func TestTranscode_RawPCM(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcm")
	out := filepath.Join(dir, "out.wav")
	// 480 stereo frames of silence.
	if err := os.WriteFile(in, make([]byte, 480*2*2), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := executeCommand(newRootCmd(), "transcode", in, out, "--pcm-rate", "48000", "--pcm-channels", "2")
	if err != nil {
		t.Fatalf("transcode: %v\n%s", err, got)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	info, err := audio.ParseWAVHeader(data)
	if err != nil {
		t.Fatalf("ParseWAVHeader: %v", err)
	}
	if info.Samples() != 480 {
		t.Errorf("samples = %d, want 480", info.Samples())
	}
}

func TestTranscode_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.bin")
	if err := os.WriteFile(garbage, []byte("definitely not audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing input", args: []string{"transcode", filepath.Join(dir, "nope.wav"), filepath.Join(dir, "o.wav")}},
		{name: "undecodable input", args: []string{"transcode", garbage, filepath.Join(dir, "o.wav")}},
		{name: "wrong arg count", args: []string{"transcode", garbage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := executeCommand(newRootCmd(), tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := os.Stat(filepath.Join(dir, "o.wav")); !os.IsNotExist(err) {
		t.Errorf("output written despite failure: %v", err)
	}
}

func TestStages(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := `stages:
  - id: 1
    title: Calibration
    kind: recording
    required: 1
  - id: 2
    title: Pitch glides
    kind: recording
    required: 2
    labels: [up, down]
  - id: 3
    title: Questionnaires
    kind: questionnaire
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := executeCommand(newRootCmd(), "stages", "--config", path)
	if err != nil {
		t.Fatalf("stages: %v\n%s", err, got)
	}
	for _, want := range []string{"Calibration", "1_1.wav", "2_1.wav (up)", "2_2.wav (down)", "questionnaire"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestStages_MissingConfig(t *testing.T) {
	t.Parallel()
	if _, err := executeCommand(newRootCmd(), "stages", "--config", filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected an error for a missing config")
	}
}
