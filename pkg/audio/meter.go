package audio

import "math"

// ClipThreshold is the absolute peak amplitude at or above which a window is
// reported as clipping.
const ClipThreshold = 0.985

// silenceFloor keeps log10 finite for all-zero windows. Digital silence
// therefore measures 20*log10(1e-9) = -180 dBFS.
const silenceFloor = 1e-9

// Level is the loudness of one analysis window.
type Level struct {
	// RMSDBFS is the root-mean-square loudness in dBFS.
	RMSDBFS float64 `json:"rms_dbfs"`

	// PeakDBFS is the loudness of the largest absolute sample in dBFS.
	PeakDBFS float64 `json:"peak_dbfs"`

	// Clipping is true when the peak amplitude reached [ClipThreshold].
	Clipping bool `json:"clipping"`
}

// Measure computes the [Level] of a window of samples normalised to [-1, 1].
// It has no side effects. An empty window measures as silence.
func Measure(samples []float32) Level {
	var sumSq, peak float64
	for _, s := range samples {
		v := math.Abs(float64(s))
		sumSq += v * v
		if v > peak {
			peak = v
		}
	}
	var rms float64
	if len(samples) > 0 {
		rms = math.Sqrt(sumSq / float64(len(samples)))
	}
	// Rounding in the sum may nudge rms a hair above peak.
	rms = min(rms, peak)

	return Level{
		RMSDBFS:  toDBFS(rms),
		PeakDBFS: toDBFS(peak),
		Clipping: peak >= ClipThreshold,
	}
}

func toDBFS(amplitude float64) float64 {
	return 20 * math.Log10(amplitude+silenceFloor)
}
