package audio

import (
	"math"
	"mime"
	"strconv"
	"strings"
)

// PCMStats describes one s16le mono payload.
type PCMStats struct {
	Samples    int
	RMS        float64
	Peak       float64
	DurationMS int64
}

// AnalyzePCM measures s16le mono PCM in a single pass. RMS and Peak are
// normalized to [0, 1]; a trailing odd byte is ignored. DurationMS is zero
// when sampleRateHz is unknown.
func AnalyzePCM(pcm []byte, sampleRateHz int) PCMStats {
	n := len(pcm) / 2
	if n == 0 {
		return PCMStats{}
	}
	var sumSq, peak float64
	for i := 0; i < n; i++ {
		v := float64(int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8)) / 32768
		sumSq += v * v
		peak = math.Max(peak, math.Abs(v))
	}
	st := PCMStats{
		Samples: n,
		RMS:     math.Min(1, math.Sqrt(sumSq/float64(n))),
		Peak:    math.Min(1, peak),
	}
	if sampleRateHz > 0 {
		st.DurationMS = int64(n) * 1000 / int64(sampleRateHz)
	}
	return st
}

// PCMRate returns the sample rate declared by an "audio/pcm;rate=N" MIME
// type, or 0 when mimeType is not raw PCM or carries no usable rate.
func PCMRate(mimeType string) int {
	media, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.EqualFold(media, "audio/pcm") {
		return 0
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0
	}
	return rate
}
