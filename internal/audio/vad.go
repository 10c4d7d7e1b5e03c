package audio

import (
	"math"

	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
)

// Gate is a stateless voice activity filter. It keeps silence away from
// the expensive downstream services using short-term energy and
// zero-crossing statistics, no model required.
type Gate struct {
	energyThreshold float64
	minVoiced       int
	zcrMin          float64
	zcrMax          float64
}

func NewGate(cfg config.AudioConfig) *Gate {
	minVoiced := cfg.MinVoicedMS * cfg.SampleRate / 1000
	return &Gate{
		energyThreshold: cfg.EnergyThreshold,
		minVoiced:       minVoiced,
		zcrMin:          cfg.ZCRMin,
		zcrMax:          cfg.ZCRMax,
	}
}

// Classify reports whether the buffer contains voiced speech. Speech is
// declared only when RMS energy clears the threshold, enough samples sit
// above the per-sample floor, and the zero-crossing rate falls in the
// band typical of voiced speech (DC hum sits below it, hiss above).
func (g *Gate) Classify(samples []float32) bool {
	if len(samples) < 2 {
		return false
	}

	var sumSquares float64
	crossings := 0
	floor := g.energyThreshold / 2
	active := 0
	for i, s := range samples {
		v := float64(s)
		sumSquares += v * v
		if math.Abs(v) > floor {
			active++
		}
		if i > 0 && (v >= 0) != (float64(samples[i-1]) >= 0) {
			crossings++
		}
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))
	if rms < 1e-6 {
		return false
	}
	if rms <= g.energyThreshold {
		return false
	}
	if active <= g.minVoiced {
		return false
	}

	zcr := float64(crossings) / float64(len(samples)-1)
	return zcr >= g.zcrMin && zcr <= g.zcrMax
}
