package audio

import (
	"math"
	"testing"

	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
)

func testAudioConfig() config.AudioConfig {
	cfg := config.Default().Audio
	return cfg
}

// sine generates a voiced-like tone at the given frequency and amplitude.
func sine(freq float64, amplitude float64, durationMS int, sampleRate int) []float32 {
	n := durationMS * sampleRate / 1000
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return samples
}

func TestClassifyAcceptsVoicedTone(t *testing.T) {
	gate := NewGate(testAudioConfig())
	// 440 Hz at 16 kHz crosses zero at a rate well inside the voiced band.
	if !gate.Classify(sine(440, 0.5, 2000, 16000)) {
		t.Fatal("expected voiced tone to classify as speech")
	}
}

func TestClassifyRejectsSilence(t *testing.T) {
	gate := NewGate(testAudioConfig())
	silence := make([]float32, 2400*16) // 2.4 s of zeros at 16 kHz
	if gate.Classify(silence) {
		t.Fatal("expected silence to be rejected")
	}
}

func TestClassifyRejectsLowEnergy(t *testing.T) {
	gate := NewGate(testAudioConfig())
	if gate.Classify(sine(440, 0.001, 2000, 16000)) {
		t.Fatal("expected sub-threshold energy to be rejected")
	}
}

func TestClassifyRejectsDC(t *testing.T) {
	gate := NewGate(testAudioConfig())
	dc := make([]float32, 32000)
	for i := range dc {
		dc[i] = 0.5
	}
	if gate.Classify(dc) {
		t.Fatal("expected DC offset to be rejected by zero-crossing band")
	}
}

func TestClassifyRejectsHiss(t *testing.T) {
	gate := NewGate(testAudioConfig())
	// Alternating-sign samples cross zero every step, far above the band.
	hiss := make([]float32, 32000)
	for i := range hiss {
		if i%2 == 0 {
			hiss[i] = 0.5
		} else {
			hiss[i] = -0.5
		}
	}
	if gate.Classify(hiss) {
		t.Fatal("expected hiss to be rejected by zero-crossing band")
	}
}

func TestClassifyRejectsShortBurst(t *testing.T) {
	cfg := testAudioConfig()
	gate := NewGate(cfg)
	// 10 ms of tone padded with silence: too few energetic samples.
	burst := sine(440, 0.5, 10, cfg.SampleRate)
	padded := append(burst, make([]float32, cfg.SampleRate*2)...)
	if gate.Classify(padded) {
		t.Fatal("expected brief burst to be rejected")
	}
}

func TestClassifyEmptyBuffer(t *testing.T) {
	gate := NewGate(testAudioConfig())
	if gate.Classify(nil) || gate.Classify([]float32{0.1}) {
		t.Fatal("expected degenerate buffers to be rejected")
	}
}
