package ml

import "context"

// UnknownSpeaker is the defined attribution when diarization is
// unavailable or has no enrolled speakers. It is not an error.
const UnknownSpeaker = "unknown"

// TranscriptionResult captures speech-to-text output.
type TranscriptionResult struct {
	Text     string
	Language string
}

// SpeakerCandidate is one scored enrollment match.
type SpeakerCandidate struct {
	SpeakerID  string  `json:"speaker_id"`
	Confidence float64 `json:"confidence"`
}

// DiarizationResult attributes an audio segment to an enrolled speaker.
type DiarizationResult struct {
	SpeakerID    string
	Confidence   float64
	Alternatives []SpeakerCandidate
}

// FallbackDiarization is the substitute used when the diarization
// service fails or no speakers are enrolled.
func FallbackDiarization() DiarizationResult {
	return DiarizationResult{SpeakerID: UnknownSpeaker, Confidence: 0}
}

// IntentResult reports whether an utterance warrants a narrator response.
type IntentResult struct {
	ShouldRespond bool
	Confidence    float64
	IntentType    string
}

// KnowledgePassage is one ranked result from the campaign knowledge base.
type KnowledgePassage struct {
	ID         string
	Title      string
	Category   string
	Content    string
	Tags       []string
	Similarity float64
}

// SynthesisResult holds synthesized speech audio.
type SynthesisResult struct {
	Audio  []byte
	Format string
}

// HealthReport mirrors the sidecar health endpoint.
type HealthReport struct {
	Status   string
	Services map[string]bool
}

// Transcriber converts a PCM buffer to text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptionResult, error)
}

// Diarizer attributes a PCM buffer to an enrolled speaker.
type Diarizer interface {
	Diarize(ctx context.Context, samples []float32, sampleRate int) (DiarizationResult, error)
}

// IntentDetector judges whether the utterance calls for a response.
// A threshold <= 0 means the service default applies.
type IntentDetector interface {
	DetectIntent(ctx context.Context, text string, threshold float64) (IntentResult, error)
}

// KnowledgeSearcher queries the semantic store. An empty result list is
// a valid outcome, not an error.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgePassage, error)
}

// Synthesizer turns response text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (SynthesisResult, error)
}
