package protocol

import "time"

// AudioFrame carries PCM audio pushed by the capture source.
type AudioFrame struct {
	Source     string `json:"source"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// TranscriptSegment is one transcribed, speaker-attributed utterance.
// Segments are published in chunk-capture order.
type TranscriptSegment struct {
	ID         string    `json:"id"`
	SpeakerID  string    `json:"speaker_id,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Edited     bool      `json:"edited"`
}

// SpeakerCandidate is one entry of a diarization alternatives list.
type SpeakerCandidate struct {
	SpeakerID  string  `json:"speaker_id"`
	Confidence float64 `json:"confidence"`
}

// LowConfidenceSpeaker is an advisory event asking a human to confirm
// or correct an uncertain speaker attribution.
type LowConfidenceSpeaker struct {
	Segment    TranscriptSegment  `json:"segment"`
	Candidates []SpeakerCandidate `json:"candidates"`
}

// DMResponse is the narrator output for one chunk. Audio is empty when
// synthesis failed or was skipped; Text is always present.
type DMResponse struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	NPCVoice    string    `json:"npc_voice,omitempty"`
	Audio       []byte    `json:"audio,omitempty"`
	AudioFormat string    `json:"audio_format,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ServiceHealth reports the state of one external collaborator.
type ServiceHealth struct {
	Name      string    `json:"name"`
	State     string    `json:"state"` // starting, checking, ready, error, stopped
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Control messages sent by the external UI.
type SceneModeUpdate struct {
	Mode string `json:"mode"`
}

type SceneDescriptionUpdate struct {
	Description string `json:"description"`
}

type ActiveNPCUpdate struct {
	NPCs []string `json:"npcs"`
}

type CharacterStatsUpdate struct {
	Summary string `json:"summary"`
}

type ForceResponseRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

const (
	SubjectAudioFramePrefix = "dm.audio.frame"

	SubjectTranscriptSegment    = "dm.transcript.segment"
	SubjectSpeakerLowConfidence = "dm.speaker.lowconfidence"
	SubjectResponse             = "dm.response"
	SubjectHealth               = "dm.health"

	SubjectControlSceneMode        = "dm.control.scene.mode"
	SubjectControlSceneDescription = "dm.control.scene.description"
	SubjectControlNPCs             = "dm.control.npcs"
	SubjectControlCharacter        = "dm.control.character"
	SubjectControlClearHistory     = "dm.control.history.clear"
	SubjectControlForceResponse    = "dm.control.force"
)
