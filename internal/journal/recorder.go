package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/sam2332/vtt-tts-llm-dm/internal/protocol"
)

const appendTimeout = 5 * time.Second

// Recorder journals pipeline outputs for one game session. It plugs
// into the pipeline as an observer; write failures are logged and never
// block the worker.
type Recorder struct {
	store     *Store
	sessionID string
	log       *slog.Logger
}

func NewRecorder(store *Store, sessionID string, logger *slog.Logger) (*Recorder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := store.StartSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return &Recorder{
		store:     store,
		sessionID: sessionID,
		log:       logger.With(slog.String("component", "journal"), slog.String("session_id", sessionID)),
	}, nil
}

func (r *Recorder) OnTranscriptSegment(seg protocol.TranscriptSegment) {
	r.append(Entry{
		SessionID:  r.sessionID,
		Kind:       KindTranscript,
		SpeakerID:  seg.SpeakerID,
		Text:       seg.Text,
		Confidence: seg.Confidence,
		CreatedAt:  seg.Timestamp.UTC(),
	})
}

// Advisories are transient UI events, not part of the session record.
func (r *Recorder) OnLowConfidenceSpeaker(protocol.LowConfidenceSpeaker) {}

func (r *Recorder) OnDMResponse(resp protocol.DMResponse) {
	r.append(Entry{
		SessionID: r.sessionID,
		Kind:      KindResponse,
		Text:      resp.Text,
		NPCVoice:  resp.NPCVoice,
		CreatedAt: resp.Timestamp.UTC(),
	})
}

func (r *Recorder) append(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		r.log.Warn("journal append failed", slog.String("kind", e.Kind), slog.String("error", err.Error()))
	}
}
