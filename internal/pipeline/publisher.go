package pipeline

import (
	"log/slog"

	"github.com/sam2332/vtt-tts-llm-dm/internal/bus"
	"github.com/sam2332/vtt-tts-llm-dm/internal/protocol"
)

// BusPublisher mirrors pipeline outputs onto the message bus so UI
// clients and other processes can subscribe to them.
type BusPublisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewBusPublisher(client *bus.Client, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{
		bus: client,
		log: logger.With(slog.String("component", "pipeline.publisher")),
	}
}

func (p *BusPublisher) OnTranscriptSegment(seg protocol.TranscriptSegment) {
	p.publish(protocol.SubjectTranscriptSegment, seg)
}

func (p *BusPublisher) OnLowConfidenceSpeaker(adv protocol.LowConfidenceSpeaker) {
	p.publish(protocol.SubjectSpeakerLowConfidence, adv)
}

func (p *BusPublisher) OnDMResponse(resp protocol.DMResponse) {
	p.publish(protocol.SubjectResponse, resp)
}

func (p *BusPublisher) publish(subject string, payload any) {
	if err := p.bus.PublishJSON(subject, payload); err != nil {
		p.log.Warn("publish to bus failed", slog.String("subject", subject), slogError(err))
	}
}
