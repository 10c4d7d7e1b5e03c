package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	chunksReceived metric.Int64Counter
	chunksDropped  metric.Int64Counter
	chunksSkipped  metric.Int64Counter
	segments       metric.Int64Counter
	responses      metric.Int64Counter
	decisions      metric.Int64Counter
	stageFailures  metric.Int64Counter
	runLatency     metric.Float64Histogram
}

func newPipelineMetrics() (*pipelineMetrics, error) {
	meter := otel.Meter("github.com/sam2332/vtt-tts-llm-dm/pipeline")
	m := &pipelineMetrics{}
	var err error
	if m.chunksReceived, err = meter.Int64Counter("dm_chunks_received_total"); err != nil {
		return nil, err
	}
	if m.chunksDropped, err = meter.Int64Counter("dm_chunks_dropped_total"); err != nil {
		return nil, err
	}
	if m.chunksSkipped, err = meter.Int64Counter("dm_chunks_skipped_total"); err != nil {
		return nil, err
	}
	if m.segments, err = meter.Int64Counter("dm_transcript_segments_total"); err != nil {
		return nil, err
	}
	if m.responses, err = meter.Int64Counter("dm_responses_total"); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("dm_decisions_total"); err != nil {
		return nil, err
	}
	if m.stageFailures, err = meter.Int64Counter("dm_stage_failures_total"); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("dm_chunk_run_seconds"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *pipelineMetrics) addStageFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *pipelineMetrics) addDecision(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *pipelineMetrics) addReceived(ctx context.Context) {
	if m != nil {
		m.chunksReceived.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) addDropped(ctx context.Context) {
	if m != nil {
		m.chunksDropped.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) addSkipped(ctx context.Context) {
	if m != nil {
		m.chunksSkipped.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) addSegment(ctx context.Context) {
	if m != nil {
		m.segments.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) addResponse(ctx context.Context) {
	if m != nil {
		m.responses.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) observeRun(ctx context.Context, seconds float64) {
	if m != nil {
		m.runLatency.Record(ctx, seconds)
	}
}
