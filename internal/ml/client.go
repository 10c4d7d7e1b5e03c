package ml

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
)

// Client talks to the ML sidecar over its JSON/base64-WAV HTTP surface.
// Every call carries its own deadline; the shared http.Client has no
// global timeout so slow endpoints cannot starve fast ones.
type Client struct {
	cfg  config.MLConfig
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg config.MLConfig, log *slog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
		log:  log.With(slog.String("component", "ml-client")),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, timeoutMS int, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.Endpoint, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		var errResp errorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s returned %s: %s", path, resp.Status, errResp.Error)
		}
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

type transcribeRequest struct {
	AudioData     string `json:"audio_data"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (c *Client) Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptionResult, error) {
	wavData, err := encodeWAV(samples, sampleRate)
	if err != nil {
		return TranscriptionResult{}, err
	}
	req := transcribeRequest{
		AudioData:     base64.StdEncoding.EncodeToString(wavData),
		InitialPrompt: c.cfg.InitialPrompt,
	}
	var resp transcribeResponse
	if err := c.post(ctx, "/transcribe", c.cfg.TranscribeTimeoutMS, req, &resp); err != nil {
		return TranscriptionResult{}, err
	}
	return TranscriptionResult{Text: strings.TrimSpace(resp.Text), Language: resp.Language}, nil
}

type diarizeRequest struct {
	AudioData string `json:"audio_data"`
}

type diarizeResponse struct {
	SpeakerID    string             `json:"speaker_id"`
	Confidence   float64            `json:"confidence"`
	Alternatives []SpeakerCandidate `json:"alternatives"`
}

func (c *Client) Diarize(ctx context.Context, samples []float32, sampleRate int) (DiarizationResult, error) {
	wavData, err := encodeWAV(samples, sampleRate)
	if err != nil {
		return DiarizationResult{}, err
	}
	req := diarizeRequest{AudioData: base64.StdEncoding.EncodeToString(wavData)}
	var resp diarizeResponse
	if err := c.post(ctx, "/diarize", c.cfg.DiarizeTimeoutMS, req, &resp); err != nil {
		return DiarizationResult{}, err
	}
	return DiarizationResult{
		SpeakerID:    resp.SpeakerID,
		Confidence:   resp.Confidence,
		Alternatives: resp.Alternatives,
	}, nil
}

type enrollRequest struct {
	SpeakerID string `json:"speaker_id"`
	AudioData string `json:"audio_data"`
}

// EnrollSpeaker registers a reference voice sample for a speaker.
func (c *Client) EnrollSpeaker(ctx context.Context, speakerID string, samples []float32, sampleRate int) error {
	wavData, err := encodeWAV(samples, sampleRate)
	if err != nil {
		return err
	}
	req := enrollRequest{SpeakerID: speakerID, AudioData: base64.StdEncoding.EncodeToString(wavData)}
	return c.post(ctx, "/enroll", c.cfg.DiarizeTimeoutMS, req, nil)
}

type intentRequest struct {
	Text      string  `json:"text"`
	Threshold float64 `json:"threshold,omitempty"`
}

type intentResponse struct {
	ShouldRespond bool    `json:"should_respond"`
	Confidence    float64 `json:"confidence"`
	IntentType    string  `json:"intent_type"`
}

func (c *Client) DetectIntent(ctx context.Context, text string, threshold float64) (IntentResult, error) {
	var resp intentResponse
	if err := c.post(ctx, "/detect_intent", c.cfg.IntentTimeoutMS, intentRequest{Text: text, Threshold: threshold}, &resp); err != nil {
		return IntentResult{}, err
	}
	return IntentResult{
		ShouldRespond: resp.ShouldRespond,
		Confidence:    resp.Confidence,
		IntentType:    resp.IntentType,
	}, nil
}

type knowledgeSearchRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
}

type knowledgeSearchResponse struct {
	Results []struct {
		ID         string   `json:"id"`
		Title      string   `json:"title"`
		Category   string   `json:"category"`
		Content    string   `json:"content"`
		Tags       []string `json:"tags"`
		Similarity float64  `json:"similarity"`
	} `json:"results"`
}

func (c *Client) SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgePassage, error) {
	var resp knowledgeSearchResponse
	if err := c.post(ctx, "/search_knowledge", c.cfg.KnowledgeTimeoutMS, knowledgeSearchRequest{Query: query, NResults: limit}, &resp); err != nil {
		return nil, err
	}
	passages := make([]KnowledgePassage, 0, len(resp.Results))
	for _, r := range resp.Results {
		passages = append(passages, KnowledgePassage{
			ID:         r.ID,
			Title:      r.Title,
			Category:   r.Category,
			Content:    r.Content,
			Tags:       r.Tags,
			Similarity: r.Similarity,
		})
	}
	return passages, nil
}

type addKnowledgeRequest struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
}

// AddKnowledge upserts a campaign knowledge entry into the semantic store.
func (c *Client) AddKnowledge(ctx context.Context, id, category, title, content string, tags []string) error {
	req := addKnowledgeRequest{ID: id, Category: category, Title: title, Content: content, Tags: tags}
	return c.post(ctx, "/add_knowledge", c.cfg.KnowledgeTimeoutMS, req, nil)
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type synthesizeResponse struct {
	AudioData string `json:"audio_data"`
	Format    string `json:"format"`
}

func (c *Client) Synthesize(ctx context.Context, text, voice string) (SynthesisResult, error) {
	var resp synthesizeResponse
	if err := c.post(ctx, "/synthesize", c.cfg.SynthesizeTimeoutMS, synthesizeRequest{Text: text, Voice: voice}, &resp); err != nil {
		return SynthesisResult{}, err
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioData)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("decode synthesized audio: %w", err)
	}
	return SynthesisResult{Audio: audio, Format: resp.Format}, nil
}

type healthResponse struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services"`
}

// Health probes the sidecar health endpoint.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.HealthIntervalMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.Endpoint, "/")+"/health", nil)
	if err != nil {
		return HealthReport{}, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthReport{}, fmt.Errorf("call health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return HealthReport{}, fmt.Errorf("health returned %s", resp.Status)
	}
	var parsed healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return HealthReport{}, fmt.Errorf("decode health response: %w", err)
	}
	return HealthReport{Status: parsed.Status, Services: parsed.Services}, nil
}
