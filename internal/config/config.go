package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	ML          MLConfig        `yaml:"ml"`
	LLM         LLMConfig       `yaml:"llm"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Decision    DecisionConfig  `yaml:"decision"`
	Journal     JournalConfig   `yaml:"journal"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig controls chunk assembly and the voice activity gate.
type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkIntervalMS int     `yaml:"chunk_interval_ms"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	MinVoicedMS     int     `yaml:"min_voiced_ms"`
	ZCRMin          float64 `yaml:"zcr_min"`
	ZCRMax          float64 `yaml:"zcr_max"`
}

// MLConfig points at the sidecar serving transcription, diarization,
// intent, knowledge and synthesis over HTTP.
type MLConfig struct {
	Endpoint            string `yaml:"endpoint"`
	InitialPrompt       string `yaml:"initial_prompt"`
	HealthIntervalMS    int    `yaml:"health_interval_ms"`
	TranscribeTimeoutMS int    `yaml:"transcribe_timeout_ms"`
	DiarizeTimeoutMS    int    `yaml:"diarize_timeout_ms"`
	IntentTimeoutMS     int    `yaml:"intent_timeout_ms"`
	KnowledgeTimeoutMS  int    `yaml:"knowledge_timeout_ms"`
	SynthesizeTimeoutMS int    `yaml:"synthesize_timeout_ms"`
}

type LLMConfig struct {
	Mode      string `yaml:"mode"` // mock, ollama, exec
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	MaxTokens int    `yaml:"max_tokens"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type PipelineConfig struct {
	QueueDepth       int     `yaml:"queue_depth"`
	SpeakerThreshold float64 `yaml:"speaker_confidence_threshold"`
	IntentThreshold  float64 `yaml:"intent_threshold"`
	KnowledgeLimit   int     `yaml:"knowledge_limit"`
	UtteranceWindow  int     `yaml:"utterance_window"`
	DefaultVoice     string  `yaml:"default_voice"`
}

type DecisionConfig struct {
	InitialMode            string  `yaml:"initial_mode"`
	HistorySize            int     `yaml:"history_size"`
	TemperatureCombat      float64 `yaml:"temperature_combat"`
	TemperatureExploration float64 `yaml:"temperature_exploration"`
	TemperatureRoleplay    float64 `yaml:"temperature_roleplay"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "dm-listener",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			ChunkIntervalMS: 2000,
			EnergyThreshold: 0.01,
			MinVoicedMS:     50,
			ZCRMin:          0.02,
			ZCRMax:          0.35,
		},
		ML: MLConfig{
			Endpoint:            "http://127.0.0.1:5000",
			HealthIntervalMS:    5000,
			TranscribeTimeoutMS: 30000,
			DiarizeTimeoutMS:    10000,
			IntentTimeoutMS:     10000,
			KnowledgeTimeoutMS:  10000,
			SynthesizeTimeoutMS: 30000,
		},
		LLM: LLMConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:11434",
			Model:     "llama3.2:latest",
			MaxTokens: 512,
			TimeoutMS: 60000,
		},
		Pipeline: PipelineConfig{
			QueueDepth:       10,
			SpeakerThreshold: 0.6,
			IntentThreshold:  0.75,
			KnowledgeLimit:   3,
			UtteranceWindow:  10,
			DefaultVoice:     "default",
		},
		Decision: DecisionConfig{
			InitialMode:            "exploration",
			HistorySize:            10,
			TemperatureCombat:      0.4,
			TemperatureExploration: 0.9,
			TemperatureRoleplay:    0.7,
		},
		Journal: JournalConfig{
			Path:          "./data/dm-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DM_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DM_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DM_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DM_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DM_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DM_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DM_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DM_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "DM_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DM_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "DM_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DM_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DM_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DM_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DM_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DM_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "DM_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "DM_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkIntervalMS, "DM_AUDIO_CHUNK_INTERVAL_MS")
	overrideFloat(&cfg.Audio.EnergyThreshold, "DM_AUDIO_ENERGY_THRESHOLD")
	overrideInt(&cfg.Audio.MinVoicedMS, "DM_AUDIO_MIN_VOICED_MS")
	overrideFloat(&cfg.Audio.ZCRMin, "DM_AUDIO_ZCR_MIN")
	overrideFloat(&cfg.Audio.ZCRMax, "DM_AUDIO_ZCR_MAX")
	overrideString(&cfg.ML.Endpoint, "DM_ML_ENDPOINT")
	overrideString(&cfg.ML.InitialPrompt, "DM_ML_INITIAL_PROMPT")
	overrideInt(&cfg.ML.HealthIntervalMS, "DM_ML_HEALTH_INTERVAL_MS")
	overrideInt(&cfg.ML.TranscribeTimeoutMS, "DM_ML_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.ML.DiarizeTimeoutMS, "DM_ML_DIARIZE_TIMEOUT_MS")
	overrideInt(&cfg.ML.IntentTimeoutMS, "DM_ML_INTENT_TIMEOUT_MS")
	overrideInt(&cfg.ML.KnowledgeTimeoutMS, "DM_ML_KNOWLEDGE_TIMEOUT_MS")
	overrideInt(&cfg.ML.SynthesizeTimeoutMS, "DM_ML_SYNTHESIZE_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "DM_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "DM_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Model, "DM_LLM_MODEL")
	overrideString(&cfg.LLM.Command, "DM_LLM_COMMAND")
	overrideInt(&cfg.LLM.MaxTokens, "DM_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.TimeoutMS, "DM_LLM_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.QueueDepth, "DM_PIPELINE_QUEUE_DEPTH")
	overrideFloat(&cfg.Pipeline.SpeakerThreshold, "DM_PIPELINE_SPEAKER_CONFIDENCE_THRESHOLD")
	overrideFloat(&cfg.Pipeline.IntentThreshold, "DM_PIPELINE_INTENT_THRESHOLD")
	overrideInt(&cfg.Pipeline.KnowledgeLimit, "DM_PIPELINE_KNOWLEDGE_LIMIT")
	overrideInt(&cfg.Pipeline.UtteranceWindow, "DM_PIPELINE_UTTERANCE_WINDOW")
	overrideString(&cfg.Pipeline.DefaultVoice, "DM_PIPELINE_DEFAULT_VOICE")
	overrideString(&cfg.Decision.InitialMode, "DM_DECISION_INITIAL_MODE")
	overrideInt(&cfg.Decision.HistorySize, "DM_DECISION_HISTORY_SIZE")
	overrideFloat(&cfg.Decision.TemperatureCombat, "DM_DECISION_TEMPERATURE_COMBAT")
	overrideFloat(&cfg.Decision.TemperatureExploration, "DM_DECISION_TEMPERATURE_EXPLORATION")
	overrideFloat(&cfg.Decision.TemperatureRoleplay, "DM_DECISION_TEMPERATURE_ROLEPLAY")
	overrideString(&cfg.Journal.Path, "DM_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "DM_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "DM_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "DM_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "DM_JOURNAL_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkIntervalMS <= 0 {
		return errors.New("audio.chunk_interval_ms must be positive")
	}
	if cfg.Audio.EnergyThreshold < 0 {
		return errors.New("audio.energy_threshold must be >= 0")
	}
	if cfg.Audio.ZCRMin < 0 || cfg.Audio.ZCRMax <= cfg.Audio.ZCRMin {
		return errors.New("audio.zcr_min/zcr_max must describe a non-empty band")
	}
	if cfg.ML.Endpoint == "" {
		return errors.New("ml.endpoint must not be empty")
	}
	for name, v := range map[string]int{
		"ml.transcribe_timeout_ms": cfg.ML.TranscribeTimeoutMS,
		"ml.diarize_timeout_ms":    cfg.ML.DiarizeTimeoutMS,
		"ml.intent_timeout_ms":     cfg.ML.IntentTimeoutMS,
		"ml.knowledge_timeout_ms":  cfg.ML.KnowledgeTimeoutMS,
		"ml.synthesize_timeout_ms": cfg.ML.SynthesizeTimeoutMS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return errors.New("llm.timeout_ms must be positive")
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		return errors.New("pipeline.queue_depth must be >= 1")
	}
	if cfg.Pipeline.SpeakerThreshold < 0 || cfg.Pipeline.SpeakerThreshold > 1 {
		return errors.New("pipeline.speaker_confidence_threshold must be in [0,1]")
	}
	if cfg.Pipeline.IntentThreshold < 0 || cfg.Pipeline.IntentThreshold > 1 {
		return errors.New("pipeline.intent_threshold must be in [0,1]")
	}
	if cfg.Pipeline.KnowledgeLimit <= 0 {
		return errors.New("pipeline.knowledge_limit must be >= 1")
	}
	if cfg.Pipeline.UtteranceWindow <= 0 {
		return errors.New("pipeline.utterance_window must be >= 1")
	}
	switch cfg.Decision.InitialMode {
	case "combat", "exploration", "roleplay":
	default:
		return errors.New("decision.initial_mode must be one of combat|exploration|roleplay")
	}
	if cfg.Decision.HistorySize <= 0 {
		return errors.New("decision.history_size must be >= 1")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
