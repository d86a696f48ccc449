package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clinvoice/backend/internal/model/s2s"
)

// Config aggregates every setting the service reads from the environment.
type Config struct {
	Server Server
	Model  Model
	Audio  Audio
	Store  Store
}

// Load parses the full configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServer()
	if err != nil {
		return nil, err
	}

	model, err := loadModel()
	if err != nil {
		return nil, err
	}

	audio, err := loadAudio()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Model:  model,
		Audio:  audio,
		Store:  loadStore(),
	}, nil
}

// Server holds the HTTP listener settings.
type Server struct {
	Addr string
}

func loadServer() (Server, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" and "127.0.0.1:8080" directly.
		return Server{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return Server{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return Server{Addr: ":" + port}, nil
}

// Model holds the speech-model connection and inference settings.
type Model struct {
	WebsocketURL string
	APIKey       string
	VoiceID      string
	SystemPrompt string
	ToolCatalog  string // path to a YAML tool catalog; empty means built-in
	Inference    s2s.InferenceConfig
	IdleTimeout  time.Duration
}

// Enabled reports whether a model endpoint is configured. Without one the
// server can still serve record and transcript reads.
func (m Model) Enabled() bool {
	return m.WebsocketURL != ""
}

func loadModel() (Model, error) {
	inference := s2s.DefaultInferenceConfig()

	if maxTokens, err := parseOptionalIntEnv("MODEL_MAX_TOKENS"); err != nil {
		return Model{}, err
	} else if maxTokens != nil {
		inference.MaxTokens = *maxTokens
	}

	if topP, err := parseOptionalFloatEnv("MODEL_TOP_P"); err != nil {
		return Model{}, err
	} else if topP != nil {
		inference.TopP = *topP
	}

	if temperature, err := parseOptionalFloatEnv("MODEL_TEMPERATURE"); err != nil {
		return Model{}, err
	} else if temperature != nil {
		inference.Temperature = *temperature
	}

	idle := 30 * time.Second
	if seconds, err := parseOptionalIntEnv("MODEL_IDLE_TIMEOUT"); err != nil {
		return Model{}, err
	} else if seconds != nil {
		if *seconds < 1 {
			return Model{}, fmt.Errorf("invalid MODEL_IDLE_TIMEOUT value: %d", *seconds)
		}
		idle = time.Duration(*seconds) * time.Second
	}

	return Model{
		WebsocketURL: strings.TrimSpace(os.Getenv("MODEL_WS_URL")),
		APIKey:       strings.TrimSpace(os.Getenv("MODEL_API_KEY")),
		VoiceID:      getEnvOrDefault("MODEL_VOICE_ID", s2s.DefaultVoiceID),
		SystemPrompt: getEnvOrDefault("SYSTEM_PROMPT", s2s.DefaultSystemPrompt),
		ToolCatalog:  strings.TrimSpace(os.Getenv("TOOL_CATALOG_PATH")),
		Inference:    inference,
		IdleTimeout:  idle,
	}, nil
}

// Audio holds the local capture settings. The wire rates are protocol-fixed;
// only the device-side rate and queue depth are tunable.
type Audio struct {
	NativeRate int
	QueueDepth int
	InputName  string // capture device name, driver-specific
}

func loadAudio() (Audio, error) {
	nativeRate := 44100
	if rate, err := parseOptionalIntEnv("AUDIO_NATIVE_RATE"); err != nil {
		return Audio{}, err
	} else if rate != nil {
		if *rate < 8000 {
			return Audio{}, fmt.Errorf("invalid AUDIO_NATIVE_RATE value: %d", *rate)
		}
		nativeRate = *rate
	}

	queueDepth := 16
	if depth, err := parseOptionalIntEnv("AUDIO_QUEUE_DEPTH"); err != nil {
		return Audio{}, err
	} else if depth != nil {
		if *depth < 1 {
			return Audio{}, fmt.Errorf("invalid AUDIO_QUEUE_DEPTH value: %d", *depth)
		}
		queueDepth = *depth
	}

	return Audio{
		NativeRate: nativeRate,
		QueueDepth: queueDepth,
		InputName:  strings.TrimSpace(os.Getenv("AUDIO_INPUT_DEVICE")),
	}, nil
}

// Store holds the event persistence settings.
type Store struct {
	Path string // empty disables persistence
}

func loadStore() Store {
	return Store{Path: strings.TrimSpace(os.Getenv("EVENT_STORE_PATH"))}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
