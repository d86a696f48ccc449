package s2s

// Protocol-fixed audio rates. Input is always resampled to InputSampleRate
// before transmission; the model replies at OutputSampleRate.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// DefaultVoiceID is the assistant voice used when no override is configured.
const DefaultVoiceID = "matthew"

// DefaultSystemPrompt keeps spoken replies short enough for a real-time dialog.
const DefaultSystemPrompt = "You are a clinical assistant. The user and you will engage in a spoken dialog " +
	"exchanging the transcripts of a natural real-time conversation. Use the available tools to look up " +
	"patient records when asked. Keep your responses short, generally two or three sentences."

// InferenceConfig carries the sampling parameters announced in sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// DefaultInferenceConfig mirrors the model's documented defaults.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{MaxTokens: 1024, TopP: 0.95, Temperature: 0.7}
}

// TextConfig describes a text media stream.
type TextConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioInputConfig describes the microphone stream the client will send.
type AudioInputConfig struct {
	MediaType      string `json:"mediaType"`
	SampleRateHz   int    `json:"sampleRateHertz"`
	SampleSizeBits int    `json:"sampleSizeBits"`
	ChannelCount   int    `json:"channelCount"`
	AudioType      string `json:"audioType"`
	Encoding       string `json:"encoding"`
}

// AudioOutputConfig describes the assistant audio stream, including the voice.
type AudioOutputConfig struct {
	MediaType      string `json:"mediaType"`
	SampleRateHz   int    `json:"sampleRateHertz"`
	SampleSizeBits int    `json:"sampleSizeBits"`
	ChannelCount   int    `json:"channelCount"`
	VoiceID        string `json:"voiceId"`
	Encoding       string `json:"encoding"`
	AudioType      string `json:"audioType"`
}

// DefaultAudioInputConfig returns the fixed 16 kHz mono LPCM input descriptor.
func DefaultAudioInputConfig() AudioInputConfig {
	return AudioInputConfig{
		MediaType:      "audio/lpcm",
		SampleRateHz:   InputSampleRate,
		SampleSizeBits: 16,
		ChannelCount:   1,
		AudioType:      "SPEECH",
		Encoding:       "base64",
	}
}

// DefaultAudioOutputConfig returns the 24 kHz mono LPCM output descriptor.
func DefaultAudioOutputConfig(voiceID string) AudioOutputConfig {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return AudioOutputConfig{
		MediaType:      "audio/lpcm",
		SampleRateHz:   OutputSampleRate,
		SampleSizeBits: 16,
		ChannelCount:   1,
		VoiceID:        voiceID,
		Encoding:       "base64",
		AudioType:      "SPEECH",
	}
}
