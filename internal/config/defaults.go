package config

import (
	"slices"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/stimmwerk/voxbroker/pkg/provider/embeddings"
	embollama "github.com/stimmwerk/voxbroker/pkg/provider/embeddings/ollama"
	embopenai "github.com/stimmwerk/voxbroker/pkg/provider/embeddings/openai"
	"github.com/stimmwerk/voxbroker/pkg/provider/llm"
	"github.com/stimmwerk/voxbroker/pkg/provider/llm/anyllm"
	llmopenai "github.com/stimmwerk/voxbroker/pkg/provider/llm/openai"
	"github.com/stimmwerk/voxbroker/pkg/provider/stt"
	"github.com/stimmwerk/voxbroker/pkg/provider/stt/deepgram"
	"github.com/stimmwerk/voxbroker/pkg/provider/stt/gladia"
	"github.com/stimmwerk/voxbroker/pkg/provider/tts"
	"github.com/stimmwerk/voxbroker/pkg/provider/tts/elevenlabs"
	"github.com/stimmwerk/voxbroker/pkg/provider/tts/kokoro"
	"github.com/stimmwerk/voxbroker/pkg/provider/vad"
	"github.com/stimmwerk/voxbroker/pkg/provider/vad/energy"
)

// anyLLMBackends are the provider names routed through the any-llm-go driver.
// "openai" is not among them: it gets the native driver with streaming
// tool-call support.
var anyLLMBackends = []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// RegisterDefaults installs the factories for every provider implementation
// shipped with the server. Call once at startup before Create* lookups;
// embedders, sidecars and alternative backends can be layered on top with
// further Register* calls.
func RegisterDefaults(r *Registry) {
	r.RegisterLLM("openai", func(entry ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})
	for _, backend := range anyLLMBackends {
		r.RegisterLLM(backend, anyLLMFactory(backend))
	}

	r.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})
	r.RegisterSTT("gladia", func(entry ProviderEntry) (stt.Provider, error) {
		var opts []gladia.Option
		if entry.BaseURL != "" {
			opts = append(opts, gladia.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, gladia.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, gladia.WithLanguage(lang))
		}
		return gladia.New(entry.APIKey, opts...)
	})

	r.RegisterTTS("elevenlabs", func(entry ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
	r.RegisterTTS("kokoro", func(entry ProviderEntry) (tts.Provider, error) {
		var opts []kokoro.Option
		if entry.BaseURL != "" {
			opts = append(opts, kokoro.WithEndpoint(entry.BaseURL))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, kokoro.WithSampleRate(rate))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, kokoro.WithLanguage(lang))
		}
		return kokoro.New(opts...)
	})

	r.RegisterVAD("energy", func(entry ProviderEntry) (vad.Engine, error) {
		return &energy.Engine{
			SpeechRatio: optFloat(entry.Options, "speech_ratio"),
			MinRMS:      optFloat(entry.Options, "min_rms"),
		}, nil
	})

	r.RegisterEmbeddings("openai", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, embopenai.WithDimensions(dims))
		}
		return embopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []embollama.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, embollama.WithDimensions(dims))
		}
		if keep := optInt(entry.Options, "keep_alive_seconds"); keep > 0 {
			opts = append(opts, embollama.WithKeepAlive(time.Duration(keep)*time.Second))
		}
		return embollama.New(entry.BaseURL, entry.Model, opts...)
	})
}

// IsLocalProvider reports whether the named provider of the given kind runs
// on-box rather than against a hosted API. The sync indexer uses this to pick
// the smaller embedding sub-batch for local models.
func IsLocalProvider(kind, name string) bool {
	switch kind {
	case "embeddings":
		return name == "ollama"
	case "llm":
		return slices.Contains([]string{"ollama", "llamacpp", "llamafile"}, name)
	case "tts":
		return name == "kokoro"
	case "vad":
		return name == "energy"
	}
	return false
}

func anyLLMFactory(backend string) func(ProviderEntry) (llm.Provider, error) {
	return func(entry ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	}
}

// optString reads a string-valued option, tolerating absence.
func optString(options map[string]any, key string) string {
	if v, ok := options[key].(string); ok {
		return v
	}
	return ""
}

// optInt reads an integer option. YAML decodes whole numbers as int.
func optInt(options map[string]any, key string) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optFloat reads a float option, accepting YAML's int decoding of 2 vs 2.0.
func optFloat(options map[string]any, key string) float64 {
	switch v := options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
