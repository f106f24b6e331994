package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "gladia"},
	"tts":        {"elevenlabs", "kokoro"},
	"vad":        {"energy"},
	"embeddings": {"openai", "ollama"},
}

// KnownToolSlugs lists the tool slugs shipped with the server. Agent tool
// bindings referencing other slugs get a warning, not an error, so deployments
// can carry forward configs for tools added later.
var KnownToolSlugs = []string{"product_stock", "order_lookup"}

// envRef matches ${VAR} references in the raw config text.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. ${VAR} references anywhere in the file are replaced with the
// corresponding environment variable before parsing, so secrets never need
// to live in the file itself.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = ExpandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${VAR} reference in data with the value of the
// environment variable VAR. Unset variables expand to the empty string and
// log a warning, since a silently missing secret is the usual cause of
// confusing auth failures later.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		value, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config: referenced environment variable is not set", "var", name)
		}
		return []byte(value)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Database availability
	if cfg.Database.PostgresDSN == "" && len(cfg.Agents) > 0 {
		errs = append(errs, errors.New("database.postgres_dsn is required when agents are configured"))
	}

	// Sync intervals
	if cfg.Sync.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("sync.sweep_interval_seconds %d is negative", cfg.Sync.SweepIntervalSeconds))
	}
	if cfg.Sync.DefaultIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("sync.default_interval_seconds %d is negative", cfg.Sync.DefaultIntervalSeconds))
	}

	// Agents
	ragConfigured := false
	slugsSeen := make(map[string]int, len(cfg.Agents))
	for i, agent := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if agent.Slug == "" {
			errs = append(errs, fmt.Errorf("%s.slug is required", prefix))
		} else {
			if prev, ok := slugsSeen[agent.Slug]; ok {
				errs = append(errs, fmt.Errorf("%s.slug %q is a duplicate of agents[%d]", prefix, agent.Slug, prev))
			}
			slugsSeen[agent.Slug] = i
		}
		if agent.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if agent.SystemPrompt == "" {
			errs = append(errs, fmt.Errorf("%s.system_prompt is required", prefix))
		}
		if agent.Temperature < 0 || agent.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, agent.Temperature))
		}
		if agent.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens %d is negative", prefix, agent.MaxTokens))
		}
		if agent.RAG.Enabled {
			ragConfigured = true
		}

		// Voice provider ↔ TTS provider cross-validation
		if agent.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && agent.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("agent voice provider does not match configured TTS provider",
				"agent", agent.Slug,
				"voice_provider", agent.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}

		toolsSeen := make(map[string]int, len(agent.Tools))
		for j, tool := range agent.Tools {
			tprefix := fmt.Sprintf("%s.tools[%d]", prefix, j)
			if tool.Tool == "" {
				errs = append(errs, fmt.Errorf("%s.tool is required", tprefix))
			} else {
				if prev, ok := toolsSeen[tool.Tool]; ok {
					errs = append(errs, fmt.Errorf("%s.tool %q is a duplicate of %s.tools[%d]", tprefix, tool.Tool, prefix, prev))
				}
				toolsSeen[tool.Tool] = j
				if !slices.Contains(KnownToolSlugs, tool.Tool) {
					slog.Warn("unknown tool slug — may be a typo or a tool from a newer release",
						"agent", agent.Slug, "tool", tool.Tool, "known", KnownToolSlugs)
				}
			}
			if tool.Integration == "" {
				errs = append(errs, fmt.Errorf("%s.integration is required", tprefix))
			}
			if tool.SyncIntervalSeconds < 0 {
				errs = append(errs, fmt.Errorf("%s.sync_interval_seconds %d is negative", tprefix, tool.SyncIntervalSeconds))
			}
			if tool.MaxProducts < 0 {
				errs = append(errs, fmt.Errorf("%s.max_products %d is negative", tprefix, tool.MaxProducts))
			}
		}
	}

	// Retrieval needs an embeddings provider.
	if ragConfigured && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("agents configure rag.enabled but providers.embeddings is not set"))
	}
	if ragConfigured && cfg.RAG.Collection == "" {
		errs = append(errs, errors.New("agents configure rag.enabled but rag.collection is not set"))
	}
	if cfg.RAG.TopK < 0 {
		errs = append(errs, fmt.Errorf("rag.top_k %d is negative", cfg.RAG.TopK))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
