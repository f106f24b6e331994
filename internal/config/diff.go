package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider or
// database changes require a restart and are deliberately ignored here.
type ConfigDiff struct {
	AgentsChanged   bool        // true if any agent prompt, greeting, or voice changed
	AgentChanges    []AgentDiff // per-agent diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	Slug            string
	PromptChanged   bool
	GreetingChanged bool
	VoiceChanged    bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: running
// sessions pick up new prompts and voices on their next turn.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].Slug] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].Slug] = &new.Agents[i]
	}

	// Detect modified and removed agents.
	for slug, oldAgent := range oldAgents {
		newAgent, exists := newAgents[slug]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				Slug:    slug,
				Removed: true,
			})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(slug, oldAgent, newAgent)
		if ad.PromptChanged || ad.GreetingChanged || ad.VoiceChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}

	// Detect added agents.
	for slug := range newAgents {
		if _, exists := oldAgents[slug]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				Slug:  slug,
				Added: true,
			})
			d.AgentsChanged = true
		}
	}

	return d
}

// diffAgent compares two agent configs with the same slug.
func diffAgent(slug string, old, new *AgentConfig) AgentDiff {
	ad := AgentDiff{Slug: slug}

	if old.SystemPrompt != new.SystemPrompt {
		ad.PromptChanged = true
	}
	if old.Greeting != new.Greeting {
		ad.GreetingChanged = true
	}
	if old.Voice != new.Voice {
		ad.VoiceChanged = true
	}

	return ad
}
