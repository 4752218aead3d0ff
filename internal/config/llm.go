package config

// LLMConfig configures the generation model used by the classifier and the
// email/ticket/FAQ prompts.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Base sampling temperature for drafts.
	Temperature float64 `yaml:"temperature"`

	// Temperatures used for successive regenerate requests within a flow.
	// The source system varies temperature when the user asks for a rewrite;
	// kept as a knob rather than hard-coded.
	RegenTemperatureSteps []float64 `yaml:"regen_temperature_steps"`
}

// EmbeddingConfig configures the embedding engine behind the retrieval index.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // gemini, local
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// RegenTemperature returns the temperature to use for the nth regenerate
// request (0 = first draft).
func (c *LLMConfig) RegenTemperature(attempt int) float64 {
	if attempt <= 0 || len(c.RegenTemperatureSteps) == 0 {
		return c.Temperature
	}
	idx := attempt - 1
	if idx >= len(c.RegenTemperatureSteps) {
		idx = len(c.RegenTemperatureSteps) - 1
	}
	return c.RegenTemperatureSteps[idx]
}
