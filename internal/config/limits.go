package config

// LimitsConfig configures daily quota enforcement.
type LimitsConfig struct {
	// Maximum emails a student may send per civil day.
	EmailDailyMax int `yaml:"email_daily_max"`

	// Maximum tickets a student may create per civil day.
	TicketDailyMax int `yaml:"ticket_daily_max"`

	// Timezone defining the civil-day boundary for quota rollover.
	// The process may run in any timezone; day keys always use this one.
	CivilTimezone string `yaml:"civil_timezone"`
}

// FlowConfig configures the flow-pause store.
type FlowConfig struct {
	// Inactivity TTL for paused flows.
	TTL string `yaml:"ttl"`

	// Session inactivity timeout.
	SessionTimeout string `yaml:"session_timeout"`
}

// DedupConfig configures the request deduplication cache.
type DedupConfig struct {
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// RetrievalConfig configures the policy-corpus retrieval engine.
type RetrievalConfig struct {
	// Nearest-chunk count for generic FAQ queries.
	K int `yaml:"k"`

	// Nearest-chunk count for course/program queries.
	CourseK int `yaml:"course_k"`

	// Chunking parameters (characters).
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Directory holding the policy corpus documents.
	CorpusDir string `yaml:"corpus_dir"`

	// Re-ingest automatically when corpus files change.
	WatchCorpus bool `yaml:"watch_corpus"`
}

// ThresholdsConfig holds the per-intent confidence thresholds consumed by the
// orchestrator's clarification gate.
type ThresholdsConfig struct {
	FAQ          float64 `yaml:"faq"`
	Email        float64 `yaml:"email"`
	Ticket       float64 `yaml:"ticket"`
	TicketStatus float64 `yaml:"ticket_status"`
	Greeting     float64 `yaml:"greeting"`
}

// DefaultThresholds returns the standard confidence thresholds.
func DefaultThresholds() ThresholdsConfig {
	return ThresholdsConfig{
		FAQ:          0.45,
		Email:        0.65,
		Ticket:       0.65,
		TicketStatus: 0.50,
		Greeting:     0.30,
	}
}
