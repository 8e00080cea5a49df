package schemas

// -- Scheduling Input Models --

// Intent is one request the caller wants executed. The orchestrator decides
// identity, egress and timing; the caller only states the target and its
// constraints. Priority orders the queue (higher first, FIFO within a tier).
type Intent struct {
	TargetURL  string         `json:"target_url"`
	SessionKey string         `json:"session_key,omitempty"`
	Priority   int            `json:"priority"`
	Geo        GeoConstraint  `json:"geo,omitempty"`
	Cost       CostPreference `json:"cost,omitempty"`
	// Platform is an optional profile preference such as "chrome-windows".
	// Selection relaxes it before failing the intent outright.
	Platform string `json:"platform,omitempty"`
	// MaxAttempts overrides the configured retry bound when positive.
	MaxAttempts int `json:"max_attempts,omitempty"`
}
