package schemas

import "time"

// -- Scheduling Output Models --

// Plan is the per-attempt execution decision: which identity, which egress,
// and when. It is ephemeral; the dispatch audit log keeps history but no
// live state is ever rebuilt from a Plan.
type Plan struct {
	ID         string        `json:"id"`
	Handle     string        `json:"handle"`
	SessionKey string        `json:"session_key,omitempty"`
	Domain     string        `json:"domain"`
	ProfileID  string        `json:"profile_id"`
	ProxyID    string        `json:"proxy_id"`
	DispatchAt time.Time     `json:"dispatch_at"`
	Jitter     time.Duration `json:"jitter"`
	Attempt    int           `json:"attempt"`
}

// OutcomeKind classifies what happened to one executed plan.
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeRateLimited  OutcomeKind = "rate_limited"
	OutcomeCaptcha      OutcomeKind = "captcha"
	OutcomeProxyFailure OutcomeKind = "proxy_failure"
	OutcomeTimeout      OutcomeKind = "timeout"
)

// Negative reports whether the kind is a domain-side defensive signal that
// must grow backoff.
func (k OutcomeKind) Negative() bool {
	return k == OutcomeRateLimited || k == OutcomeCaptcha
}

// ProxyFault reports whether the kind indicts the egress endpoint. A timeout
// is treated exactly like a connection failure.
func (k OutcomeKind) ProxyFault() bool {
	return k == OutcomeProxyFailure || k == OutcomeTimeout
}

// Outcome is the caller's report for one executed plan.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
	At         time.Time     `json:"at,omitempty"`
}

// ResultStatus is the terminal disposition of an intent.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// Result notifies the caller that an intent reached a terminal state. For
// failures the last observed outcome rides along.
type Result struct {
	Handle      string       `json:"handle"`
	Status      ResultStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastOutcome *Outcome     `json:"last_outcome,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// RateSnapshot is one domain's pacing state as persisted between runs.
type RateSnapshot struct {
	Domain        string    `json:"domain"`
	Regime        string    `json:"regime"`
	Multiplier    float64   `json:"multiplier"`
	PermittedRPM  float64   `json:"permitted_rpm"`
	SuccessStreak int       `json:"success_streak"`
	NextDispatch  time.Time `json:"next_dispatch"`
	UpdatedAt     time.Time `json:"updated_at"`
}
