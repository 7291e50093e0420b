// Package policy is the decision core: a pure evaluation over the
// standing-orders document. It proposes nothing and touches nothing; the
// pipeline supplies a snapshot of the world and acts on the verdict.
package policy

import (
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/canonicalize"
)

// Reason codes form a closed taxonomy. Consumers switch on these values;
// new codes are an API change.
const (
	ReasonAllow              = "ALLOW"
	ReasonExplicitlyDenied   = "DENY_EXPLICITLY_DENIED"
	ReasonNotAllowed         = "DENY_NOT_ALLOWED_IN_CONDITION"
	ReasonForegroundMismatch = "DENY_FOREGROUND_MISMATCH"
	ReasonLowSTTConfidence   = "DENY_LOW_STT_CONFIDENCE"
	ReasonRateLimit          = "DENY_RATE_LIMIT"
	ReasonGuardExpression    = "DENY_GUARD_EXPRESSION"
	ReasonNeedsConfirmation  = "DENY_NEEDS_CONFIRMATION"
	ReasonPolicyInvalid      = "DENY_POLICY_INVALID"
	ReasonConfirmExpired     = "CONFIRM_EXPIRED"
	ReasonConfirmUnknown     = "CONFIRM_TOKEN_UNKNOWN"
)

// Safety classes a guard may declare.
const (
	SafetyReadOnly = "read_only"
	SafetyLowRisk  = "low_risk"
	SafetyHighRisk = "high_risk"
)

// Request is one action under evaluation. Tool must already be canonical
// (see CanonicalTool).
type Request struct {
	Condition string
	Tool      string

	// STTConfidence is nil when the request did not originate from
	// speech; the confidence floor only applies when a value is carried.
	STTConfidence *float64

	// Confirmed is set when the confirmation guard is already satisfied:
	// a valid token was consumed, or the dev confirmation path applied.
	Confirmed bool

	// Params and Context are exposed to guard expressions.
	Params  map[string]interface{}
	Context map[string]interface{}
}

// Snapshot carries the mutable world, read before evaluation so the
// decision itself stays pure.
type Snapshot struct {
	// Foreground is the current value of the app.foreground state key,
	// empty when unknown.
	Foreground string

	// History holds the timestamps of prior approved executions for this
	// (condition, tool) pair, maintained by the caller's rate recorder.
	History []time.Time

	Now time.Time
}

// Decision is the verdict for one request.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	ReasonCode  string    `json:"reason_code"`
	Detail      string    `json:"detail,omitempty"`
	Condition   string    `json:"watch_condition"`
	Tool        string    `json:"tool_name"`
	SafetyClass string    `json:"safety_class,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at_utc"`

	// ConfirmToken and ConfirmBy are populated by the engine when the
	// verdict is DENY_NEEDS_CONFIRMATION.
	ConfirmToken string    `json:"confirm_token,omitempty"`
	ConfirmBy    time.Time `json:"confirm_by_ts,omitempty"`

	// Hash is the canonical digest of the decision inputs, carried on
	// POLICY_DECISION events so replays can be compared.
	Hash string `json:"decision_hash,omitempty"`
}

func (d Decision) withHash(req Request, snap Snapshot, version string) Decision {
	var confidence interface{}
	if req.STTConfidence != nil {
		confidence = *req.STTConfidence
	}
	hash, err := canonicalize.CanonicalHash(map[string]interface{}{
		"watch_condition": d.Condition,
		"tool_name":       d.Tool,
		"reason_code":     d.ReasonCode,
		"policy_version":  version,
		"foreground":      snap.Foreground,
		"stt_confidence":  confidence,
		"confirmed":       req.Confirmed,
	})
	if err == nil {
		d.Hash = hash
	}
	return d
}

func deny(req Request, snap Snapshot, code, detail string, guard *Guard) Decision {
	d := Decision{
		Allowed:     false,
		ReasonCode:  code,
		Detail:      detail,
		Condition:   req.Condition,
		Tool:        req.Tool,
		EvaluatedAt: snap.Now,
	}
	if guard != nil {
		d.SafetyClass = guard.SafetyClass
	}
	return d
}
