package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrEnvelopeInvalid marks an intent body that failed schema validation.
var ErrEnvelopeInvalid = errors.New("intent envelope invalid")

// envelopeSchema is the closed contract for POST /intent bodies. The
// assist router emits schema_version 1.0; unknown fields are rejected
// so a drifting producer fails loudly instead of half-applying.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": [
    "schema_version", "request_id", "timestamp_utc", "mode", "domain",
    "urgency", "user_text", "needs_tools", "needs_clarification",
    "proposed_actions", "response_text"
  ],
  "properties": {
    "schema_version": {"const": "1.0"},
    "request_id": {"type": "string", "minLength": 1},
    "session_id": {"type": "string", "minLength": 1},
    "timestamp_utc": {"type": "string", "minLength": 1},
    "mode": {"enum": ["game", "work", "standby", "tutor"]},
    "domain": {"enum": [
      "gameplay", "lore", "astrophysics", "general_gaming", "coding",
      "networking", "system", "music", "speech", "general"
    ]},
    "urgency": {"enum": ["low", "normal", "high"]},
    "user_text": {"type": "string", "minLength": 1},
    "needs_tools": {"type": "boolean"},
    "needs_clarification": {"type": "boolean"},
    "clarification_questions": {
      "type": "array",
      "maxItems": 3,
      "items": {"type": "string", "minLength": 1}
    },
    "retrieval": {"type": "object"},
    "response_text": {"type": "string"},
    "proposed_actions": {
      "type": "array",
      "maxItems": 10,
      "items": {"$ref": "#/$defs/action"}
    }
  },
  "$defs": {
    "action": {
      "type": "object",
      "additionalProperties": false,
      "required": [
        "action_id", "tool_name", "parameters", "safety_level",
        "timeout_ms", "confidence"
      ],
      "properties": {
        "action_id": {"type": "string", "minLength": 1},
        "tool_name": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"},
        "safety_level": {"enum": ["read_only", "low_risk", "high_risk"]},
        "mode_constraints": {
          "type": "array",
          "items": {"enum": ["game", "work", "standby", "tutor"]}
        },
        "requires_confirmation": {"type": "boolean"},
        "timeout_ms": {"type": "integer", "minimum": 100, "maximum": 120000},
        "reason": {"type": "string"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

var compiledEnvelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("https://watchkeep.dev/schemas/intent.json",
		bytes.NewReader([]byte(envelopeSchema))); err != nil {
		panic(fmt.Sprintf("pipeline: add intent schema: %v", err))
	}
	s, err := c.Compile("https://watchkeep.dev/schemas/intent.json")
	if err != nil {
		panic(fmt.Sprintf("pipeline: compile intent schema: %v", err))
	}
	return s
}

// ProposedAction is one action inside an intent envelope.
type ProposedAction struct {
	ActionID             string                 `json:"action_id"`
	ToolName             string                 `json:"tool_name"`
	Parameters           map[string]interface{} `json:"parameters"`
	SafetyLevel          string                 `json:"safety_level"`
	ModeConstraints      []string               `json:"mode_constraints,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`
	TimeoutMS            int                    `json:"timeout_ms"`
	Reason               string                 `json:"reason,omitempty"`
	Confidence           float64                `json:"confidence"`
}

// Envelope is a validated intent body.
type Envelope struct {
	SchemaVersion          string                 `json:"schema_version"`
	RequestID              string                 `json:"request_id"`
	SessionID              string                 `json:"session_id,omitempty"`
	TimestampUTC           string                 `json:"timestamp_utc"`
	Mode                   string                 `json:"mode"`
	Domain                 string                 `json:"domain"`
	Urgency                string                 `json:"urgency"`
	UserText               string                 `json:"user_text"`
	NeedsTools             bool                   `json:"needs_tools"`
	NeedsClarification     bool                   `json:"needs_clarification"`
	ClarificationQuestions []string               `json:"clarification_questions,omitempty"`
	Retrieval              map[string]interface{} `json:"retrieval,omitempty"`
	ProposedActions        []ProposedAction       `json:"proposed_actions"`
	ResponseText           string                 `json:"response_text"`
}

// ParseEnvelope validates raw against the intent schema and decodes it.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	if err := compiledEnvelopeSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	if _, err := time.Parse(time.RFC3339, env.TimestampUTC); err != nil {
		return nil, fmt.Errorf("%w: timestamp_utc must be ISO-8601: %v", ErrEnvelopeInvalid, err)
	}
	return &env, nil
}
