package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrDocumentInvalid = errors.New("standing orders document invalid")
	ErrInheritsCycle   = errors.New("condition inheritance cycle")
)

// documentMajor is the standing-orders format this build understands.
const documentMajor = 1

// documentSchema validates the raw document before decoding. Pattern
// grammar: dotted lowercase segments with at most one trailing wildcard,
// or a bare "*".
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "conditions"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "defaults": {
      "type": "object",
      "properties": {
        "confirm_window_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
      },
      "additionalProperties": false
    },
    "conditions": {
      "type": "object",
      "minProperties": 1,
      "patternProperties": {
        "^[A-Z][A-Z0-9_]*$": {
          "type": "object",
          "properties": {
            "inherits": {"type": "string"},
            "allow": {"type": "array", "items": {"$ref": "#/$defs/pattern"}},
            "deny": {"type": "array", "items": {"$ref": "#/$defs/pattern"}}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "tools": {
      "type": "object",
      "patternProperties": {
        "^([a-z0-9_]+(\\.[a-z0-9_]+)*(\\.\\*)?|\\*)$": {
          "type": "object",
          "properties": {
            "safety_class": {"enum": ["read_only", "low_risk", "high_risk"]},
            "foreground_process_required": {
              "type": "array",
              "items": {"type": "string", "minLength": 1}
            },
            "min_stt_confidence": {"type": "number", "minimum": 0, "maximum": 1},
            "requires_confirmation": {"type": "boolean"},
            "rate_limit": {
              "type": "object",
              "required": ["window_sec", "max_count"],
              "properties": {
                "window_sec": {"type": "integer", "minimum": 1},
                "max_count": {"type": "integer", "minimum": 1}
              },
              "additionalProperties": false
            },
            "expr": {"type": "string", "minLength": 1}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "pattern": {
      "type": "string",
      "pattern": "^([a-z0-9_]+(\\.[a-z0-9_]+)*(\\.\\*)?|\\*)$"
    }
  }
}`

var compiledDocumentSchema = mustCompileSchema("standing-orders.schema.json", documentSchema)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://watchkeep.local/schemas/" + name
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("policy: schema resource %s: %v", name, err))
	}
	return c.MustCompile(url)
}

// Document is a parsed, validated standing-orders document. Conditions
// are flattened (inheritance applied) at load time; a Document is
// immutable after Load.
type Document struct {
	Version    string               `json:"version"`
	Defaults   Defaults             `json:"defaults"`
	Conditions map[string]Condition `json:"conditions"`
	Tools      map[string]Guard     `json:"tools"`

	resolved map[string]Condition
}

// Defaults hold document-wide tunables.
type Defaults struct {
	ConfirmWindowSeconds int `json:"confirm_window_seconds"`
}

// Condition is one watch condition's pattern lists.
type Condition struct {
	Inherits string   `json:"inherits,omitempty"`
	Allow    []string `json:"allow,omitempty"`
	Deny     []string `json:"deny,omitempty"`
}

// Guard is one tool's guardrail record.
type Guard struct {
	SafetyClass          string     `json:"safety_class,omitempty"`
	ForegroundAllowed    []string   `json:"foreground_process_required,omitempty"`
	MinSTTConfidence     float64    `json:"min_stt_confidence,omitempty"`
	RequiresConfirmation bool       `json:"requires_confirmation,omitempty"`
	RateLimit            *RateLimit `json:"rate_limit,omitempty"`
	Expr                 string     `json:"expr,omitempty"`
}

// RateLimit is a rolling-window budget.
type RateLimit struct {
	WindowSec int `json:"window_sec"`
	MaxCount  int `json:"max_count"`
}

// canonicalAliases maps legacy tool spellings to canonical names. Aliases
// resolve before any policy lookup so documents only ever name the
// canonical form.
var canonicalAliases = map[string]string{
	"keypress":        "input.keypress",
	"set_lights":      "lights.set_scene",
	"music_next":      "media.next",
	"music_pause":     "media.pause",
	"music_resume":    "media.resume",
	"send_chat":       "twitch.send_chat",
	"edparser":        "edparser.start",
	"edparser_start":  "edparser.start",
	"edparser_stop":   "edparser.stop",
	"edparser_status": "edparser.status",
	"open_app":        "app.open",
}

// CanonicalTool resolves a tool name to its canonical form. Unknown names
// pass through lowercased.
func CanonicalTool(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := canonicalAliases[key]; ok {
		return canonical
	}
	return key
}

// LoadDocument parses and validates a standing-orders document.
func LoadDocument(raw []byte) (*Document, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentInvalid, err)
	}
	if err := compiledDocumentSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentInvalid, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentInvalid, err)
	}

	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrDocumentInvalid, doc.Version, err)
	}
	if v.Major() != documentMajor {
		return nil, fmt.Errorf("%w: version %s, this build reads major %d",
			ErrDocumentInvalid, doc.Version, documentMajor)
	}

	if doc.Defaults.ConfirmWindowSeconds == 0 {
		doc.Defaults.ConfirmWindowSeconds = 12
	}

	if err := doc.resolveInheritance(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadDocumentFile reads and parses the document at path.
func LoadDocumentFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return LoadDocument(raw)
}

func (d *Document) resolveInheritance() error {
	d.resolved = make(map[string]Condition, len(d.Conditions))
	for name := range d.Conditions {
		visiting := map[string]bool{}
		flat, err := d.flatten(name, visiting)
		if err != nil {
			return err
		}
		d.resolved[name] = flat
	}
	return nil
}

func (d *Document) flatten(name string, visiting map[string]bool) (Condition, error) {
	if visiting[name] {
		return Condition{}, fmt.Errorf("%w: at %s", ErrInheritsCycle, name)
	}
	visiting[name] = true

	raw, ok := d.Conditions[name]
	if !ok {
		return Condition{}, fmt.Errorf("%w: inherits unknown condition %q", ErrDocumentInvalid, name)
	}
	if raw.Inherits == "" {
		return raw, nil
	}

	base, err := d.flatten(strings.ToUpper(raw.Inherits), visiting)
	if err != nil {
		return Condition{}, err
	}
	merged := base
	merged.Inherits = ""
	// Present lists override inherited ones wholesale.
	if raw.Allow != nil {
		merged.Allow = raw.Allow
	}
	if raw.Deny != nil {
		merged.Deny = raw.Deny
	}
	return merged, nil
}

// ConditionFor returns the flattened condition, case-insensitive. ok is
// false for names the document does not declare.
func (d *Document) ConditionFor(name string) (Condition, bool) {
	cond, ok := d.resolved[strings.ToUpper(strings.TrimSpace(name))]
	return cond, ok
}

// GuardFor returns the guard for a canonical tool name. Exact entries win
// over wildcard entries; among wildcards the longest prefix wins.
func (d *Document) GuardFor(tool string) (Guard, bool) {
	if g, ok := d.Tools[tool]; ok {
		return g, true
	}
	var bestKey string
	var best Guard
	found := false
	for key, g := range d.Tools {
		if !isWildcard(key) || !matchPattern(key, tool) {
			continue
		}
		if !found || len(key) > len(bestKey) {
			bestKey, best, found = key, g, true
		}
	}
	return best, found
}

// ConfirmWindowSeconds returns the document's confirmation window.
func (d *Document) ConfirmWindowSeconds() int {
	return d.Defaults.ConfirmWindowSeconds
}

// ConditionNames returns declared condition names, sorted.
func (d *Document) ConditionNames() []string {
	names := make([]string, 0, len(d.Conditions))
	for name := range d.Conditions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isWildcard(pattern string) bool {
	return pattern == "*" || strings.HasSuffix(pattern, ".*")
}

// matchPattern matches tool against one pattern: exact (case-insensitive)
// or a single trailing wildcard. "twitch.*" matches "twitch.send_chat"
// but not the bare "twitch".
func matchPattern(pattern, tool string) bool {
	pattern = strings.ToLower(pattern)
	tool = strings.ToLower(tool)
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(tool, pattern[:len(pattern)-1])
	}
	return pattern == tool
}

func matchAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		if matchPattern(p, tool) {
			return true
		}
	}
	return false
}
