// Package config holds the bridge's runtime configuration: the model,
// reasoning level, approval policy, sandbox mode, profile, web-search mode and
// binary override that shape every thread and turn started through the bridge.
package config

import (
	"slices"
	"strings"
)

// DefaultSentinel marks a field as "let the runtime decide". Fields holding it
// are omitted from outgoing calls.
const DefaultSentinel = "default"

var (
	reasoningEfforts = []string{DefaultSentinel, "none", "minimal", "low", "medium", "high", "xhigh"}
	approvalPolicies = []string{"untrusted", "on-failure", "on-request", "never"}
	sandboxModes     = []string{"read-only", "workspace-write", "danger-full-access"}
	webSearchModes   = []string{DefaultSentinel, "disabled", "cached", "live"}
)

// Settings is the last-known bridge configuration.
type Settings struct {
	Model           string `json:"model" yaml:"model"`
	ReasoningEffort string `json:"reasoningEffort" yaml:"reasoning_effort"`
	ApprovalPolicy  string `json:"approvalPolicy" yaml:"approval_policy"`
	SandboxMode     string `json:"sandboxMode" yaml:"sandbox_mode"`
	Profile         string `json:"profile" yaml:"profile"`
	WebSearch       string `json:"webSearch" yaml:"web_search"`
	CodexBin        string `json:"codexBin" yaml:"codex_bin"`
}

// Defaults returns the configuration a fresh bridge starts with.
func Defaults() Settings {
	return Settings{
		Model:           DefaultSentinel,
		ReasoningEffort: DefaultSentinel,
		ApprovalPolicy:  "never",
		SandboxMode:     "workspace-write",
		Profile:         "",
		WebSearch:       DefaultSentinel,
		CodexBin:        "",
	}
}

// IsDefault reports whether v means "use the runtime default".
func IsDefault(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, DefaultSentinel)
}

// field describes one mergeable setting: the keys it is accepted under and
// how an incoming string is normalized. normalize returns ok=false to reject.
type field struct {
	keys      []string
	get       func(*Settings) *string
	normalize func(string) (string, bool)
}

var fields = []field{
	{
		keys:      []string{"model"},
		get:       func(s *Settings) *string { return &s.Model },
		normalize: normalizeModel,
	},
	{
		keys:      []string{"reasoningEffort", "reasoning_effort", "reasoning"},
		get:       func(s *Settings) *string { return &s.ReasoningEffort },
		normalize: enum(reasoningEfforts),
	},
	{
		keys:      []string{"approvalPolicy", "approval_policy"},
		get:       func(s *Settings) *string { return &s.ApprovalPolicy },
		normalize: enum(approvalPolicies),
	},
	{
		keys:      []string{"sandboxMode", "sandbox_mode", "sandbox"},
		get:       func(s *Settings) *string { return &s.SandboxMode },
		normalize: enum(sandboxModes),
	},
	{
		keys:      []string{"profile"},
		get:       func(s *Settings) *string { return &s.Profile },
		normalize: clearable,
	},
	{
		keys:      []string{"webSearch", "web_search"},
		get:       func(s *Settings) *string { return &s.WebSearch },
		normalize: enum(webSearchModes),
	},
	{
		keys:      []string{"codexBin", "codex_bin"},
		get:       func(s *Settings) *string { return &s.CodexBin },
		normalize: clearable,
	},
}

// Merge applies a loosely-typed patch on top of prev. Blank strings, non-string
// values and unknown enum values keep the previous value rather than resetting
// it. Unknown keys are ignored.
func Merge(prev Settings, patch map[string]any) Settings {
	next := prev
	for _, f := range fields {
		raw, ok := lookup(patch, f.keys)
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if v, ok := f.normalize(s); ok {
			*f.get(&next) = v
		}
	}
	return next
}

// Normalize repairs every field of s, substituting defaults for invalid values.
func Normalize(s Settings) Settings {
	def := Defaults()
	out := s
	for _, f := range fields {
		cur := f.get(&out)
		if strings.TrimSpace(*cur) == "" {
			*cur = *f.get(&def)
			continue
		}
		if v, ok := f.normalize(*cur); ok {
			*cur = v
		} else {
			*cur = *f.get(&def)
		}
	}
	return out
}

// ToMap renders the settings in the caller-facing camelCase shape.
func (s Settings) ToMap() map[string]any {
	return map[string]any{
		"model":           s.Model,
		"reasoningEffort": s.ReasoningEffort,
		"approvalPolicy":  s.ApprovalPolicy,
		"sandboxMode":     s.SandboxMode,
		"profile":         s.Profile,
		"webSearch":       s.WebSearch,
		"codexBin":        s.CodexBin,
	}
}

func lookup(patch map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := patch[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func enum(allowed []string) func(string) (string, bool) {
	return func(v string) (string, bool) {
		v = strings.ToLower(strings.TrimSpace(v))
		if slices.Contains(allowed, v) {
			return v, true
		}
		return "", false
	}
}

func normalizeModel(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, DefaultSentinel) {
		return DefaultSentinel, true
	}
	return v, v != ""
}

// clearable fields store "" for the default sentinel so they can be reset.
func clearable(v string) (string, bool) {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case DefaultSentinel, "auto", "none":
		return "", true
	}
	return v, v != ""
}
