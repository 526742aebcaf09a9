// Package dispatch implements the Dispatch Engine: pane-targeted prompt
// injection with verified-delivery retries, cooldowns, duplicate
// suppression, a scrollback guard, and target healing.
package dispatch

import "encoding/json"

// rawConfig mirrors Config but with SkipIfScrolling as a pointer so decoding
// can tell "absent from disk" apart from "explicitly false".
type rawConfig struct {
	Enabled                 bool            `json:"enabled"`
	Target                  Target          `json:"target"`
	AllowedModes            []string        `json:"allowed_modes"`
	CooldownMs              int             `json:"cooldown_ms"`
	MaxInjectionsPerSession int             `json:"max_injections_per_session"`
	PromptTemplate          string          `json:"prompt_template,omitempty"`
	Marker                  string          `json:"marker"`
	DryRun                  bool            `json:"dry_run"`
	LogLevel                string          `json:"log_level"`
	SkipIfScrolling         *bool           `json:"skip_if_scrolling,omitempty"`
	DispatchMaxPerTick      int             `json:"dispatch_max_per_tick,omitempty"`
}

// UnmarshalJSON captures unrecognized fields into Extra before delegating to
// rawConfig, so a rewrite of the hook config never drops another tool's keys.
func (c *Config) UnmarshalJSON(data []byte) error {
	var rc rawConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	for _, known := range []string{
		"enabled", "target", "allowed_modes", "cooldown_ms", "max_injections_per_session",
		"prompt_template", "marker", "dry_run", "log_level", "skip_if_scrolling", "dispatch_max_per_tick",
	} {
		delete(extra, known)
	}

	c.Enabled = rc.Enabled
	c.Target = rc.Target
	c.AllowedModes = rc.AllowedModes
	c.CooldownMs = rc.CooldownMs
	c.MaxInjectionsPerSession = rc.MaxInjectionsPerSession
	c.PromptTemplate = rc.PromptTemplate
	c.Marker = rc.Marker
	c.DryRun = rc.DryRun
	c.LogLevel = rc.LogLevel
	c.DispatchMaxPerTick = rc.DispatchMaxPerTick
	if rc.SkipIfScrolling != nil {
		c.SkipIfScrolling = *rc.SkipIfScrolling
	} else {
		c.SkipIfScrolling = true
	}
	c.Extra = extra
	return nil
}

// MarshalJSON re-emits Extra's unknown fields alongside the known ones.
func (c Config) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range c.Extra {
		out[k] = v
	}
	type known Config
	kb, err := json.Marshal(struct {
		known
		Extra map[string]json.RawMessage `json:"-"`
	}{known(c), nil})
	if err != nil {
		return nil, err
	}
	var kmap map[string]json.RawMessage
	if err := json.Unmarshal(kb, &kmap); err != nil {
		return nil, err
	}
	for k, v := range kmap {
		out[k] = v
	}
	return json.Marshal(out)
}

type TargetType string

const (
	TargetSession TargetType = "session"
	TargetPane    TargetType = "pane"
)

type Target struct {
	Type  TargetType `json:"type"`
	Value string     `json:"value"`
}

// Config is the persisted Dispatch Hook Config entity. Extra retains any
// unknown on-disk fields so a rewrite never drops keys another tool wrote
// (Design Notes: dynamic JSON state with open extension fields).
type Config struct {
	Enabled                 bool                       `json:"enabled"`
	Target                  Target                     `json:"target"`
	AllowedModes            []string                   `json:"allowed_modes"`
	CooldownMs              int                        `json:"cooldown_ms"`
	MaxInjectionsPerSession int                        `json:"max_injections_per_session"`
	PromptTemplate          string                     `json:"prompt_template,omitempty"`
	Marker                  string                     `json:"marker"`
	DryRun                  bool                       `json:"dry_run"`
	LogLevel                string                     `json:"log_level"`
	SkipIfScrolling         bool                       `json:"skip_if_scrolling"`
	DispatchMaxPerTick      int                        `json:"dispatch_max_per_tick,omitempty"`
	Extra                   map[string]json.RawMessage `json:"-" toml:"-"`
}

const (
	DefaultMarker             = "[OMX_TMUX_INJECT]"
	DefaultDispatchMaxPerTick = 3 // Open Question in spec.md §9; SPEC_FULL.md §13 decision.
)

// NormalizeConfig fills in safe defaults. A nil or structurally invalid raw
// config (no target value) normalizes to a safely disabled config rather
// than erroring, so a missing/corrupt tmux-hook.json never crashes a tick.
func NormalizeConfig(raw *Config) Config {
	if raw == nil || raw.Target.Value == "" {
		return Config{
			Enabled:            false,
			AllowedModes:       []string{"ralph"},
			Marker:             DefaultMarker,
			LogLevel:           "info",
			SkipIfScrolling:    true,
			DispatchMaxPerTick: DefaultDispatchMaxPerTick,
		}
	}

	cfg := *raw
	if len(cfg.AllowedModes) == 0 {
		cfg.AllowedModes = []string{"ralph"}
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CooldownMs < 0 {
		cfg.CooldownMs = 0
	}
	if cfg.MaxInjectionsPerSession < 0 {
		cfg.MaxInjectionsPerSession = 0
	}
	if cfg.DispatchMaxPerTick <= 0 {
		cfg.DispatchMaxPerTick = DefaultDispatchMaxPerTick
	}
	return cfg
}

// PickActiveMode returns the first mode in allowedModes (priority order)
// that is present in activeModes, or "" if none match.
func PickActiveMode(activeModes, allowedModes []string) string {
	active := make(map[string]bool, len(activeModes))
	for _, m := range activeModes {
		active[m] = true
	}
	for _, m := range allowedModes {
		if active[m] {
			return m
		}
	}
	return ""
}
