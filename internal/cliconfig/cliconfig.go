// Package cliconfig resolves process-level operator preferences — default
// worker count, default agent type, default cooldown_ms — from flags,
// OMX_* environment variables, ~/.omxrc.toml, and built-in defaults, in
// that priority order. It is layered with spf13/viper the way
// zjrosen-perles resolves its own TUI preferences, and offers a separate
// narrow BurntSushi/toml codec for the one-shot hook-config
// export/import subcommands, which need a plain encode/decode rather
// than viper's layered resolution.
package cliconfig

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Preferences is the resolved set of operator defaults.
type Preferences struct {
	DefaultWorkerCount int    `mapstructure:"default_worker_count" toml:"default_worker_count"`
	DefaultAgentType   string `mapstructure:"default_agent_type" toml:"default_agent_type"`
	DefaultCooldownMs  int    `mapstructure:"default_cooldown_ms" toml:"default_cooldown_ms"`
}

func defaults() Preferences {
	return Preferences{
		DefaultWorkerCount: 3,
		DefaultAgentType:   "codex",
		DefaultCooldownMs:  2000,
	}
}

// Resolver layers flags > env > file > built-in defaults via viper.
type Resolver struct {
	v *viper.Viper
}

// NewResolver builds a resolver rooted at configPath (typically
// ~/.omxrc.toml). A missing file is not an error — built-in defaults and
// OMX_* env vars still apply.
func NewResolver(configPath string) (*Resolver, error) {
	v := viper.New()
	v.SetEnvPrefix("OMX")
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("default_worker_count", d.DefaultWorkerCount)
	v.SetDefault("default_agent_type", d.DefaultAgentType)
	v.SetDefault("default_cooldown_ms", d.DefaultCooldownMs)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	return &Resolver{v: v}, nil
}

// DefaultPath returns ~/.omxrc.toml, the conventional on-disk location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".omxrc.toml")
}

// BindFlagInt lets a cobra flag outrank the file/env/default layers
// when explicitly set.
func (r *Resolver) BindFlagInt(key string, get func() (int, bool)) {
	if v, set := get(); set {
		r.v.Set(key, v)
	}
}

// Resolve returns the fully layered Preferences.
func (r *Resolver) Resolve() Preferences {
	return Preferences{
		DefaultWorkerCount: r.v.GetInt("default_worker_count"),
		DefaultAgentType:   r.v.GetString("default_agent_type"),
		DefaultCooldownMs:  r.v.GetInt("default_cooldown_ms"),
	}
}

// EncodeTOML renders v as a TOML document, used by
// `omx dispatch hook config export --toml`.
func EncodeTOML(v any, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(v)
}

// DecodeTOML parses path into out, used by
// `omx dispatch hook config import --toml`.
func DecodeTOML(path string, out any) error {
	_, err := toml.DecodeFile(path, out)
	return err
}
