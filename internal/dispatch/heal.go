package dispatch

import (
	"os"

	"github.com/omx-dev/omx/internal/errs"
)

// PaneLister is the subset of internal/tmux.Tmux healing needs to search
// for a pane by working directory.
type PaneLister interface {
	ListAllPanes() ([]PaneInfo, error)
}

// PaneInfo mirrors internal/tmux.PaneInfo; declared locally so this package
// does not need to import internal/tmux for the heal path alone.
type PaneInfo struct {
	ID          string
	Session     string
	CurrentPath string
}

// ModePaneLookup resolves the pane id an active mode last recorded, if any.
type ModePaneLookup func() (paneID string, ok bool)

// Heal attempts to recover a working target for a Dispatch Hook Config
// whose configured pane has gone stale (closed, renumbered). It tries, in
// order: (1) the pane id an active mode state last recorded, (2) the
// TMUX_PANE environment variable of the process running the heal (useful
// when the drainer itself runs inside the target session), (3) any known
// pane whose current path matches cwd. The first hit rewrites cfg.Target
// to a pane target and is returned; healing that finds nothing returns the
// original config unchanged along with found=false.
func Heal(cfg Config, lister PaneLister, modeLookup ModePaneLookup, cwd string) (Config, bool, error) {
	if paneID, ok := modeLookup(); ok && paneID != "" {
		cfg.Target = Target{Type: TargetPane, Value: paneID}
		return cfg, true, nil
	}

	if p := os.Getenv("TMUX_PANE"); p != "" {
		cfg.Target = Target{Type: TargetPane, Value: p}
		return cfg, true, nil
	}

	panes, err := lister.ListAllPanes()
	if err != nil {
		return cfg, false, err
	}
	for _, p := range panes {
		if p.CurrentPath == cwd {
			cfg.Target = Target{Type: TargetPane, Value: p.ID}
			return cfg, true, nil
		}
	}
	return cfg, false, nil
}

// ResolveTargetPane returns the configured pane id to send to. It does not
// heal and does not check that the pane still exists: a session target or
// an empty pane value is reported as pane_cwd_mismatch (see Heal for
// rewriting a stale target).
func ResolveTargetPane(cfg Config) (string, error) {
	if cfg.Target.Type != TargetPane {
		return "", errs.New(errs.KindPaneCwdMismatch, "dispatch target %q is not a resolved pane", cfg.Target.Value)
	}
	if cfg.Target.Value == "" {
		return "", errs.New(errs.KindPaneCwdMismatch, "dispatch target pane is empty")
	}
	return cfg.Target.Value, nil
}
