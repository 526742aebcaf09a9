package dispatch

import (
	"os"
	"testing"

	"github.com/omx-dev/omx/internal/cache"
)

func TestLoadConfigServesFromCacheWithoutRereadingDisk(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(dir)
	q.ConfigCache = cache.New()

	cfg := NormalizeConfig(&Config{Enabled: true, Target: Target{Type: TargetPane, Value: "%1"}})
	if err := q.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	// Corrupt the on-disk file directly; LoadConfig must still return the
	// cached value rather than falling back to a normalized-nil default.
	if err := os.WriteFile(q.configPath(), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := q.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.Target.Value != "%1" {
		t.Fatalf("expected cached config served, got %+v", got)
	}
}

func TestSaveConfigInvalidatesCacheEntryImmediately(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(dir)
	q.ConfigCache = cache.New()

	first := NormalizeConfig(&Config{Enabled: false})
	if err := q.SaveConfig(first); err != nil {
		t.Fatal(err)
	}
	if _, err := q.LoadConfig(); err != nil {
		t.Fatal(err)
	}

	second := NormalizeConfig(&Config{Enabled: true, Target: Target{Type: TargetPane, Value: "%2"}})
	if err := q.SaveConfig(second); err != nil {
		t.Fatal(err)
	}

	got, err := q.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.Target.Value != "%2" {
		t.Fatalf("expected immediate visibility of the new config, got %+v", got)
	}
}
