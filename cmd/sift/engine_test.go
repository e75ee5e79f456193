package main

import (
	"testing"

	"github.com/cuemby/sift/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = t.TempDir()
	return cfg
}

func TestOpenEngineWiresEveryComponent(t *testing.T) {
	e, err := openEngine(testConfig(t), false)
	if err != nil {
		t.Fatalf("openEngine() error: %v", err)
	}
	defer e.Close()

	if e.tasks == nil || e.indexes == nil || e.files == nil || e.guard == nil {
		t.Fatalf("openEngine() left a component nil: %+v", e)
	}
	if e.sched == nil || e.exec == nil {
		t.Fatal("openEngine() should wire the scheduler and executor even for one-shot commands")
	}
}

func TestOpenEngineSecondInstanceFailsOnLock(t *testing.T) {
	cfg := testConfig(t)
	e, err := openEngine(cfg, false)
	if err != nil {
		t.Fatalf("openEngine() error: %v", err)
	}
	defer e.Close()

	if _, err := openEngine(cfg, false); err == nil {
		t.Fatal("a second openEngine() on the same db path should fail to acquire the root lock")
	}
}

func TestOpenEngineReusableAfterClose(t *testing.T) {
	cfg := testConfig(t)
	e, err := openEngine(cfg, false)
	if err != nil {
		t.Fatalf("openEngine() error: %v", err)
	}
	e.Close()

	e2, err := openEngine(cfg, false)
	if err != nil {
		t.Fatalf("openEngine() after Close() should succeed, got: %v", err)
	}
	e2.Close()
}
