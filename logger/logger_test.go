package logger

import (
	"errors"
	"testing"
	"time"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Level != "info" {
		t.Fatalf("expected info default, got %q", cfg.Level)
	}
	if cfg.Format != "console" {
		t.Fatalf("expected console default, got %q", cfg.Format)
	}
	if !cfg.Timestamp {
		t.Fatal("expected timestamps on by default")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Level: "verbose", Format: "console", Output: "stdout"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown level")
	}
	cfg = Config{Level: "debug", Format: "xml"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown format")
	}
	cfg = Config{Level: "debug", Format: "json"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFields(t *testing.T) {
	m := Fields(FieldDagID, "etl", FieldTryNumber, 2)
	if m[FieldDagID] != "etl" {
		t.Fatalf("unexpected map: %v", m)
	}
	if m[FieldTryNumber] != 2 {
		t.Fatalf("unexpected map: %v", m)
	}

	// Odd trailing value is dropped.
	m = Fields("a", 1, "dangling")
	if len(m) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m))
	}
}

func TestErrorFields(t *testing.T) {
	m := ErrorFields("dispatch", errors.New("boom"))
	if m[FieldOperation] != "dispatch" || m[FieldError] != "boom" {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestDurationFields(t *testing.T) {
	m := DurationFields("tick", 1500*time.Millisecond)
	if m[FieldDuration] != int64(1500) {
		t.Fatalf("unexpected duration: %v", m[FieldDuration])
	}
}

func TestInstanceFields(t *testing.T) {
	m := InstanceFields("etl", "run-1", "load", 3)
	if m[FieldDagID] != "etl" || m[FieldRunID] != "run-1" || m[FieldTaskID] != "load" || m[FieldMapIndex] != 3 {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestWithComponent(t *testing.T) {
	l := Nop().WithComponent("scheduler")
	// Must not panic and must return a distinct instance.
	if l == nil {
		t.Fatal("expected logger")
	}
	l.Info("noop")
}
