package agent

import (
	"reflect"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewMockAgent("claude")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(NewMockAgent("codex")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, ok := r.Get("claude"); !ok {
		t.Error("Registered agent must be retrievable")
	}
	if _, ok := r.Get("gemini"); ok {
		t.Error("Unregistered name must not resolve")
	}

	if got := r.Names(); !reflect.DeepEqual(got, []string{"claude", "codex"}) {
		t.Errorf("Names = %v, expected registration order", got)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewMockAgent("claude")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(NewMockAgent("claude")); err == nil {
		t.Error("Duplicate registration must fail")
	}
}

func TestRegistryInstalled(t *testing.T) {
	r := NewRegistry()
	up := NewMockAgent("up")
	down := NewMockAgent("down")
	down.SetAvailable(false)
	if err := r.Register(up); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(down); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !r.Installed("up") {
		t.Error("Available agent must report installed")
	}
	if r.Installed("down") {
		t.Error("Unavailable agent must not report installed")
	}
	if r.Installed("missing") {
		t.Error("Unknown agent must not report installed")
	}
	if !r.AnyInstalled() {
		t.Error("AnyInstalled must be true with one runnable agent")
	}

	up.SetAvailable(false)
	if r.AnyInstalled() {
		t.Error("AnyInstalled must be false with nothing runnable")
	}
}

func TestBuildRegistryFromProfiles(t *testing.T) {
	r, err := BuildRegistry(BuiltinProfiles())
	if err != nil {
		t.Fatalf("BuildRegistry failed: %v", err)
	}

	want := []string{"claude", "codex", "gemini"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, expected %v", got, want)
	}

	if _, err := BuildRegistry([]Profile{{Name: "x", Command: "x"}, {Name: "x", Command: "x"}}); err == nil {
		t.Error("Duplicate profile names must fail")
	}
}
