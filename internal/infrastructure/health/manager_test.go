package health

import (
	"fmt"
	"testing"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)

	// Initial state: Healthy (no checks)
	if !hm.IsHealthy() {
		t.Error("Empty health manager should be healthy")
	}

	hm.Register("venue", func() error { return nil })
	if !hm.IsHealthy() {
		t.Error("Healthy component should not fail manager")
	}

	hm.Register("reconciler", func() error { return fmt.Errorf("last pass failed") })
	if hm.IsHealthy() {
		t.Error("Unhealthy component should fail manager")
	}

	status := hm.GetStatus()
	if status["venue"] != "Healthy" {
		t.Errorf("Expected Healthy, got %s", status["venue"])
	}
	if status["reconciler"] != "Unhealthy: last pass failed" {
		t.Errorf("Expected Unhealthy, got %s", status["reconciler"])
	}
}

func TestHealthManager_CheckReplacement(t *testing.T) {
	hm := NewHealthManager(nil)

	hm.Register("venue", func() error { return fmt.Errorf("unreachable") })
	if hm.IsHealthy() {
		t.Error("Failing check should mark manager unhealthy")
	}

	// Re-registering a component replaces its check
	hm.Register("venue", func() error { return nil })
	if !hm.IsHealthy() {
		t.Error("Replaced check should restore health")
	}
}
