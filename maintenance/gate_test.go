package maintenance

import (
	"strings"
	"sync"
	"testing"
)

func TestGateRefusesTasksDuringMaintenance(t *testing.T) {
	gate := New()

	success, _ := gate.BeginMaintenance("us-east-1")
	if !success {
		t.Error("expected maintenance on a quiet region to start immediately")
	}

	if gate.RegisterTask("us-east-1", "assign-1") {
		t.Error("expected task refusal during maintenance")
	}

	// Other regions are unaffected.
	if !gate.RegisterTask("us-west-1", "assign-2") {
		t.Error("expected task admission on a region not under maintenance")
	}
	gate.DeregisterTask("us-west-1", "assign-2")

	if err := gate.EndMaintenance("us-east-1"); err != nil {
		t.Errorf("failed to end maintenance: %v", err)
	}

	if !gate.RegisterTask("us-east-1", "assign-3") {
		t.Error("expected task admission after maintenance ended")
	}
}

func TestBeginMaintenanceWaitsForTasks(t *testing.T) {
	gate := New()

	if !gate.RegisterTask("us-east-1", "assign-1") {
		t.Fatal("failed to register task on open gate")
	}
	if !gate.RegisterTask("us-east-1", "upgrade-1") {
		t.Fatal("failed to register task on open gate")
	}

	success, reason := gate.BeginMaintenance("us-east-1")
	if success {
		t.Error("expected maintenance to report pending tasks")
	}
	if !strings.Contains(reason, "2 tasks") {
		t.Errorf("expected reason to mention 2 pending tasks, got %q", reason)
	}

	// New tasks are refused while the gate is closing.
	if gate.RegisterTask("us-east-1", "assign-2") {
		t.Error("expected task refusal while gate is closing")
	}
	if err := gate.EndMaintenance("us-east-1"); err != ErrNotInMaintenance {
		t.Errorf("expected ErrNotInMaintenance while tasks drain, got %v", err)
	}

	gate.DeregisterTask("us-east-1", "assign-1")
	gate.DeregisterTask("us-east-1", "upgrade-1")

	if success, _ := gate.BeginMaintenance("us-east-1"); !success {
		t.Error("expected maintenance to complete once tasks drained")
	}
	if mode, pending := gate.Status("us-east-1"); mode != ModeClosed || pending != 0 {
		t.Errorf("expected closed gate with no tasks, got mode %v with %v tasks", mode, pending)
	}
}

func TestEndMaintenanceWhenOpen(t *testing.T) {
	gate := New()
	if err := gate.EndMaintenance("us-east-1"); err != ErrNotInMaintenance {
		t.Errorf("expected ErrNotInMaintenance, got %v", err)
	}
}

func TestGateUnderConcurrentTasks(t *testing.T) {
	gate := New()

	var wg sync.WaitGroup
	started := make(chan struct{}, 50)
	release := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.TrackTask("us-east-1", func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	for i := 0; i < 50; i++ {
		<-started
	}

	success, _ := gate.BeginMaintenance("us-east-1")
	if success {
		t.Error("expected maintenance to wait on 50 in-flight tasks")
	}
	if _, pending := gate.Status("us-east-1"); pending != 50 {
		t.Errorf("expected 50 tasks in flight, got %v", pending)
	}

	// Tasks admitted before maintenance began run to completion.
	close(release)
	wg.Wait()

	if success, _ := gate.BeginMaintenance("us-east-1"); !success {
		t.Error("expected maintenance to complete after tasks finished")
	}

	if err := gate.TrackTask("us-east-1", func() error { return nil }); err != ErrMaintenanceMode {
		t.Errorf("expected ErrMaintenanceMode, got %v", err)
	}
}
