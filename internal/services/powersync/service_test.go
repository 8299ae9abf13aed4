// Package powersync provides tests for the power-state reconciler.
package powersync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/config"
	"github.com/openhvx/openhvx/internal/domain"
)

// recordedUpdate captures one UpdatePowerState call.
type recordedUpdate struct {
	VMID   string
	HostID string
	State  domain.PowerState
	At     time.Time
}

// MockInstanceRepository is a mock implementation of InstanceRepository.
type MockInstanceRepository struct {
	vms      map[string]*domain.VMInstance
	tracking map[string]TrackingStatus

	updates     []recordedUpdate
	resetVMs    []string
	resetHosts  []string
	updateErrs  map[string]error
	findHostErr error
}

func NewMockInstanceRepository() *MockInstanceRepository {
	return &MockInstanceRepository{
		vms:        make(map[string]*domain.VMInstance),
		tracking:   make(map[string]TrackingStatus),
		updateErrs: make(map[string]error),
	}
}

func (m *MockInstanceRepository) add(vm *domain.VMInstance) {
	m.vms[vm.ID] = vm
}

func (m *MockInstanceRepository) FindByName(ctx context.Context, name string) (*domain.VMInstance, error) {
	for _, vm := range m.vms {
		if vm.Name == name {
			return vm, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockInstanceRepository) UpdatePowerState(ctx context.Context, id, hostID string, state domain.PowerState, at time.Time) (bool, error) {
	if err := m.updateErrs[id]; err != nil {
		return false, err
	}

	vm, ok := m.vms[id]
	if !ok {
		return false, domain.ErrNotFound
	}

	m.updates = append(m.updates, recordedUpdate{VMID: id, HostID: hostID, State: state, At: at})

	// Mirror the store's conditional-write semantics: a newer stored
	// timestamp wins, identical state is a no-op.
	if vm.PowerStateUpdatedAt.After(at) {
		return false, nil
	}
	if vm.PowerState == state && vm.PowerHostID == hostID {
		return false, nil
	}

	vm.PowerState = state
	vm.PowerHostID = hostID
	vm.PowerStateUpdatedAt = at
	vm.PowerStateUpdateCount = 1
	return true, nil
}

func (m *MockInstanceRepository) FindByHostInStates(ctx context.Context, hostID string, states ...domain.VMState) ([]*domain.VMInstance, error) {
	if m.findHostErr != nil {
		return nil, m.findHostErr
	}
	var result []*domain.VMInstance
	for _, vm := range m.vms {
		if vm.HostID != hostID {
			continue
		}
		for _, state := range states {
			if vm.State == state {
				result = append(result, vm)
				break
			}
		}
	}
	return result, nil
}

func (m *MockInstanceRepository) PowerStateTracking(ctx context.Context, id string) (TrackingStatus, error) {
	if _, ok := m.vms[id]; !ok {
		return TrackingNotFound, nil
	}
	if status, ok := m.tracking[id]; ok {
		return status, nil
	}
	return TrackingUpToDate, nil
}

func (m *MockInstanceRepository) ResetPowerStateTracking(ctx context.Context, id string) error {
	m.resetVMs = append(m.resetVMs, id)
	return nil
}

func (m *MockInstanceRepository) ResetHostPowerStateTracking(ctx context.Context, hostID string) error {
	m.resetHosts = append(m.resetHosts, hostID)
	return nil
}

// updatesFor returns the recorded UpdatePowerState calls for one VM.
func (m *MockInstanceRepository) updatesFor(vmID string) []recordedUpdate {
	var result []recordedUpdate
	for _, u := range m.updates {
		if u.VMID == vmID {
			result = append(result, u)
		}
	}
	return result
}

// MockPublisher is a mock implementation of EventPublisher.
type MockPublisher struct {
	published []string
	err       error
}

func (m *MockPublisher) PublishPowerStateChange(ctx context.Context, vmID string) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, vmID)
	return nil
}

func newReconciler(repo *MockInstanceRepository, bus *MockPublisher) *Reconciler {
	cfg := config.SyncConfig{ReportInterval: 60 * time.Second}
	return NewReconciler(repo, bus, cfg, zap.NewNop())
}

// =============================================================================
// Report translation
// =============================================================================

func TestReconciler_ConvertVMStateReport_NilReport(t *testing.T) {
	repo := NewMockInstanceRepository()
	rec := newReconciler(repo, &MockPublisher{})

	translated := rec.ConvertVMStateReport(context.Background(), nil)
	if len(translated) != 0 {
		t.Errorf("Expected empty map for nil report, got %d entries", len(translated))
	}
}

func TestReconciler_ConvertVMStateReport_UnresolvedNamesDropped(t *testing.T) {
	repo := NewMockInstanceRepository()
	rec := newReconciler(repo, &MockPublisher{})

	report := HostVMStateReport{
		"i-ghost-1": {PowerState: domain.PowerStateRunning},
		"i-ghost-2": {PowerState: domain.PowerStateStopped},
	}

	translated := rec.ConvertVMStateReport(context.Background(), report)
	if len(translated) != 0 {
		t.Errorf("Expected empty map for unresolvable names, got %d entries", len(translated))
	}
}

func TestReconciler_ConvertVMStateReport_ResolvesKnownNames(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{ID: "vm-10", Name: "i-guest-a", State: domain.VMStateRunning})
	rec := newReconciler(repo, &MockPublisher{})

	report := HostVMStateReport{
		"i-guest-a": {PowerState: domain.PowerStateRunning},
		"i-ghost":   {PowerState: domain.PowerStateStopped},
	}

	translated := rec.ConvertVMStateReport(context.Background(), report)
	if len(translated) != 1 {
		t.Fatalf("Expected 1 translated entry, got %d", len(translated))
	}
	if translated["vm-10"] != domain.PowerStateRunning {
		t.Errorf("Expected RUNNING for vm-10, got %s", translated["vm-10"])
	}
}

// =============================================================================
// Report processing
// =============================================================================

func TestReconciler_ProcessReport_StateChangeWritesAndNotifies(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-10",
		Name:                "i-guest-a",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateStopped,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-30 * time.Second),
	})
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	report := HostVMStateReport{"i-guest-a": {PowerState: domain.PowerStateRunning}}
	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", report); err != nil {
		t.Fatalf("ProcessHostVMStateReport failed: %v", err)
	}

	updates := repo.updatesFor("vm-10")
	if len(updates) != 1 {
		t.Fatalf("Expected exactly 1 write, got %d", len(updates))
	}
	if updates[0].State != domain.PowerStateRunning || updates[0].HostID != "host-1" {
		t.Errorf("Unexpected write: %+v", updates[0])
	}
	if len(bus.published) != 1 || bus.published[0] != "vm-10" {
		t.Errorf("Expected one notification for vm-10, got %v", bus.published)
	}
}

func TestReconciler_ProcessReport_NoChangeNoNotification(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-10",
		Name:                "i-guest-a",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateRunning,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-30 * time.Second),
	})
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	report := HostVMStateReport{"i-guest-a": {PowerState: domain.PowerStateRunning}}
	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", report); err != nil {
		t.Fatalf("ProcessHostVMStateReport failed: %v", err)
	}

	if len(bus.published) != 0 {
		t.Errorf("Expected no notification for unchanged state, got %v", bus.published)
	}
}

func TestReconciler_ProcessReport_Idempotent(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:         "vm-10",
		Name:       "i-guest-a",
		State:      domain.VMStateRunning,
		HostID:     "host-1",
		PowerState: domain.PowerStateStopped,
	})
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	report := HostVMStateReport{"i-guest-a": {PowerState: domain.PowerStateRunning}}
	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", report); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", report); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	// Only the first pass changes anything.
	if len(bus.published) != 1 {
		t.Errorf("Expected exactly 1 notification across both passes, got %d", len(bus.published))
	}
}

func TestReconciler_ProcessReport_WriteFailureIsolatedPerVM(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{ID: "vm-10", Name: "i-guest-a", State: domain.VMStateRunning, HostID: "host-1", PowerState: domain.PowerStateStopped})
	repo.add(&domain.VMInstance{ID: "vm-11", Name: "i-guest-b", State: domain.VMStateRunning, HostID: "host-1", PowerState: domain.PowerStateStopped})
	repo.updateErrs["vm-10"] = errors.New("connection reset")
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	report := HostVMStateReport{
		"i-guest-a": {PowerState: domain.PowerStateRunning},
		"i-guest-b": {PowerState: domain.PowerStateRunning},
	}
	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", report); err != nil {
		t.Fatalf("Pass should survive a per-VM write failure: %v", err)
	}

	if len(bus.published) != 1 || bus.published[0] != "vm-11" {
		t.Errorf("Expected the healthy VM to still be processed, got %v", bus.published)
	}
}

func TestReconciler_ProcessReport_ActiveQueryFailureAbortsPass(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.findHostErr = errors.New("store unreachable")
	rec := newReconciler(repo, &MockPublisher{})

	err := rec.ProcessHostVMStateReport(context.Background(), "host-1", nil)
	if err == nil {
		t.Fatal("Expected pass-level failure when the active-VM query fails")
	}
}

// =============================================================================
// Missing-VM adjudication
// =============================================================================

func TestReconciler_MissingVM_WithinGraceNoWrite(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-11",
		Name:                "i-guest-b",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateRunning,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-30 * time.Second),
	})
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", nil); err != nil {
		t.Fatalf("ProcessHostVMStateReport failed: %v", err)
	}

	if len(repo.updatesFor("vm-11")) != 0 {
		t.Errorf("Expected no write within grace period, got %v", repo.updatesFor("vm-11"))
	}
	if len(bus.published) != 0 {
		t.Errorf("Expected no notification within grace period, got %v", bus.published)
	}
}

func TestReconciler_MissingVM_PastGraceMarkedMissing(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-11",
		Name:                "i-guest-b",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateRunning,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-121 * time.Second),
	})
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	before := time.Now()
	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", nil); err != nil {
		t.Fatalf("ProcessHostVMStateReport failed: %v", err)
	}
	after := time.Now()

	updates := repo.updatesFor("vm-11")
	if len(updates) != 1 {
		t.Fatalf("Expected exactly 1 missing write, got %d", len(updates))
	}
	if updates[0].State != domain.PowerStateReportMissing {
		t.Errorf("Expected REPORT_MISSING write, got %s", updates[0].State)
	}
	// The write carries the pass's start time, not the instant of the write.
	if updates[0].At.Before(before) || updates[0].At.After(after) {
		t.Errorf("Missing write timestamp %v outside pass window [%v, %v]", updates[0].At, before, after)
	}
	if len(bus.published) != 1 || bus.published[0] != "vm-11" {
		t.Errorf("Expected one notification for vm-11, got %v", bus.published)
	}
}

func TestReconciler_MissingVM_ForceBypassesGrace(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-11",
		Name:                "i-guest-b",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateRunning,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-10 * time.Second),
	})
	// Even stale tracking must not defer a forced pass.
	repo.tracking["vm-11"] = TrackingStale
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	if err := rec.ProcessHostVMStatePingReport(context.Background(), "host-1", nil, true); err != nil {
		t.Fatalf("ProcessHostVMStatePingReport failed: %v", err)
	}

	updates := repo.updatesFor("vm-11")
	if len(updates) != 1 || updates[0].State != domain.PowerStateReportMissing {
		t.Fatalf("Expected forced REPORT_MISSING write, got %v", updates)
	}
	if len(bus.published) != 1 {
		t.Errorf("Expected one notification, got %v", bus.published)
	}
}

func TestReconciler_MissingVM_StaleTrackingDefersAndResets(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-11",
		Name:                "i-guest-b",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateRunning,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-300 * time.Second),
	})
	repo.tracking["vm-11"] = TrackingStale
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", nil); err != nil {
		t.Fatalf("ProcessHostVMStateReport failed: %v", err)
	}

	if len(repo.updatesFor("vm-11")) != 0 {
		t.Errorf("Expected no power-state write for stale tracking, got %v", repo.updatesFor("vm-11"))
	}
	if len(repo.resetVMs) != 1 || repo.resetVMs[0] != "vm-11" {
		t.Errorf("Expected tracking reset for vm-11, got %v", repo.resetVMs)
	}
	if len(bus.published) != 0 {
		t.Errorf("Expected no notification, got %v", bus.published)
	}
}

func TestReconciler_MissingVM_VanishedSkipped(t *testing.T) {
	repo := NewMockInstanceRepository()
	vm := &domain.VMInstance{
		ID:                  "vm-11",
		Name:                "i-guest-b",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateRunning,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-300 * time.Second),
	}
	repo.add(vm)
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	// Simulate concurrent deletion: candidate listed, then gone by the time
	// tracking is checked.
	candidates, _ := repo.FindByHostInStates(context.Background(), "host-1", domain.PowerSyncStates...)
	delete(repo.vms, "vm-11")
	rec.adjudicateMissing(context.Background(), "host-1", candidates, time.Now(), false)

	if len(repo.updatesFor("vm-11")) != 0 {
		t.Errorf("Expected no write for vanished VM, got %v", repo.updatesFor("vm-11"))
	}
	if len(bus.published) != 0 {
		t.Errorf("Expected no notification for vanished VM, got %v", bus.published)
	}
}

func TestReconciler_ReportedVMExcludedFromMissingSet(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-10",
		Name:                "i-guest-a",
		State:               domain.VMStateRunning,
		HostID:              "host-1",
		PowerState:          domain.PowerStateRunning,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-600 * time.Second),
	})
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	// Way past the grace period, but present in the report: not missing.
	report := HostVMStateReport{"i-guest-a": {PowerState: domain.PowerStateRunning}}
	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", report); err != nil {
		t.Fatalf("ProcessHostVMStateReport failed: %v", err)
	}

	for _, u := range repo.updatesFor("vm-10") {
		if u.State == domain.PowerStateReportMissing {
			t.Errorf("Reported VM must never be marked missing: %+v", u)
		}
	}
}

func TestReconciler_MissingVM_OnlyActiveLifecycleStatesConsidered(t *testing.T) {
	repo := NewMockInstanceRepository()
	repo.add(&domain.VMInstance{
		ID:                  "vm-12",
		Name:                "i-guest-c",
		State:               domain.VMStateStopped,
		HostID:              "host-1",
		PowerState:          domain.PowerStateStopped,
		PowerHostID:         "host-1",
		PowerStateUpdatedAt: time.Now().Add(-600 * time.Second),
	})
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	if err := rec.ProcessHostVMStateReport(context.Background(), "host-1", nil); err != nil {
		t.Fatalf("ProcessHostVMStateReport failed: %v", err)
	}

	if len(repo.updatesFor("vm-12")) != 0 {
		t.Errorf("Stopped VM must not be adjudicated as missing, got %v", repo.updatesFor("vm-12"))
	}
}

// =============================================================================
// Host sync reset
// =============================================================================

func TestReconciler_ResetHostSyncState(t *testing.T) {
	repo := NewMockInstanceRepository()
	bus := &MockPublisher{}
	rec := newReconciler(repo, bus)

	if err := rec.ResetHostSyncState(context.Background(), "host-1"); err != nil {
		t.Fatalf("ResetHostSyncState failed: %v", err)
	}

	if len(repo.resetHosts) != 1 || repo.resetHosts[0] != "host-1" {
		t.Errorf("Expected host tracking reset for host-1, got %v", repo.resetHosts)
	}
	if len(bus.published) != 0 {
		t.Errorf("Host reset must never notify, got %v", bus.published)
	}
}
