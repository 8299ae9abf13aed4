package domain

import (
	"time"
)

// VMState represents the lifecycle state of a virtual machine as driven by
// the orchestration layer. It is distinct from PowerState, which is what the
// hypervisor actually observes.
type VMState string

const (
	VMStatePending   VMState = "PENDING"
	VMStateCreating  VMState = "CREATING"
	VMStateStarting  VMState = "STARTING"
	VMStateRunning   VMState = "RUNNING"
	VMStateStopping  VMState = "STOPPING"
	VMStateStopped   VMState = "STOPPED"
	VMStateMigrating VMState = "MIGRATING"
	VMStateError     VMState = "ERROR"
	VMStateDeleting  VMState = "DELETING"
)

// PowerState represents the hypervisor-observed power state of a VM.
type PowerState string

const (
	PowerStateUnknown   PowerState = "UNKNOWN"
	PowerStateRunning   PowerState = "RUNNING"
	PowerStateStopped   PowerState = "STOPPED"
	PowerStateStarting  PowerState = "STARTING"
	PowerStateStopping  PowerState = "STOPPING"
	PowerStateMigrating PowerState = "MIGRATING"
	PowerStateError     PowerState = "ERROR"

	// PowerStateReportMissing is synthetic: hosts never report it. It is
	// assigned by the reconciler when a VM that should be active on a host
	// stays absent from that host's reports past the grace period.
	PowerStateReportMissing PowerState = "REPORT_MISSING"
)

// MaxSameStateUpdates caps the consecutive-same-state write counter on a VM.
// A counter at or above the cap means the stored power state is no longer
// considered confirmed and the reconciler must wait for a fresh report
// before adjudicating the VM as missing.
const MaxSameStateUpdates = 3

// VMInstance is the authoritative record of a virtual machine's identity and
// power-state bookkeeping.
type VMInstance struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`

	// Name is the instance name as known to the hypervisor; host reports
	// key their entries by this name.
	Name string `json:"name"`

	// State is the orchestration lifecycle state.
	State VMState `json:"state"`

	// HostID is the host this VM is currently believed to run on.
	HostID string `json:"host_id,omitempty"`

	// PowerState is the last hypervisor-observed power state.
	PowerState PowerState `json:"power_state"`

	// PowerHostID is the host that reported the current power state.
	PowerHostID string `json:"power_host_id,omitempty"`

	// PowerStateUpdatedAt is written together with PowerState, never
	// independently.
	PowerStateUpdatedAt time.Time `json:"power_state_updated_at,omitempty"`

	// PowerStateUpdateCount tracks consecutive writes of an identical
	// power state. See MaxSameStateUpdates.
	PowerStateUpdateCount int `json:"power_state_update_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PowerSyncStates are the lifecycle states for which a VM is expected to
// appear in its host's state reports.
var PowerSyncStates = []VMState{VMStateRunning, VMStateStopping, VMStateStarting}

// LastStateUpdate returns the most recent known update instant for the VM,
// falling back from the power-state timestamp to the generic update
// timestamp to the creation timestamp. VMs that never had a power-state
// write still get a usable reference point this way.
func (vm *VMInstance) LastStateUpdate() time.Time {
	if !vm.PowerStateUpdatedAt.IsZero() {
		return vm.PowerStateUpdatedAt
	}
	if !vm.UpdatedAt.IsZero() {
		return vm.UpdatedAt
	}
	return vm.CreatedAt
}

// IsPowerStateUpToDate reports whether the stored power state is still
// considered confirmed by recent reports.
func (vm *VMInstance) IsPowerStateUpToDate() bool {
	return vm.PowerStateUpdateCount < MaxSameStateUpdates
}
