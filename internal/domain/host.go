package domain

import (
	"time"
)

// HostPhase represents the connectivity phase of a hypervisor host.
type HostPhase string

const (
	HostPhaseUnknown      HostPhase = "UNKNOWN"
	HostPhaseReady        HostPhase = "READY"
	HostPhaseDisconnected HostPhase = "DISCONNECTED"
	HostPhaseMaintenance  HostPhase = "MAINTENANCE"
)

// Host represents a physical hypervisor host that pushes VM state reports.
type Host struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	ManagementIP string    `json:"management_ip,omitempty"`
	Phase        HostPhase `json:"phase"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// IsConnected returns true if the host is currently reporting.
func (h *Host) IsConnected() bool {
	return h.Phase == HostPhaseReady
}
