package domain

import "time"

type FleetStatus string

const (
	FleetStatusAvailable   FleetStatus = "Available"
	FleetStatusInUse       FleetStatus = "In Use"
	FleetStatusReserved    FleetStatus = "Reserved"
	FleetStatusMaintenance FleetStatus = "Maintenance"
)

func (s FleetStatus) Valid() bool {
	switch s {
	case FleetStatusAvailable, FleetStatusInUse, FleetStatusReserved, FleetStatusMaintenance:
		return true
	}
	return false
}

type FleetItem struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    FleetStatus       `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DashboardStats is recomputed on every authoritative fetch and never patched.
type DashboardStats struct {
	ActiveRentals   int `json:"active_rentals"`
	FleetAvailable  int `json:"fleet_available"`
	FleetInUse      int `json:"fleet_in_use"`
	PendingRequests int `json:"pending_requests"`
}
