package models

import (
	"strings"
	"time"
)

// Role of a connected observer stream.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleObserver   Role = "observer"
	RoleSupervisor Role = "supervisor"
)

// ParseRole accepts the role names issued by the account service, including
// the legacy usuario/cuidador/admin tokens.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner", "user", "usuario":
		return RoleOwner, true
	case "observer", "caregiver", "cuidador":
		return RoleObserver, true
	case "supervisor", "admin":
		return RoleSupervisor, true
	}
	return "", false
}

// Device is the durable aggregate row kept for every wearable.
type Device struct {
	MACAddress    string     `json:"mac_address"`
	DisplayName   string     `json:"display_name"`
	Online        bool       `json:"online"`
	ImpactCount   int64      `json:"impact_count"`
	LastMagnitude *float64   `json:"last_magnitude,omitempty"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
}
