package domain

import "time"

const (
	RoleTraveler = "traveler"
	RoleStaff    = "staff"
)

// Credential maps a hashed API token to a stable caller identity.
type Credential struct {
	TokenHash string
	Identity  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

func (c Credential) IsStaff() bool { return c.Role == RoleStaff }
