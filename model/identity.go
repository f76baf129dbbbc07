package model

import (
	"strings"

	"github.com/pkg/errors"
)

// Role is the role of an authenticated user.
type Role string

// The roles known to the audit backend.
const (
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleSupervisor Role = "supervisor"
	RoleAuditor    Role = "auditor"
)

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	for _, role := range []Role{RoleAdmin, RoleManager, RoleSupervisor, RoleAuditor} {
		if strings.EqualFold(s, string(role)) {
			return role, nil
		}
	}
	return "", errors.Errorf("unknown role: %q", s)
}

// Identity is the authenticated caller of an operation.
type Identity struct {
	UserID         string `json:"userId"`
	Role           Role   `json:"role"`
	OrganisationID string `json:"organisationId"`
}

// CanAccess returns true if the notification is addressed to the identity, either directly or
// through the identity's organisation.
func (i Identity) CanAccess(n *Notification) bool {
	if n.UserID != "" {
		return n.UserID == i.UserID
	}
	return n.OrganisationID != "" && n.OrganisationID == i.OrganisationID
}

// CanSendSystemAlerts returns true if the identity may broadcast system alerts.
func (i Identity) CanSendSystemAlerts() bool {
	return i.Role == RoleAdmin || i.Role == RoleManager
}
