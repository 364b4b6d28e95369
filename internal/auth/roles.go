package auth

import "slices"

// Admin roles, weakest first. Viewers read everything; risk officers may also
// exclude players and change identity flags; admins additionally move coins
// and halt games.
const (
	RoleViewer      = "viewer"
	RoleRiskOfficer = "risk_officer"
	RoleAdmin       = "admin"
	RoleSuperAdmin  = "superadmin"
)

var adminRoles = []string{RoleViewer, RoleRiskOfficer, RoleAdmin, RoleSuperAdmin}

// ValidAdminRole reports whether role may appear on an admin token.
func ValidAdminRole(role string) bool {
	return slices.Contains(adminRoles, role)
}

// RiskRoles may change a player's exclusions, identity flags and sessions.
func RiskRoles() []string {
	return []string{RoleRiskOfficer, RoleAdmin, RoleSuperAdmin}
}

// WriteRoles may credit wallets and halt or reopen games.
func WriteRoles() []string {
	return []string{RoleAdmin, RoleSuperAdmin}
}
