/**
 * @description
 * This file defines the permission and role model guarding every mutating
 * payout and conversion operation. Permissions and roles are closed enums
 * with a total role-to-permission mapping, so adding a permission forces
 * every role mapping to be revisited at compile time rather than failing at
 * runtime from a loosely-typed dictionary.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Permission names one operation a caller may be granted.
type Permission string

const (
	PermPayoutView       Permission = "payout.view"
	PermPayoutPreview    Permission = "payout.preview"
	PermPayoutVerify     Permission = "payout.verify"
	PermPayoutProcess    Permission = "payout.process"
	PermPayoutCancel     Permission = "payout.cancel"
	PermPayoutExport     Permission = "payout.export"
	PermPayoutHighValue  Permission = "payout.high_value"
	PermConversionView   Permission = "conversion.view"
	PermConversionVerify Permission = "conversion.verify"
	PermConversionUpdate Permission = "conversion.update"
	PermAdminFullAccess  Permission = "admin.full_access"
)

// Role names a fixed permission bundle assignable to an admin user.
type Role string

const (
	RolePayoutViewer    Role = "payout_viewer"
	RolePayoutOperator  Role = "payout_operator"
	RolePayoutProcessor Role = "payout_processor"
	RolePayoutManager   Role = "payout_manager"
	RolePayoutAdmin     Role = "payout_admin"
	RoleSuperAdmin      Role = "super_admin"
)

// Permissions returns the permission set for a role. The switch is total
// over the role enum; an unknown role has no permissions.
func (r Role) Permissions() []Permission {
	switch r {
	case RolePayoutViewer:
		return []Permission{
			PermPayoutView,
			PermConversionView,
		}
	case RolePayoutOperator:
		return []Permission{
			PermPayoutView,
			PermPayoutPreview,
			PermPayoutVerify,
			PermPayoutExport,
			PermConversionView,
			PermConversionVerify,
			PermConversionUpdate,
		}
	case RolePayoutProcessor:
		return []Permission{
			PermPayoutView,
			PermPayoutPreview,
			PermPayoutVerify,
			PermPayoutProcess,
			PermPayoutCancel,
			PermPayoutExport,
			PermConversionView,
			PermConversionVerify,
			PermConversionUpdate,
		}
	case RolePayoutManager, RolePayoutAdmin:
		return []Permission{
			PermPayoutView,
			PermPayoutPreview,
			PermPayoutVerify,
			PermPayoutProcess,
			PermPayoutCancel,
			PermPayoutExport,
			PermPayoutHighValue,
			PermConversionView,
			PermConversionVerify,
			PermConversionUpdate,
		}
	case RoleSuperAdmin:
		return []Permission{PermAdminFullAccess}
	}
	return nil
}

// Has reports whether the role holds the permission. The super-admin escape
// hatch (admin.full_access) implies everything.
func (r Role) Has(p Permission) bool {
	for _, held := range r.Permissions() {
		if held == PermAdminFullAccess || held == p {
			return true
		}
	}
	return false
}

// PermissionContext carries the contextual signals evaluated alongside the
// base role check.
type PermissionContext struct {
	Amount    int64  // centavos; triggers the conjunctive high-value check
	IPAddress string
	UserAgent string
}

// PermissionDecision is the resolved outcome of one permission check.
// It is recomputed per request and never persisted as an entity; only the
// audit record of the decision is stored.
type PermissionDecision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
	Role    Role   `json:"role,omitempty"`
}

// RiskLevel grades the anomaly heuristic's advisory output.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActivityRecord is one append-only audit entry. Records are never mutated.
type ActivityRecord struct {
	ID            uuid.UUID      `json:"id"`
	ActorID       uuid.UUID      `json:"actor_id"`
	Action        string         `json:"action"`
	Decision      string         `json:"decision,omitempty"`
	SecurityEvent bool           `json:"security_event"`
	Details       map[string]any `json:"details,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
