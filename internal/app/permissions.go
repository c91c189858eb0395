/**
 * @description
 * The permission gate evaluated before every mutating payout and conversion
 * operation. Resolution order: explicit role assignment first, then the
 * coarse legacy admin flags, then deny. The check is contextual: high-value
 * amounts require a second permission conjunctively, a configured IP
 * allow-list is consulted (fail-open on lookup errors), and an advisory
 * anomaly grade is attached. Every decision, granted or denied, is written
 * to the append-only activity log; denials are flagged as security events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
)

// roleForAdminLevel maps the legacy admin_level field onto a payout role.
// Used only when the actor has no explicit role assignment.
func roleForAdminLevel(level string) domain.Role {
	switch level {
	case "super":
		return domain.RoleSuperAdmin
	case "high":
		return domain.RolePayoutAdmin
	case "medium":
		return domain.RolePayoutManager
	case "low":
		return domain.RolePayoutOperator
	default:
		return domain.RolePayoutViewer
	}
}

// resolveRole finds the actor's effective role: the explicit assignment wins,
// the legacy admin profile is the fallback, no admin record means no role.
func (s *Service) resolveRole(ctx context.Context, actorID uuid.UUID) (domain.Role, error) {
	role, err := s.repo.FindActiveRoleByUserID(ctx, actorID)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, store.ErrRoleNotFound) {
		return "", fmt.Errorf("failed to resolve role: %w", err)
	}

	profile, err := s.repo.FindAdminProfile(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			return "", store.ErrRoleNotFound
		}
		return "", fmt.Errorf("failed to resolve admin profile: %w", err)
	}
	if !profile.IsAdmin {
		return "", store.ErrRoleNotFound
	}
	return roleForAdminLevel(profile.AdminLevel), nil
}

// CheckPermission evaluates whether the actor may perform the operation
// guarded by perm, given the contextual signals in permCtx. The decision is
// audited regardless of outcome. The returned decision is advisory-rich but
// the Granted flag is the only thing callers branch on.
func (s *Service) CheckPermission(ctx context.Context, actorID uuid.UUID, perm domain.Permission, permCtx domain.PermissionContext) domain.PermissionDecision {
	role, err := s.resolveRole(ctx, actorID)
	if err != nil {
		decision := domain.PermissionDecision{Granted: false, Reason: "no payout role assigned"}
		if !errors.Is(err, store.ErrRoleNotFound) {
			// Infrastructure failure during resolution: deny, but say why.
			decision.Reason = "role resolution failed"
			log.Printf("level=error component=permissions msg=\"role resolution failed\" actor_id=%s err=%v", actorID, err)
		}
		s.auditDecision(ctx, actorID, perm, decision, permCtx)
		return decision
	}

	if !role.Has(perm) {
		decision := domain.PermissionDecision{Granted: false, Role: role, Reason: fmt.Sprintf("role %s lacks %s", role, perm)}
		s.auditDecision(ctx, actorID, perm, decision, permCtx)
		return decision
	}

	// High-value operations require the dedicated permission in addition to
	// the base one. The threshold compares the single operation amount.
	if permCtx.Amount > 0 && permCtx.Amount >= s.cfg.HighValueThresholdCentavos && perm != domain.PermPayoutHighValue {
		if !role.Has(domain.PermPayoutHighValue) {
			decision := domain.PermissionDecision{
				Granted: false,
				Role:    role,
				Reason:  fmt.Sprintf("amount %d exceeds high-value threshold and role %s lacks %s", permCtx.Amount, role, domain.PermPayoutHighValue),
			}
			s.auditDecision(ctx, actorID, perm, decision, permCtx)
			return decision
		}
	}

	if permCtx.IPAddress != "" && !s.checkIPAllowlist(ctx, actorID, permCtx.IPAddress) {
		decision := domain.PermissionDecision{Granted: false, Role: role, Reason: "ip address not in allow-list"}
		s.auditDecision(ctx, actorID, perm, decision, permCtx)
		return decision
	}

	// Anomaly grading is advisory: it annotates the audit trail and logs,
	// never blocks.
	risk := s.anomaly.Assess(ctx, actorID, string(perm), permCtx)
	if risk != domain.RiskLow {
		log.Printf("level=warn component=permissions msg=\"anomalous activity pattern\" actor_id=%s permission=%s risk=%s", actorID, perm, risk)
	}

	decision := domain.PermissionDecision{Granted: true, Role: role}
	s.auditDecisionWithRisk(ctx, actorID, perm, decision, permCtx, risk)
	return decision
}

// checkIPAllowlist reports whether the request IP passes the actor's
// configured allow-list. Entries are exact addresses or CIDR ranges. No
// configured entries means no restriction. Lookup failures fail open: an
// availability incident in the allow-list store must not lock every operator
// out of payout processing.
func (s *Service) checkIPAllowlist(ctx context.Context, actorID uuid.UUID, ipAddress string) bool {
	entries, err := s.repo.ListActiveIPAllowlist(ctx, actorID)
	if err != nil {
		log.Printf("level=warn component=permissions msg=\"ip allow-list lookup failed; failing open\" actor_id=%s err=%v", actorID, err)
		return true
	}
	if len(entries) == 0 {
		return true
	}
	addr, addrErr := netip.ParseAddr(ipAddress)
	for _, entry := range entries {
		if entry == ipAddress {
			return true
		}
		if addrErr == nil && strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				log.Printf("level=warn component=permissions msg=\"malformed allow-list range skipped\" actor_id=%s entry=%q", actorID, entry)
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
		}
	}
	log.Printf("level=warn component=permissions msg=\"request ip not in allow-list\" actor_id=%s ip=%s", actorID, ipAddress)
	return false
}

// requirePermission is the internal guard used by service methods: it runs
// the full contextual check and converts a denial into ErrPermissionDenied.
func (s *Service) requirePermission(ctx context.Context, actorID uuid.UUID, perm domain.Permission, permCtx domain.PermissionContext) error {
	decision := s.CheckPermission(ctx, actorID, perm, permCtx)
	if !decision.Granted {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, decision.Reason)
	}
	return nil
}

func (s *Service) auditDecision(ctx context.Context, actorID uuid.UUID, perm domain.Permission, decision domain.PermissionDecision, permCtx domain.PermissionContext) {
	s.auditDecisionWithRisk(ctx, actorID, perm, decision, permCtx, domain.RiskLow)
}

func (s *Service) auditDecisionWithRisk(ctx context.Context, actorID uuid.UUID, perm domain.Permission, decision domain.PermissionDecision, permCtx domain.PermissionContext, risk domain.RiskLevel) {
	outcome := "granted"
	if !decision.Granted {
		outcome = "denied"
	}
	details := map[string]any{
		"permission": string(perm),
	}
	if decision.Role != "" {
		details["role"] = string(decision.Role)
	}
	if decision.Reason != "" {
		details["reason"] = decision.Reason
	}
	if permCtx.Amount > 0 {
		details["amount"] = permCtx.Amount
	}
	if risk != domain.RiskLow {
		details["risk"] = string(risk)
	}
	s.audit(ctx, actorID, "permission_check", outcome, !decision.Granted, details, permCtx.IPAddress)
}
