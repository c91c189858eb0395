/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access required by the payout pipeline. Defining an interface decouples the
 * business logic from the PostgreSQL implementation and lets tests substitute
 * hand-rolled stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
)

// AdminProfile is the coarse legacy admin record used for fallback role
// derivation when no explicit role assignment exists.
type AdminProfile struct {
	UserID     uuid.UUID
	IsAdmin    bool
	AdminLevel string // super | high | medium | low
}

// CallbackUpdateParams carries the reconciliation outcome applied to a payout.
type CallbackUpdateParams struct {
	Status                 domain.PayoutStatus
	ProviderDisbursementID string
	FailureReason          *string
	ProcessedAt            *time.Time
}

// ConversionListOptions filters admin conversion listings.
type ConversionListOptions struct {
	AffiliateID *uuid.UUID
	Status      *domain.ConversionStatus
	Limit       int
	Offset      int
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Affiliate methods
	FindAffiliateByID(ctx context.Context, affiliateID uuid.UUID) (*domain.Affiliate, error)
	FindAffiliatesByIDs(ctx context.Context, affiliateIDs []uuid.UUID) (map[uuid.UUID]domain.Affiliate, error)

	// Conversion ledger methods
	CreateConversion(ctx context.Context, conversion *domain.Conversion) error
	FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error)
	ListConversions(ctx context.Context, opts ConversionListOptions) ([]domain.Conversion, error)
	VerifyPendingConversions(ctx context.Context, conversionIDs []uuid.UUID) ([]uuid.UUID, error)
	UpdateConversionStatus(ctx context.Context, conversionID uuid.UUID, status domain.ConversionStatus) error
	FindEligibleConversions(ctx context.Context, affiliateIDs []uuid.UUID) (map[uuid.UUID][]domain.Conversion, error)
	MarkConversionsPaidByPayout(ctx context.Context, payoutID uuid.UUID) (int64, error)
	ReleaseConversionsByPayout(ctx context.Context, payoutID uuid.UUID) (int64, error)

	// Batch and payout methods
	CreateBatchWithPayouts(ctx context.Context, batch *domain.PayoutBatch, payouts []domain.Payout, reservations map[uuid.UUID][]uuid.UUID) error
	FindBatchByID(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]domain.PayoutBatch, error)
	TransitionBatchStatus(ctx context.Context, batchID uuid.UUID, from, to domain.BatchStatus) error
	SetBatchProcessedAt(ctx context.Context, batchID uuid.UUID, processedAt time.Time) error
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	FindPayoutsByBatchID(ctx context.Context, batchID uuid.UUID) ([]domain.Payout, error)
	FindPayoutByProviderID(ctx context.Context, providerID string) (*domain.Payout, error)
	FindPayoutByReferenceID(ctx context.Context, referenceID string) (*domain.Payout, error)
	EnsurePayoutIdempotencyKey(ctx context.Context, payoutID uuid.UUID, key string) (string, error)
	MarkPayoutDispatched(ctx context.Context, payoutID uuid.UUID, providerID string, dispatchedAt time.Time) error
	MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) error
	ApplyPayoutCallbackUpdate(ctx context.Context, payoutID uuid.UUID, params CallbackUpdateParams) (bool, error)
	CancelPendingPayout(ctx context.Context, payoutID uuid.UUID) error
	ResetFailedPayout(ctx context.Context, payoutID uuid.UUID, newReferenceID string) error
	CountPayoutStatusesByBatch(ctx context.Context, batchID uuid.UUID) (map[domain.PayoutStatus]int, error)
	FindStalledProcessingPayouts(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Payout, error)

	// Permission and audit methods
	FindActiveRoleByUserID(ctx context.Context, userID uuid.UUID) (domain.Role, error)
	FindAdminProfile(ctx context.Context, userID uuid.UUID) (*AdminProfile, error)
	ListActiveIPAllowlist(ctx context.Context, userID uuid.UUID) ([]string, error)
	AppendActivityRecord(ctx context.Context, record domain.ActivityRecord) error
}
