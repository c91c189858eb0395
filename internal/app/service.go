/**
 * @description
 * This file contains the core application service, which orchestrates the
 * business logic of the affiliate payout pipeline. It sits between the API
 * layer and the data/provider layers: the conversion ledger, batch engine,
 * dispatcher and reconciliation logic all hang off the Service type defined
 * here.
 *
 * @dependencies
 * - internal/store: For database interactions via the Repository interface.
 * - internal/domain: For the core data structures.
 * - internal/config: For application configuration.
 * - pkg/xenditclient: For communicating with the disbursement provider.
 * - pkg/rabbitmq: For publishing lifecycle events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robguevarra/affiliate-payout-service/internal/config"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
	"github.com/robguevarra/affiliate-payout-service/pkg/rabbitmq"
	"github.com/robguevarra/affiliate-payout-service/pkg/xenditclient"
)

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNoVerifiableRows     = errors.New("no conversions were eligible for verification")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrEmptyBatch           = errors.New("no eligible conversions for any selected affiliate")
	ErrBatchNotProcessable  = errors.New("batch is not in a processable status")
	ErrPayoutNotCancellable = errors.New("payout cannot be cancelled in its current status")
	ErrPayoutNotRetryable   = errors.New("payout is not in a retryable status")
	ErrUnknownPayout        = errors.New("callback does not match any known payout")
)

// ProviderClient is the subset of the disbursement provider API the service
// depends on. *xenditclient.Client satisfies it; tests substitute stubs.
type ProviderClient interface {
	SubmitPayout(ctx context.Context, req xenditclient.PayoutRequest) (*xenditclient.PayoutResponse, *xenditclient.ProviderError)
	GetPayout(ctx context.Context, providerID string) (*xenditclient.PayoutResponse, *xenditclient.ProviderError)
	GetPayoutByReference(ctx context.Context, referenceID string) (*xenditclient.PayoutResponse, *xenditclient.ProviderError)
	VerifyCallbackSignature(rawBody []byte, signatureHeader string) bool
}

// Service provides the core application logic for the payout pipeline.
type Service struct {
	repo     store.Repository
	provider ProviderClient
	producer rabbitmq.Publisher
	anomaly  *AnomalyDetector
	fees     xenditclient.FeeSchedule
	cfg      config.Config
}

// NewService creates a new application service. redisClient may be nil, in
// which case anomaly detection is disabled and every check reports low risk.
func NewService(repo store.Repository, provider ProviderClient, producer rabbitmq.Publisher, redisClient *redis.Client, cfg config.Config) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		producer: producer,
		anomaly:  NewAnomalyDetector(redisClient, cfg.HighValueThresholdCentavos),
		fees: xenditclient.FeeSchedule{
			BankFlatFee:    cfg.BankFlatFeeCentavos,
			EWalletPercent: cfg.EWalletFeePercent,
			EWalletFloor:   cfg.EWalletFeeFloorCentavos,
			EWalletCeiling: cfg.EWalletFeeCeilingCentavos,
		},
		cfg: cfg,
	}
}

// RecordConversionParams captures one attribution event from the upstream
// tracking system.
type RecordConversionParams struct {
	AffiliateID      uuid.UUID
	OrderID          string
	GMV              int64
	CommissionAmount int64
	CommissionRate   float64
}

// RecordConversion appends a new conversion to the ledger in `pending`.
// When the commission amount is absent it is derived from GMV using the
// stored rate, falling back to the default program rate.
func (s *Service) RecordConversion(ctx context.Context, params RecordConversionParams) (*domain.Conversion, error) {
	if params.GMV <= 0 {
		return nil, fmt.Errorf("gmv must be positive, got %d", params.GMV)
	}

	conversion := &domain.Conversion{
		ID:               uuid.New(),
		AffiliateID:      params.AffiliateID,
		OrderID:          params.OrderID,
		GMV:              params.GMV,
		CommissionAmount: params.CommissionAmount,
		CommissionRate:   params.CommissionRate,
		Status:           domain.ConversionPending,
	}
	if conversion.CommissionAmount <= 0 {
		conversion.CommissionAmount = int64(float64(params.GMV) * conversion.EffectiveCommissionRate())
	}

	if err := s.repo.CreateConversion(ctx, conversion); err != nil {
		if errors.Is(err, store.ErrDuplicateOrderConversion) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record conversion: %w", err)
	}

	log.Printf("level=info component=ledger msg=\"conversion recorded\" conversion_id=%s affiliate_id=%s commission=%d", conversion.ID, conversion.AffiliateID, conversion.CommissionAmount)
	return conversion, nil
}

// GetConversion retrieves one conversion after a permission check.
func (s *Service) GetConversion(ctx context.Context, actorID, conversionID uuid.UUID, permCtx domain.PermissionContext) (*domain.Conversion, error) {
	if err := s.requirePermission(ctx, actorID, domain.PermConversionView, permCtx); err != nil {
		return nil, err
	}
	return s.repo.FindConversionByID(ctx, conversionID)
}

// ListConversions returns the admin conversion listing after a permission check.
func (s *Service) ListConversions(ctx context.Context, actorID uuid.UUID, opts store.ConversionListOptions, permCtx domain.PermissionContext) ([]domain.Conversion, error) {
	if err := s.requirePermission(ctx, actorID, domain.PermConversionView, permCtx); err != nil {
		return nil, err
	}
	return s.repo.ListConversions(ctx, opts)
}

// VerifyConversions transitions the given conversions from pending to
// cleared in bulk. Rows not currently pending are skipped, and the result
// reports exactly which ids transitioned. Zero eligible rows is an error:
// an operator clicking verify on an empty selection is a mistake worth
// surfacing, not an empty success.
func (s *Service) VerifyConversions(ctx context.Context, actorID uuid.UUID, conversionIDs []uuid.UUID, notes string, permCtx domain.PermissionContext) (*domain.VerifyConversionsResult, error) {
	if err := s.requirePermission(ctx, actorID, domain.PermConversionVerify, permCtx); err != nil {
		return nil, err
	}
	if len(conversionIDs) == 0 {
		return nil, ErrNoVerifiableRows
	}

	verified, err := s.repo.VerifyPendingConversions(ctx, conversionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to verify conversions: %w", err)
	}
	if len(verified) == 0 {
		return nil, ErrNoVerifiableRows
	}

	// One verification record per transitioned row, so each conversion's
	// audit trail shows who cleared it.
	for _, id := range verified {
		details := map[string]any{"conversion_id": id.String()}
		if notes != "" {
			details["notes"] = notes
		}
		s.audit(ctx, actorID, "conversion_verified", "granted", false, details, permCtx.IPAddress)
	}

	log.Printf("level=info component=ledger msg=\"conversions verified\" actor_id=%s requested=%d verified=%d", actorID, len(conversionIDs), len(verified))
	return &domain.VerifyConversionsResult{VerifiedCount: len(verified), VerifiedIDs: verified}, nil
}

// UpdateConversionStatus moves a single conversion along a legal edge of the
// status machine. The transition is validated against the current row before
// the write; an illegal edge is rejected with ErrInvalidTransition.
func (s *Service) UpdateConversionStatus(ctx context.Context, actorID, conversionID uuid.UUID, target domain.ConversionStatus, notes string, permCtx domain.PermissionContext) (*domain.Conversion, error) {
	if err := s.requirePermission(ctx, actorID, domain.PermConversionUpdate, permCtx); err != nil {
		return nil, err
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}

	conversion, err := s.repo.FindConversionByID(ctx, conversionID)
	if err != nil {
		return nil, err
	}
	if !conversion.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conversion.Status, target)
	}

	if err := s.repo.UpdateConversionStatus(ctx, conversionID, target); err != nil {
		return nil, fmt.Errorf("failed to update conversion status: %w", err)
	}

	details := map[string]any{
		"conversion_id": conversionID.String(),
		"from":          string(conversion.Status),
		"to":            string(target),
	}
	if notes != "" {
		details["notes"] = notes
	}
	s.audit(ctx, actorID, "conversion_status_updated", "granted", false, details, permCtx.IPAddress)

	conversion.Status = target
	conversion.UpdatedAt = time.Now()
	return conversion, nil
}

// audit appends one activity record. Audit writes are best-effort for
// granted actions but logged loudly on failure; a lost audit row must not
// roll back the business operation it describes.
func (s *Service) audit(ctx context.Context, actorID uuid.UUID, action, decision string, securityEvent bool, details map[string]any, ipAddress string) {
	record := domain.ActivityRecord{
		ID:            uuid.New(),
		ActorID:       actorID,
		Action:        action,
		Decision:      decision,
		SecurityEvent: securityEvent,
		Details:       details,
		IPAddress:     ipAddress,
	}
	if err := s.repo.AppendActivityRecord(ctx, record); err != nil {
		log.Printf("level=error component=audit msg=\"failed to append activity record\" actor_id=%s action=%s err=%v", actorID, action, err)
	}
}
