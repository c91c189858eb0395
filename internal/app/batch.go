/**
 * @description
 * The batch engine: previewing and creating payout batches from cleared
 * conversions. Preview and creation share one computation path so the
 * operator never approves numbers that differ from what gets persisted.
 * Creation is atomic: the batch row, its line items and the conversion
 * reservations commit together or not at all.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
)

// CreateBatchParams selects the affiliates included in a batch run.
type CreateBatchParams struct {
	Name         string
	AffiliateIDs []uuid.UUID
	PayoutMethod string // default channel label for the batch; line items use each affiliate's own channel
}

// buildBatchPreview is the shared computation behind preview and creation:
// collect eligible conversions per affiliate, price each line with the fee
// schedule, and separate out affiliates that cannot be paid.
func (s *Service) buildBatchPreview(ctx context.Context, affiliateIDs []uuid.UUID) (*domain.BatchPreview, error) {
	if len(affiliateIDs) == 0 {
		return nil, ErrEmptyBatch
	}

	eligible, err := s.repo.FindEligibleConversions(ctx, affiliateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible conversions: %w", err)
	}
	affiliates, err := s.repo.FindAffiliatesByIDs(ctx, affiliateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliates: %w", err)
	}

	preview := &domain.BatchPreview{}
	for _, affiliateID := range affiliateIDs {
		conversions := eligible[affiliateID]
		if len(conversions) == 0 {
			preview.Ineligible = append(preview.Ineligible, domain.IneligibleAffiliate{
				AffiliateID: affiliateID,
				Reason:      "no cleared, unreserved conversions",
			})
			continue
		}

		affiliate, ok := affiliates[affiliateID]
		if !ok {
			preview.Ineligible = append(preview.Ineligible, domain.IneligibleAffiliate{
				AffiliateID: affiliateID,
				Reason:      "affiliate record not found",
			})
			continue
		}
		if !affiliate.HasPayoutDestination() {
			preview.Ineligible = append(preview.Ineligible, domain.IneligibleAffiliate{
				AffiliateID: affiliateID,
				Reason:      "missing payout destination details",
			})
			continue
		}

		var gross int64
		conversionIDs := make([]uuid.UUID, 0, len(conversions))
		for _, c := range conversions {
			gross += c.CommissionAmount
			conversionIDs = append(conversionIDs, c.ID)
		}
		if gross <= 0 {
			preview.Ineligible = append(preview.Ineligible, domain.IneligibleAffiliate{
				AffiliateID: affiliateID,
				Reason:      "non-positive commission total",
			})
			continue
		}

		fee := s.fees.CalculateFee(gross, affiliate.ChannelCode)
		net := gross - fee
		if net <= 0 {
			// Fees swallowing the whole payout means the affiliate keeps the
			// conversions for a future, larger batch.
			preview.Ineligible = append(preview.Ineligible, domain.IneligibleAffiliate{
				AffiliateID: affiliateID,
				Reason:      "net amount would not be positive after fees",
			})
			continue
		}

		preview.Lines = append(preview.Lines, domain.BatchPreviewLine{
			AffiliateID:     affiliateID,
			AffiliateName:   affiliate.Name,
			AffiliateEmail:  affiliate.Email,
			ChannelCode:     affiliate.ChannelCode,
			AccountNumber:   affiliate.AccountNumber,
			AccountName:     affiliate.AccountName,
			GrossAmount:     gross,
			FeeAmount:       fee,
			NetAmount:       net,
			ConversionCount: len(conversions),
			ConversionIDs:   conversionIDs,
		})
		preview.TotalAmount += gross
		preview.TotalFeeAmount += fee
		preview.TotalNetAmount += net
		preview.ConversionCount += len(conversions)
	}

	preview.AffiliateCount = len(preview.Lines)
	sort.Slice(preview.Lines, func(i, j int) bool {
		return preview.Lines[i].NetAmount > preview.Lines[j].NetAmount
	})
	return preview, nil
}

// PreviewPayoutBatch computes what a batch over the given affiliates would
// contain, without persisting anything. The high-value check uses the
// projected batch total so a preview that could not be processed is flagged
// at the earliest step.
func (s *Service) PreviewPayoutBatch(ctx context.Context, actorID uuid.UUID, affiliateIDs []uuid.UUID, permCtx domain.PermissionContext) (*domain.BatchPreview, error) {
	if err := s.requirePermission(ctx, actorID, domain.PermPayoutPreview, permCtx); err != nil {
		return nil, err
	}
	return s.buildBatchPreview(ctx, affiliateIDs)
}

// CreatePayoutBatch materializes a batch from the current eligible set. The
// persisted batch always reflects the state of the ledger at creation time;
// if another batch run reserves any overlapping conversion first, creation
// fails with a conflict instead of paying the conversion twice.
func (s *Service) CreatePayoutBatch(ctx context.Context, actorID uuid.UUID, params CreateBatchParams, permCtx domain.PermissionContext) (*domain.PayoutBatch, error) {
	preview, err := s.buildBatchPreview(ctx, params.AffiliateIDs)
	if err != nil {
		return nil, err
	}
	if len(preview.Lines) == 0 {
		return nil, ErrEmptyBatch
	}

	// Gate on the full batch total so the conjunctive high-value requirement
	// cannot be sidestepped by splitting the amount across line items.
	permCtx.Amount = preview.TotalNetAmount
	if err := s.requirePermission(ctx, actorID, domain.PermPayoutVerify, permCtx); err != nil {
		return nil, err
	}

	batch := &domain.PayoutBatch{
		ID:              uuid.New(),
		Name:            batchName(params.Name),
		Status:          domain.BatchVerified,
		PayoutMethod:    params.PayoutMethod,
		TotalAmount:     preview.TotalAmount,
		FeeAmount:       preview.TotalFeeAmount,
		NetAmount:       preview.TotalNetAmount,
		AffiliateCount:  preview.AffiliateCount,
		ConversionCount: preview.ConversionCount,
	}

	payouts := make([]domain.Payout, 0, len(preview.Lines))
	reservations := make(map[uuid.UUID][]uuid.UUID, len(preview.Lines))
	for _, line := range preview.Lines {
		// Destination details come from the preview line, which already
		// passed the HasPayoutDestination check.
		payoutID := uuid.New()
		payouts = append(payouts, domain.Payout{
			ID:            payoutID,
			BatchID:       batch.ID,
			AffiliateID:   line.AffiliateID,
			Amount:        line.GrossAmount,
			FeeAmount:     line.FeeAmount,
			NetAmount:     line.NetAmount,
			Status:        domain.PayoutPending,
			ReferenceID:   newReferenceID(payoutID),
			ChannelCode:   line.ChannelCode,
			AccountNumber: line.AccountNumber,
			AccountName:   line.AccountName,
		})
		reservations[payoutID] = line.ConversionIDs
	}

	if err := s.repo.CreateBatchWithPayouts(ctx, batch, payouts, reservations); err != nil {
		if errors.Is(err, store.ErrConversionsNotEligible) {
			// A concurrent run reserved part of the selection between preview
			// and commit. Nothing was persisted; the operator retries.
			return nil, err
		}
		return nil, fmt.Errorf("failed to create payout batch: %w", err)
	}

	s.audit(ctx, actorID, "batch_created", "granted", false, map[string]any{
		"batch_id":         batch.ID.String(),
		"affiliate_count":  batch.AffiliateCount,
		"conversion_count": batch.ConversionCount,
		"net_amount":       batch.NetAmount,
	}, permCtx.IPAddress)

	log.Printf("level=info component=batch_engine msg=\"batch created\" batch_id=%s affiliates=%d conversions=%d net=%d", batch.ID, batch.AffiliateCount, batch.ConversionCount, batch.NetAmount)
	return batch, nil
}

// GetBatch retrieves a batch with its line items after a permission check.
func (s *Service) GetBatch(ctx context.Context, actorID, batchID uuid.UUID, permCtx domain.PermissionContext) (*domain.PayoutBatch, []domain.Payout, error) {
	if err := s.requirePermission(ctx, actorID, domain.PermPayoutView, permCtx); err != nil {
		return nil, nil, err
	}
	batch, err := s.repo.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	payouts, err := s.repo.FindPayoutsByBatchID(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	return batch, payouts, nil
}

// ListBatches returns the batch listing after a permission check.
func (s *Service) ListBatches(ctx context.Context, actorID uuid.UUID, limit, offset int, permCtx domain.PermissionContext) ([]domain.PayoutBatch, error) {
	if err := s.requirePermission(ctx, actorID, domain.PermPayoutView, permCtx); err != nil {
		return nil, err
	}
	return s.repo.ListBatches(ctx, limit, offset)
}

func batchName(name string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	return "Payout batch " + time.Now().UTC().Format("2006-01-02 15:04")
}

// newReferenceID builds the locally-owned reference for one disbursement.
// Regenerated only when a failed payout is reset for a fresh attempt.
func newReferenceID(payoutID uuid.UUID) string {
	return fmt.Sprintf("payout-%s-%d", payoutID, time.Now().Unix())
}
