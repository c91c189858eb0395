/**
 * @description
 * Reconciliation: converging local payout state with the provider's asynchronous
 * outcomes. The primary source is the signed webhook callback; a cron-driven
 * poller covers delayed or lost webhooks by querying the provider for stalled
 * in-flight payouts. Both paths share one idempotent application function, so
 * duplicate and out-of-order deliveries are harmless.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
	"github.com/robguevarra/affiliate-payout-service/pkg/xenditclient"
)

// ErrInvalidCallbackSignature rejects callbacks whose HMAC does not match.
var ErrInvalidCallbackSignature = errors.New("callback signature verification failed")

// CallbackPayload is the provider's webhook body for payout status changes.
// Events arrive wrapped in an envelope with the payout inside `data`.
type CallbackPayload struct {
	Event string `json:"event,omitempty"`
	Data  struct {
		ID          string `json:"id"`
		ReferenceID string `json:"reference_id"`
		Status      string `json:"status"`
		FailureCode string `json:"failure_code,omitempty"`
		Updated     string `json:"updated,omitempty"`
	} `json:"data"`
}

// CallbackOutcome summarizes what a callback did, for the HTTP response and logs.
type CallbackOutcome struct {
	PayoutID uuid.UUID           `json:"payout_id,omitempty"`
	Status   domain.PayoutStatus `json:"status,omitempty"`
	Applied  bool                `json:"applied"`
	Known    bool                `json:"known"`
}

// HandleProviderCallback verifies and applies one webhook delivery. The
// signature is computed over the raw body before any parsing. A callback for
// an unknown payout is acknowledged as handled: the provider would otherwise
// retry forever, and the event is logged for investigation instead.
func (s *Service) HandleProviderCallback(ctx context.Context, rawBody []byte, signatureHeader string) (*CallbackOutcome, error) {
	if !s.provider.VerifyCallbackSignature(rawBody, signatureHeader) {
		s.audit(ctx, uuid.Nil, "webhook_signature_rejected", "denied", true, map[string]any{
			"body_bytes": len(rawBody),
		}, "")
		return nil, ErrInvalidCallbackSignature
	}

	var payload CallbackPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode callback payload: %w", err)
	}
	if payload.Data.ID == "" && payload.Data.ReferenceID == "" {
		return nil, errors.New("callback payload carries no payout identifiers")
	}

	payout, err := s.locatePayout(ctx, payload.Data.ID, payload.Data.ReferenceID)
	if err != nil {
		if errors.Is(err, store.ErrPayoutNotFound) {
			log.Printf("level=warn component=reconciler msg=\"callback for unknown payout acknowledged\" provider_id=%s reference_id=%s", payload.Data.ID, payload.Data.ReferenceID)
			return &CallbackOutcome{Known: false, Applied: false}, nil
		}
		return nil, err
	}

	mapped := xenditclient.MapProviderStatus(payload.Data.Status)
	outcome := &CallbackOutcome{PayoutID: payout.ID, Known: true}

	if mapped == xenditclient.StatusProcessing {
		// Intermediate update: nothing terminal to apply.
		outcome.Status = payout.Status
		log.Printf("level=info component=reconciler msg=\"intermediate callback observed\" payout_id=%s provider_status=%s", payout.ID, payload.Data.Status)
		return outcome, nil
	}

	applied, status, err := s.applyTerminalOutcome(ctx, payout, mapped, payload.Data.ID, payload.Data.FailureCode)
	if err != nil {
		return nil, err
	}
	outcome.Applied = applied
	outcome.Status = status
	return outcome, nil
}

// locatePayout resolves a callback to a local payout, preferring the
// provider-assigned id and falling back to the local reference id.
func (s *Service) locatePayout(ctx context.Context, providerID, referenceID string) (*domain.Payout, error) {
	if providerID != "" {
		payout, err := s.repo.FindPayoutByProviderID(ctx, providerID)
		if err == nil {
			return payout, nil
		}
		if !errors.Is(err, store.ErrPayoutNotFound) {
			return nil, err
		}
	}
	if referenceID != "" {
		return s.repo.FindPayoutByReferenceID(ctx, referenceID)
	}
	return nil, store.ErrPayoutNotFound
}

// applyTerminalOutcome writes one terminal provider outcome: the payout
// status, the downstream conversion effects, the notification event, and the
// batch completion re-evaluation. The store-level guard makes the write
// idempotent; a duplicate delivery reports applied=false and does nothing.
func (s *Service) applyTerminalOutcome(ctx context.Context, payout *domain.Payout, mapped xenditclient.Status, providerID, failureCode string) (bool, domain.PayoutStatus, error) {
	var target domain.PayoutStatus
	var failureReason *string
	switch mapped {
	case xenditclient.StatusPaid:
		target = domain.PayoutPaid
	case xenditclient.StatusFailed:
		target = domain.PayoutFailed
		reason := failureCode
		if reason == "" {
			reason = "provider reported failure"
		}
		failureReason = &reason
	default:
		return false, payout.Status, nil
	}

	now := time.Now()
	applied, err := s.repo.ApplyPayoutCallbackUpdate(ctx, payout.ID, store.CallbackUpdateParams{
		Status:                 target,
		ProviderDisbursementID: providerID,
		FailureReason:          failureReason,
		ProcessedAt:            &now,
	})
	if err != nil {
		return false, payout.Status, fmt.Errorf("failed to apply callback update: %w", err)
	}
	if !applied {
		log.Printf("level=info component=reconciler msg=\"duplicate terminal update ignored\" payout_id=%s status=%s", payout.ID, target)
		return false, payout.Status, nil
	}

	switch target {
	case domain.PayoutPaid:
		count, err := s.repo.MarkConversionsPaidByPayout(ctx, payout.ID)
		if err != nil {
			log.Printf("level=error component=reconciler msg=\"failed to mark conversions paid\" payout_id=%s err=%v", payout.ID, err)
		} else {
			log.Printf("level=info component=reconciler msg=\"payout settled\" payout_id=%s conversions_paid=%d", payout.ID, count)
		}
		s.publishPayoutEvent(ctx, payout, string(domain.PayoutPaid), "")
	case domain.PayoutFailed:
		s.releaseConversions(ctx, payout.ID)
		reason := ""
		if failureReason != nil {
			reason = *failureReason
		}
		log.Printf("level=warn component=reconciler msg=\"payout failed at provider\" payout_id=%s reason=%q", payout.ID, reason)
		s.publishPayoutEvent(ctx, payout, string(domain.PayoutFailed), reason)
	}

	if err := s.evaluateBatchCompletion(ctx, payout.BatchID); err != nil {
		log.Printf("level=warn component=reconciler msg=\"batch completion evaluation failed\" batch_id=%s err=%v", payout.BatchID, err)
	}
	return true, target, nil
}

// evaluateBatchCompletion settles a processing batch once no line items
// remain in flight: completed when at least one item paid, failed when none
// did. Safe to call on every terminal update; non-processing batches and
// batches with in-flight items are left untouched.
func (s *Service) evaluateBatchCompletion(ctx context.Context, batchID uuid.UUID) error {
	counts, err := s.repo.CountPayoutStatusesByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if counts[domain.PayoutPending] > 0 || counts[domain.PayoutProcessing] > 0 {
		return nil
	}

	paid := counts[domain.PayoutPaid]
	failed := counts[domain.PayoutFailed]
	target := domain.BatchCompleted
	if paid == 0 {
		target = domain.BatchFailed
	}

	if err := s.repo.TransitionBatchStatus(ctx, batchID, domain.BatchProcessing, target); err != nil {
		if errors.Is(err, store.ErrBatchStatusConflict) {
			// Already settled by a concurrent update, or never started processing.
			return nil
		}
		return err
	}

	log.Printf("level=info component=reconciler msg=\"batch settled\" batch_id=%s status=%s paid=%d failed=%d", batchID, target, paid, failed)
	event := domain.BatchCompletedEvent{
		BatchID:   batchID,
		Status:    string(target),
		PaidCount: paid,
		FailCount: failed,
		Timestamp: time.Now(),
	}
	if err := s.producer.PublishBatchCompletedEvent(ctx, event); err != nil {
		log.Printf("level=warn component=reconciler msg=\"batch event publish failed\" batch_id=%s err=%v", batchID, err)
	}
	return nil
}

// SyncPayoutStatuses is the poller body: it queries the provider for payouts
// stuck in flight past the grace period and applies any terminal outcome it
// finds, exactly the way a callback would. Pending payouts whose idempotency
// key was persisted before an attempt with an unknown outcome are included:
// the reference-id lookup tells whether the provider ever accepted the
// request, and an accepted one is converged to processing.
func (s *Service) SyncPayoutStatuses(ctx context.Context) error {
	stalledAfter := time.Duration(s.cfg.ReconcileStalledAfterMin) * time.Minute
	stalled, err := s.repo.FindStalledProcessingPayouts(ctx, stalledAfter, 100)
	if err != nil {
		return fmt.Errorf("failed to load stalled payouts: %w", err)
	}
	if len(stalled) == 0 {
		return nil
	}

	log.Printf("level=info component=reconciler msg=\"syncing stalled payouts\" count=%d", len(stalled))
	for i := range stalled {
		payout := stalled[i]

		var resp *xenditclient.PayoutResponse
		var provErr *xenditclient.ProviderError
		if payout.ProviderDisbursementID != nil {
			resp, provErr = s.provider.GetPayout(ctx, *payout.ProviderDisbursementID)
		} else {
			resp, provErr = s.provider.GetPayoutByReference(ctx, payout.ReferenceID)
		}
		if provErr != nil {
			if payout.Status == domain.PayoutPending && provErr.StatusCode == 404 {
				// The provider has no record for the reference: the original
				// submission never landed. The item stays pending and a
				// dispatch re-run picks it up with its persisted key.
				log.Printf("level=info component=reconciler msg=\"pending payout has no provider record\" payout_id=%s reference_id=%s", payout.ID, payout.ReferenceID)
				continue
			}
			log.Printf("level=warn component=reconciler msg=\"provider lookup failed during sync\" payout_id=%s error_code=%s", payout.ID, provErr.ErrorCode)
			continue
		}

		mapped := xenditclient.MapProviderStatus(resp.Status)
		if mapped == xenditclient.StatusProcessing {
			if payout.Status == domain.PayoutPending {
				// The provider accepted the submission but the local status
				// write was lost. Converge so later callbacks match by
				// provider id.
				if err := s.repo.MarkPayoutDispatched(ctx, payout.ID, resp.ID, time.Now()); err != nil {
					log.Printf("level=error component=reconciler msg=\"failed to converge dispatched payout\" payout_id=%s provider_id=%s err=%v", payout.ID, resp.ID, err)
				} else {
					log.Printf("level=info component=reconciler msg=\"pending payout converged to processing\" payout_id=%s provider_id=%s", payout.ID, resp.ID)
				}
			}
			continue
		}
		if _, _, err := s.applyTerminalOutcome(ctx, &payout, mapped, resp.ID, resp.FailureCode); err != nil {
			log.Printf("level=error component=reconciler msg=\"failed to apply synced outcome\" payout_id=%s err=%v", payout.ID, err)
		}
	}
	return nil
}
