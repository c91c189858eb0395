/**
 * @description
 * The dispatcher: hands a verified batch's line items to the disbursement
 * provider, one by one, with idempotency keys and bounded retries. Items are
 * independent; one rejection never aborts the rest of the run. The batch
 * moves verified -> processing here and only reaches completed/failed through
 * reconciliation, once every line item has a terminal status.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
	"github.com/robguevarra/affiliate-payout-service/pkg/xenditclient"
)

// ProcessBatch dispatches every pending line item of a verified batch.
// The verified -> processing transition is a compare-and-set, so two
// operators clicking process concurrently results in exactly one dispatch
// run; the loser gets ErrBatchNotProcessable. A batch already processing is
// resumable: line items left pending by transient retry exhaustion or a
// lost status write are re-dispatched with their persisted idempotency
// keys, so a request the provider already accepted dedupes server-side.
func (s *Service) ProcessBatch(ctx context.Context, actorID, batchID uuid.UUID, permCtx domain.PermissionContext) (*domain.DispatchResult, error) {
	batch, err := s.repo.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if err := s.requirePermission(ctx, actorID, domain.PermPayoutProcess, permCtx); err != nil {
		return nil, err
	}

	switch batch.Status {
	case domain.BatchVerified:
		if err := s.repo.TransitionBatchStatus(ctx, batchID, domain.BatchVerified, domain.BatchProcessing); err != nil {
			if errors.Is(err, store.ErrBatchStatusConflict) {
				return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchNotProcessable, batchID, batch.Status)
			}
			return nil, err
		}
		now := time.Now()
		if err := s.repo.SetBatchProcessedAt(ctx, batchID, now); err != nil {
			log.Printf("level=warn component=dispatcher msg=\"failed to stamp processed_at\" batch_id=%s err=%v", batchID, err)
		}
	case domain.BatchProcessing:
		// Resume run: only pending items remain dispatchable.
		log.Printf("level=info component=dispatcher msg=\"resuming processing batch\" batch_id=%s", batchID)
	default:
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchNotProcessable, batchID, batch.Status)
	}

	payouts, err := s.repo.FindPayoutsByBatchID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result := &domain.DispatchResult{BatchID: batchID, BatchStatus: domain.BatchProcessing}
	for i, payout := range payouts {
		if payout.Status != domain.PayoutPending {
			result.Skipped++
			continue
		}

		// The conjunctive high-value check gates on each line item's own
		// amount. A denied item stays pending and is itemized; an operator
		// holding the missing permission can resume the batch later.
		itemCtx := permCtx
		itemCtx.Amount = payout.NetAmount
		if err := s.requirePermission(ctx, actorID, domain.PermPayoutProcess, itemCtx); err != nil {
			result.Items = append(result.Items, domain.DispatchItemResult{
				PayoutID:    payout.ID,
				AffiliateID: payout.AffiliateID,
				Error:       err.Error(),
			})
			result.Failed++
			continue
		}

		item := s.dispatchOne(ctx, &payout)
		result.Items = append(result.Items, item)
		if item.Dispatched {
			result.Dispatched++
		} else {
			result.Failed++
		}

		if s.cfg.DispatchDelayMS > 0 && i < len(payouts)-1 {
			select {
			case <-time.After(time.Duration(s.cfg.DispatchDelayMS) * time.Millisecond):
			case <-ctx.Done():
			}
		}
	}

	s.audit(ctx, actorID, "batch_dispatched", "granted", false, map[string]any{
		"batch_id":   batchID.String(),
		"dispatched": result.Dispatched,
		"failed":     result.Failed,
		"skipped":    result.Skipped,
	}, permCtx.IPAddress)

	log.Printf("level=info component=dispatcher msg=\"batch dispatch run finished\" batch_id=%s dispatched=%d failed=%d skipped=%d", batchID, result.Dispatched, result.Failed, result.Skipped)

	// Every item rejected synchronously means there is nothing in flight and
	// the batch can be settled immediately.
	if err := s.evaluateBatchCompletion(ctx, batchID); err != nil {
		log.Printf("level=warn component=dispatcher msg=\"batch completion evaluation failed\" batch_id=%s err=%v", batchID, err)
	}
	return result, nil
}

// dispatchOne submits a single line item with its persisted idempotency key
// and a bounded retry loop for transient failures. The key is minted once,
// before the first network call, so a crash between the provider accepting
// the request and the local status write cannot cause a duplicate
// disbursement on the next attempt.
func (s *Service) dispatchOne(ctx context.Context, payout *domain.Payout) domain.DispatchItemResult {
	item := domain.DispatchItemResult{PayoutID: payout.ID, AffiliateID: payout.AffiliateID}

	key, err := s.repo.EnsurePayoutIdempotencyKey(ctx, payout.ID, fmt.Sprintf("%s-%d", payout.ReferenceID, time.Now().Unix()))
	if err != nil {
		item.Error = fmt.Sprintf("failed to persist idempotency key: %v", err)
		return item
	}

	req := xenditclient.PayoutRequest{
		ReferenceID:    payout.ReferenceID,
		Amount:         xenditclient.ToCurrencyUnits(payout.NetAmount),
		Currency:       s.cfg.PayoutCurrency,
		ChannelCode:    payout.ChannelCode,
		AccountNumber:  payout.AccountNumber,
		AccountName:    payout.AccountName,
		Description:    "Affiliate commission payout",
		IdempotencyKey: key,
	}

	var resp *xenditclient.PayoutResponse
	var provErr *xenditclient.ProviderError
	backoff := time.Duration(s.cfg.DispatchRetryBackoffMS) * time.Millisecond
	for attempt := 1; attempt <= s.cfg.DispatchRetryAttempts; attempt++ {
		resp, provErr = s.provider.SubmitPayout(ctx, req)
		if provErr == nil || !provErr.Retryable {
			break
		}
		log.Printf("level=warn component=dispatcher msg=\"transient dispatch failure\" payout_id=%s attempt=%d error_code=%s", payout.ID, attempt, provErr.ErrorCode)
		if attempt < s.cfg.DispatchRetryAttempts && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
		}
	}

	if provErr != nil {
		if provErr.Retryable {
			// Exhausted retries on a transient failure: the outcome at the
			// provider is unknown, so the item stays pending for a later
			// re-run with the same idempotency key. Marking it failed here
			// could contradict a disbursement that actually went through.
			item.Error = fmt.Sprintf("transient failure after %d attempts: %s", s.cfg.DispatchRetryAttempts, provErr.Message)
			return item
		}
		reason := fmt.Sprintf("%s: %s", provErr.ErrorCode, provErr.Message)
		if err := s.repo.MarkPayoutFailed(ctx, payout.ID, reason); err != nil {
			log.Printf("level=error component=dispatcher msg=\"failed to persist payout rejection\" payout_id=%s err=%v", payout.ID, err)
		} else {
			s.releaseConversions(ctx, payout.ID)
			s.publishPayoutEvent(ctx, payout, string(domain.PayoutFailed), reason)
		}
		item.Error = reason
		return item
	}

	if err := s.repo.MarkPayoutDispatched(ctx, payout.ID, resp.ID, time.Now()); err != nil {
		// The provider accepted the request but the local write lost a race.
		// Reconciliation will converge the row from the provider's callback.
		log.Printf("level=error component=dispatcher msg=\"dispatched but status write failed\" payout_id=%s provider_id=%s err=%v", payout.ID, resp.ID, err)
		item.Error = fmt.Sprintf("dispatched but status write failed: %v", err)
		return item
	}

	item.Dispatched = true
	item.ProviderDisbursementID = resp.ID
	return item
}

// RetryFailedPayouts resets the failed line items of a batch to pending with
// fresh reference ids and dispatches them again. Only failed items are
// touched; paid and in-flight items are left alone.
func (s *Service) RetryFailedPayouts(ctx context.Context, actorID, batchID uuid.UUID, permCtx domain.PermissionContext) (*domain.DispatchResult, error) {
	batch, err := s.repo.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := s.requirePermission(ctx, actorID, domain.PermPayoutProcess, permCtx); err != nil {
		return nil, err
	}

	payouts, err := s.repo.FindPayoutsByBatchID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result := &domain.DispatchResult{BatchID: batchID, BatchStatus: batch.Status}
	for _, payout := range payouts {
		if payout.Status != domain.PayoutFailed {
			result.Skipped++
			continue
		}

		itemCtx := permCtx
		itemCtx.Amount = payout.NetAmount
		if err := s.requirePermission(ctx, actorID, domain.PermPayoutProcess, itemCtx); err != nil {
			result.Items = append(result.Items, domain.DispatchItemResult{
				PayoutID:    payout.ID,
				AffiliateID: payout.AffiliateID,
				Error:       err.Error(),
			})
			result.Failed++
			continue
		}

		// A fresh reference id makes the retry a new disbursement; the old
		// attempt was terminally rejected by the provider.
		newRef := newReferenceID(payout.ID)
		if err := s.repo.ResetFailedPayout(ctx, payout.ID, newRef); err != nil {
			result.Items = append(result.Items, domain.DispatchItemResult{
				PayoutID:    payout.ID,
				AffiliateID: payout.AffiliateID,
				Error:       fmt.Sprintf("reset failed: %v", err),
			})
			result.Failed++
			continue
		}
		payout.Status = domain.PayoutPending
		payout.ReferenceID = newRef
		payout.IdempotencyKey = nil

		item := s.dispatchOne(ctx, &payout)
		result.Items = append(result.Items, item)
		if item.Dispatched {
			result.Dispatched++
		} else {
			result.Failed++
		}
	}

	s.audit(ctx, actorID, "batch_retry", "granted", false, map[string]any{
		"batch_id":   batchID.String(),
		"dispatched": result.Dispatched,
		"failed":     result.Failed,
	}, permCtx.IPAddress)
	return result, nil
}

// CancelPayout cancels one pending line item and releases its conversions
// back to the eligible pool. Once a payout is processing the money may
// already be moving and cancellation is refused.
func (s *Service) CancelPayout(ctx context.Context, actorID, payoutID uuid.UUID, permCtx domain.PermissionContext) error {
	payout, err := s.repo.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return err
	}
	permCtx.Amount = payout.NetAmount
	if err := s.requirePermission(ctx, actorID, domain.PermPayoutCancel, permCtx); err != nil {
		return err
	}

	if err := s.repo.CancelPendingPayout(ctx, payoutID); err != nil {
		if errors.Is(err, store.ErrPayoutStatusConflict) {
			return fmt.Errorf("%w: payout is %s", ErrPayoutNotCancellable, payout.Status)
		}
		return err
	}

	s.audit(ctx, actorID, "payout_cancelled", "granted", false, map[string]any{
		"payout_id": payoutID.String(),
		"batch_id":  payout.BatchID.String(),
	}, permCtx.IPAddress)

	log.Printf("level=info component=dispatcher msg=\"payout cancelled\" payout_id=%s batch_id=%s", payoutID, payout.BatchID)

	if err := s.evaluateBatchCompletion(ctx, payout.BatchID); err != nil {
		log.Printf("level=warn component=dispatcher msg=\"batch completion evaluation failed\" batch_id=%s err=%v", payout.BatchID, err)
	}
	return nil
}

func (s *Service) releaseConversions(ctx context.Context, payoutID uuid.UUID) {
	released, err := s.repo.ReleaseConversionsByPayout(ctx, payoutID)
	if err != nil {
		log.Printf("level=error component=dispatcher msg=\"failed to release conversions\" payout_id=%s err=%v", payoutID, err)
		return
	}
	if released > 0 {
		log.Printf("level=info component=dispatcher msg=\"conversions released for re-batching\" payout_id=%s count=%d", payoutID, released)
	}
}

func (s *Service) publishPayoutEvent(ctx context.Context, payout *domain.Payout, status, reason string) {
	event := domain.PayoutStatusEvent{
		PayoutID:    payout.ID,
		BatchID:     payout.BatchID,
		AffiliateID: payout.AffiliateID,
		Status:      status,
		NetAmount:   payout.NetAmount,
		Reason:      reason,
		Timestamp:   time.Now(),
	}
	if err := s.producer.PublishPayoutStatusEvent(ctx, event); err != nil {
		log.Printf("level=warn component=dispatcher msg=\"payout event publish failed\" payout_id=%s err=%v", payout.ID, err)
	}
}
