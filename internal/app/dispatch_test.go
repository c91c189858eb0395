package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
	"github.com/robguevarra/affiliate-payout-service/pkg/xenditclient"
)

func seedVerifiedBatch(repo *payoutRepoStub, lineCount int) *domain.PayoutBatch {
	batch := &domain.PayoutBatch{
		ID:        uuid.New(),
		Status:    domain.BatchVerified,
		NetAmount: 50000,
	}
	repo.batch = batch
	for i := 0; i < lineCount; i++ {
		repo.payouts = append(repo.payouts, domain.Payout{
			ID:            uuid.New(),
			BatchID:       batch.ID,
			AffiliateID:   uuid.New(),
			Amount:        20000,
			FeeAmount:     1500,
			NetAmount:     18500,
			Status:        domain.PayoutPending,
			ReferenceID:   uuid.NewString(),
			ChannelCode:   "PH_BDO",
			AccountNumber: "123",
			AccountName:   "Affiliate",
		})
	}
	return batch
}

func TestProcessBatch_DispatchesAllPending(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 3)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutProcessing: 3}
	provider := &providerStub{}
	svc := newTestService(repo, provider)

	result, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Dispatched != 3 || result.Failed != 0 {
		t.Fatalf("expected 3 dispatched, got dispatched=%d failed=%d", result.Dispatched, result.Failed)
	}
	if batch.Status != domain.BatchProcessing {
		t.Fatalf("expected processing batch, got %s", batch.Status)
	}
	if len(provider.submitCalls) != 3 {
		t.Fatalf("expected 3 provider calls, got %d", len(provider.submitCalls))
	}
	for _, call := range provider.submitCalls {
		if call.IdempotencyKey == "" {
			t.Fatal("expected idempotency key on every provider call")
		}
		if call.Amount != 185.00 {
			t.Fatalf("expected wire amount 185.00 currency units, got %v", call.Amount)
		}
	}
}

func TestProcessBatch_PartialFailureIsItemized(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 3)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutProcessing: 2, domain.PayoutFailed: 1}
	rejectedRef := repo.payouts[1].ReferenceID

	provider := &providerStub{
		submitFn: func(req xenditclient.PayoutRequest) (*xenditclient.PayoutResponse, *xenditclient.ProviderError) {
			if req.ReferenceID == rejectedRef {
				return nil, &xenditclient.ProviderError{ErrorCode: "INVALID_DESTINATION", Message: "account closed", StatusCode: 400}
			}
			return &xenditclient.PayoutResponse{ID: "disb-" + req.ReferenceID, Status: "ACCEPTED"}, nil
		},
	}
	svc := newTestService(repo, provider)

	result, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Dispatched != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 dispatched 1 failed, got dispatched=%d failed=%d", result.Dispatched, result.Failed)
	}

	rejectedID := repo.payouts[1].ID
	if reason, ok := repo.failedReasons[rejectedID]; !ok || !strings.Contains(reason, "INVALID_DESTINATION") {
		t.Fatalf("expected terminal rejection persisted, got %q", reason)
	}
	if len(repo.released) != 1 || repo.released[0] != rejectedID {
		t.Fatalf("expected rejected payout's conversions released, got %v", repo.released)
	}
	if repo.payouts[0].Status != domain.PayoutProcessing || repo.payouts[2].Status != domain.PayoutProcessing {
		t.Fatal("expected surviving items to reach processing")
	}
}

func TestProcessBatch_TransientExhaustionLeavesPending(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 1)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPending: 1}
	attempts := 0
	provider := &providerStub{
		submitFn: func(req xenditclient.PayoutRequest) (*xenditclient.PayoutResponse, *xenditclient.ProviderError) {
			attempts++
			return nil, &xenditclient.ProviderError{ErrorCode: "NETWORK_ERROR", Message: "timeout", Retryable: true}
		},
	}
	svc := newTestService(repo, provider)

	result, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed item in the run report, got %d", result.Failed)
	}
	// The row must stay pending: the provider outcome is unknown and a later
	// re-run reuses the persisted idempotency key.
	if repo.payouts[0].Status != domain.PayoutPending {
		t.Fatalf("expected payout to stay pending, got %s", repo.payouts[0].Status)
	}
	if len(repo.failedReasons) != 0 {
		t.Fatal("did not expect a terminal failure write for a transient exhaustion")
	}
}

func TestProcessBatch_IdempotencyKeyReusedAcrossRuns(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 1)
	payoutID := repo.payouts[0].ID
	repo.idempotencyKeys[payoutID] = "key-from-first-run"

	provider := &providerStub{}
	svc := newTestService(repo, provider)

	if _, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if provider.submitCalls[0].IdempotencyKey != "key-from-first-run" {
		t.Fatalf("expected the persisted key to be reused, got %q", provider.submitCalls[0].IdempotencyKey)
	}
}

func TestProcessBatch_SettledBatchRejected(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 1)
	batch.Status = domain.BatchCompleted
	svc := newTestService(repo, &providerStub{})

	_, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if !errors.Is(err, ErrBatchNotProcessable) {
		t.Fatalf("expected ErrBatchNotProcessable, got %v", err)
	}
	if len(repo.idempotencyKeys) != 0 {
		t.Fatal("expected no dispatch activity against a settled batch")
	}
}

func TestProcessBatch_ResumesPendingWithPersistedKey(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 1)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPending: 1}
	payoutID := repo.payouts[0].ID

	transient := true
	provider := &providerStub{
		submitFn: func(req xenditclient.PayoutRequest) (*xenditclient.PayoutResponse, *xenditclient.ProviderError) {
			if transient {
				return nil, &xenditclient.ProviderError{ErrorCode: "NETWORK_ERROR", Message: "timeout", Retryable: true}
			}
			return &xenditclient.PayoutResponse{ID: "disb-" + req.ReferenceID, Status: "ACCEPTED"}, nil
		},
	}
	svc := newTestService(repo, provider)

	// First run exhausts retries; the item stays pending with its key persisted.
	first, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if first.Failed != 1 || repo.payouts[0].Status != domain.PayoutPending {
		t.Fatalf("expected stranded pending item, got failed=%d status=%s", first.Failed, repo.payouts[0].Status)
	}
	firstKey := repo.idempotencyKeys[payoutID]
	if firstKey == "" {
		t.Fatal("expected idempotency key persisted on the first run")
	}
	if batch.Status != domain.BatchProcessing {
		t.Fatalf("expected processing batch after the first run, got %s", batch.Status)
	}

	// Provider recovers: a second run on the processing batch re-dispatches
	// the pending item with the same key.
	transient = false
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutProcessing: 1}
	second, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected resume run to succeed, got %v", err)
	}
	if second.Dispatched != 1 {
		t.Fatalf("expected 1 dispatched on resume, got %d", second.Dispatched)
	}
	if repo.payouts[0].Status != domain.PayoutProcessing {
		t.Fatalf("expected payout processing after resume, got %s", repo.payouts[0].Status)
	}
	lastCall := provider.submitCalls[len(provider.submitCalls)-1]
	if lastCall.IdempotencyKey != firstKey {
		t.Fatalf("expected resume to reuse key %q, got %q", firstKey, lastCall.IdempotencyKey)
	}
	if lastCall.ReferenceID != repo.payouts[0].ReferenceID {
		t.Fatalf("expected resume to keep the original reference id, got %q", lastCall.ReferenceID)
	}
}

func TestProcessBatch_HighValueItemDeniedStaysPending(t *testing.T) {
	repo := newPayoutRepoStub()
	repo.role = domain.RolePayoutProcessor // process without high_value
	batch := seedVerifiedBatch(repo, 2)
	repo.payouts[0].NetAmount = 250000 // above the 100000 threshold
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPending: 1, domain.PayoutProcessing: 1}
	provider := &providerStub{}
	svc := newTestService(repo, provider)

	result, err := svc.ProcessBatch(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Dispatched != 1 || result.Failed != 1 {
		t.Fatalf("expected 1 dispatched 1 denied, got dispatched=%d failed=%d", result.Dispatched, result.Failed)
	}
	if !strings.Contains(result.Items[0].Error, "high-value") {
		t.Fatalf("expected itemized high-value denial, got %q", result.Items[0].Error)
	}
	// The denied item is never marked failed and never reaches the provider;
	// it waits pending for an operator holding the permission.
	if repo.payouts[0].Status != domain.PayoutPending {
		t.Fatalf("expected denied item to stay pending, got %s", repo.payouts[0].Status)
	}
	if len(repo.failedReasons) != 0 {
		t.Fatal("did not expect a terminal failure write for a permission denial")
	}
	if len(provider.submitCalls) != 1 || provider.submitCalls[0].ReferenceID != repo.payouts[1].ReferenceID {
		t.Fatalf("expected only the low-value item submitted, got %d calls", len(provider.submitCalls))
	}
}

func TestRetryFailedPayouts_ResetsWithFreshReference(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 2)
	batch.Status = domain.BatchProcessing
	repo.payouts[0].Status = domain.PayoutFailed
	oldRef := repo.payouts[0].ReferenceID
	repo.payouts[1].Status = domain.PayoutPaid

	provider := &providerStub{}
	svc := newTestService(repo, provider)

	result, err := svc.RetryFailedPayouts(context.Background(), uuid.New(), batch.ID, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Dispatched != 1 || result.Skipped != 1 {
		t.Fatalf("expected 1 dispatched 1 skipped, got dispatched=%d skipped=%d", result.Dispatched, result.Skipped)
	}
	newRef := repo.resetRefs[repo.payouts[0].ID]
	if newRef == "" || newRef == oldRef {
		t.Fatalf("expected a fresh reference id, got %q (old %q)", newRef, oldRef)
	}
	if provider.submitCalls[0].ReferenceID != newRef {
		t.Fatalf("expected provider call with new reference, got %q", provider.submitCalls[0].ReferenceID)
	}
}

func TestCancelPayout_OnlyPending(t *testing.T) {
	repo := newPayoutRepoStub()
	batch := seedVerifiedBatch(repo, 1)
	_ = batch
	payoutID := repo.payouts[0].ID
	svc := newTestService(repo, &providerStub{})

	if err := svc.CancelPayout(context.Background(), uuid.New(), payoutID, domain.PermissionContext{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(repo.cancelled) != 1 || repo.cancelled[0] != payoutID {
		t.Fatalf("expected payout cancelled, got %v", repo.cancelled)
	}

	repo.cancelErr = store.ErrPayoutStatusConflict
	err := svc.CancelPayout(context.Background(), uuid.New(), payoutID, domain.PermissionContext{})
	if !errors.Is(err, ErrPayoutNotCancellable) {
		t.Fatalf("expected ErrPayoutNotCancellable, got %v", err)
	}
}
