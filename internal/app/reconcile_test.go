package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/pkg/xenditclient"
)

func seedProcessingPayout(repo *payoutRepoStub) *domain.Payout {
	batch := &domain.PayoutBatch{ID: uuid.New(), Status: domain.BatchProcessing}
	repo.batch = batch
	providerID := "disb-123"
	repo.payouts = append(repo.payouts, domain.Payout{
		ID:                     uuid.New(),
		BatchID:                batch.ID,
		AffiliateID:            uuid.New(),
		NetAmount:              78000,
		Status:                 domain.PayoutProcessing,
		ReferenceID:            "payout-ref-1",
		ProviderDisbursementID: &providerID,
	})
	return &repo.payouts[0]
}

func callbackBody(providerID, referenceID, status string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event": "payout.status",
		"data": map[string]any{
			"id":           providerID,
			"reference_id": referenceID,
			"status":       status,
		},
	})
	return body
}

func TestHandleProviderCallback_RejectsBadSignature(t *testing.T) {
	repo := newPayoutRepoStub()
	svc := newTestService(repo, &providerStub{validSig: false})

	_, err := svc.HandleProviderCallback(context.Background(), callbackBody("disb-123", "", "COMPLETED"), "bogus")
	if !errors.Is(err, ErrInvalidCallbackSignature) {
		t.Fatalf("expected ErrInvalidCallbackSignature, got %v", err)
	}
	if len(repo.activity) != 1 || !repo.activity[0].SecurityEvent {
		t.Fatal("expected a security event audit record for the rejected signature")
	}
}

func TestHandleProviderCallback_CompletedSettlesPayout(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedProcessingPayout(repo)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPaid: 1}
	svc := newTestService(repo, &providerStub{validSig: true})

	outcome, err := svc.HandleProviderCallback(context.Background(), callbackBody("disb-123", "", "COMPLETED"), "sig")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !outcome.Applied || outcome.Status != domain.PayoutPaid {
		t.Fatalf("expected applied paid outcome, got applied=%t status=%s", outcome.Applied, outcome.Status)
	}
	if repo.callbackApplied[payout.ID] != domain.PayoutPaid {
		t.Fatal("expected paid status written through the guarded update")
	}
	if len(repo.paidConversions) != 1 || repo.paidConversions[0] != payout.ID {
		t.Fatal("expected the payout's conversions marked paid")
	}
	if repo.batch.Status != domain.BatchCompleted {
		t.Fatalf("expected batch settled as completed, got %s", repo.batch.Status)
	}
}

func TestHandleProviderCallback_FailedReleasesConversions(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedProcessingPayout(repo)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutFailed: 1}
	svc := newTestService(repo, &providerStub{validSig: true})

	outcome, err := svc.HandleProviderCallback(context.Background(), callbackBody("disb-123", "", "FAILED"), "sig")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !outcome.Applied || outcome.Status != domain.PayoutFailed {
		t.Fatalf("expected applied failed outcome, got applied=%t status=%s", outcome.Applied, outcome.Status)
	}
	if len(repo.released) != 1 || repo.released[0] != payout.ID {
		t.Fatal("expected the payout's conversions released for re-batching")
	}
	// Every line item failed: the batch settles as failed.
	if repo.batch.Status != domain.BatchFailed {
		t.Fatalf("expected batch settled as failed, got %s", repo.batch.Status)
	}
}

func TestHandleProviderCallback_DuplicateTerminalIsNoOp(t *testing.T) {
	repo := newPayoutRepoStub()
	seedProcessingPayout(repo)
	repo.applyReturns = false // row already terminal; guarded update matches nothing
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPaid: 1}
	svc := newTestService(repo, &providerStub{validSig: true})

	outcome, err := svc.HandleProviderCallback(context.Background(), callbackBody("disb-123", "", "COMPLETED"), "sig")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if outcome.Applied {
		t.Fatal("expected duplicate delivery to report applied=false")
	}
	if len(repo.paidConversions) != 0 || len(repo.released) != 0 {
		t.Fatal("expected no downstream effects from a duplicate delivery")
	}
}

func TestHandleProviderCallback_UnknownPayoutAcknowledged(t *testing.T) {
	repo := newPayoutRepoStub()
	svc := newTestService(repo, &providerStub{validSig: true})

	outcome, err := svc.HandleProviderCallback(context.Background(), callbackBody("disb-unknown", "ref-unknown", "COMPLETED"), "sig")
	if err != nil {
		t.Fatalf("expected unknown payout to be acknowledged, got %v", err)
	}
	if outcome.Known {
		t.Fatal("expected outcome to report the payout as unknown")
	}
}

func TestHandleProviderCallback_FallsBackToReferenceID(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedProcessingPayout(repo)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPaid: 1}
	svc := newTestService(repo, &providerStub{validSig: true})

	// Provider id unknown locally; reference id matches.
	outcome, err := svc.HandleProviderCallback(context.Background(), callbackBody("disb-other", "payout-ref-1", "COMPLETED"), "sig")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !outcome.Applied || outcome.PayoutID != payout.ID {
		t.Fatalf("expected reference fallback to locate the payout, got %+v", outcome)
	}
}

func TestHandleProviderCallback_IntermediateStatusIgnored(t *testing.T) {
	repo := newPayoutRepoStub()
	seedProcessingPayout(repo)
	svc := newTestService(repo, &providerStub{validSig: true})

	outcome, err := svc.HandleProviderCallback(context.Background(), callbackBody("disb-123", "", "REQUESTED"), "sig")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if outcome.Applied {
		t.Fatal("expected intermediate status to apply nothing")
	}
	if len(repo.callbackApplied) != 0 {
		t.Fatal("expected no status write for intermediate callback")
	}
}

func TestSyncPayoutStatuses_AppliesProviderOutcome(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedProcessingPayout(repo)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPaid: 1}
	provider := &providerStub{
		validSig: true,
		getFn: func(providerID string) (*xenditclient.PayoutResponse, *xenditclient.ProviderError) {
			return &xenditclient.PayoutResponse{ID: providerID, Status: "SUCCEEDED"}, nil
		},
	}
	svc := newTestService(repo, provider)

	if err := svc.SyncPayoutStatuses(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.callbackApplied[payout.ID] != domain.PayoutPaid {
		t.Fatal("expected poller to apply the provider's paid outcome")
	}
}

func TestSyncPayoutStatuses_SkipsStillProcessing(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedProcessingPayout(repo)
	provider := &providerStub{
		getFn: func(providerID string) (*xenditclient.PayoutResponse, *xenditclient.ProviderError) {
			return &xenditclient.PayoutResponse{ID: providerID, Status: "PENDING"}, nil
		},
	}
	svc := newTestService(repo, provider)

	if err := svc.SyncPayoutStatuses(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, ok := repo.callbackApplied[payout.ID]; ok {
		t.Fatal("expected no write for a payout still processing at the provider")
	}
}

func TestMapProviderStatusCoverage(t *testing.T) {
	// Unknown statuses must look unresolved, never settled.
	if got := xenditclient.MapProviderStatus("SOME_FUTURE_STATE"); got != xenditclient.StatusProcessing {
		t.Fatalf("expected unknown status to map to processing, got %s", got)
	}
	for raw, want := range map[string]xenditclient.Status{
		"COMPLETED": xenditclient.StatusPaid,
		"SUCCEEDED": xenditclient.StatusPaid,
		"FAILED":    xenditclient.StatusFailed,
		"CANCELLED": xenditclient.StatusFailed,
		"PENDING":   xenditclient.StatusProcessing,
		"ACCEPTED":  xenditclient.StatusProcessing,
	} {
		if got := xenditclient.MapProviderStatus(raw); got != want {
			t.Fatalf("status %s: expected %s, got %s", raw, want, got)
		}
	}
}

func seedStrandedPendingPayout(repo *payoutRepoStub) *domain.Payout {
	batch := &domain.PayoutBatch{ID: uuid.New(), Status: domain.BatchProcessing}
	repo.batch = batch
	key := "key-stranded"
	repo.payouts = append(repo.payouts, domain.Payout{
		ID:             uuid.New(),
		BatchID:        batch.ID,
		AffiliateID:    uuid.New(),
		NetAmount:      42000,
		Status:         domain.PayoutPending,
		ReferenceID:    "payout-ref-9",
		IdempotencyKey: &key,
	})
	return &repo.payouts[0]
}

func TestSyncPayoutStatuses_ConvergesAcceptedPendingByReference(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedStrandedPendingPayout(repo)
	provider := &providerStub{
		getByRefFn: func(referenceID string) (*xenditclient.PayoutResponse, *xenditclient.ProviderError) {
			if referenceID != "payout-ref-9" {
				return nil, &xenditclient.ProviderError{ErrorCode: "NOT_FOUND", StatusCode: 404}
			}
			return &xenditclient.PayoutResponse{ID: "disb-late", Status: "ACCEPTED"}, nil
		},
	}
	svc := newTestService(repo, provider)

	if err := svc.SyncPayoutStatuses(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	// The provider accepted the original submission: the row converges to
	// processing with the provider id so later callbacks match it.
	if repo.dispatched[payout.ID] != "disb-late" {
		t.Fatalf("expected provider id recorded, got %q", repo.dispatched[payout.ID])
	}
	if repo.payouts[0].Status != domain.PayoutProcessing {
		t.Fatalf("expected payout converged to processing, got %s", repo.payouts[0].Status)
	}
}

func TestSyncPayoutStatuses_AppliesTerminalForPendingByReference(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedStrandedPendingPayout(repo)
	repo.statusCounts = map[domain.PayoutStatus]int{domain.PayoutPaid: 1}
	provider := &providerStub{
		getByRefFn: func(referenceID string) (*xenditclient.PayoutResponse, *xenditclient.ProviderError) {
			return &xenditclient.PayoutResponse{ID: "disb-late", Status: "SUCCEEDED"}, nil
		},
	}
	svc := newTestService(repo, provider)

	if err := svc.SyncPayoutStatuses(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.callbackApplied[payout.ID] != domain.PayoutPaid {
		t.Fatal("expected the synced terminal outcome applied to the pending payout")
	}
	if len(repo.paidConversions) != 1 || repo.paidConversions[0] != payout.ID {
		t.Fatal("expected the payout's conversions marked paid")
	}
}

func TestSyncPayoutStatuses_PendingWithoutProviderRecordLeftAlone(t *testing.T) {
	repo := newPayoutRepoStub()
	payout := seedStrandedPendingPayout(repo)
	// Default stub lookups return 404: the submission never reached the
	// provider and the item waits for a dispatch re-run.
	svc := newTestService(repo, &providerStub{})

	if err := svc.SyncPayoutStatuses(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(repo.dispatched) != 0 || len(repo.callbackApplied) != 0 {
		t.Fatal("expected no writes for a payout the provider has no record of")
	}
	if repo.payouts[0].Status != domain.PayoutPending {
		t.Fatalf("expected payout to stay pending, got %s", payout.Status)
	}
}

func TestSyncPayoutStatuses_NoStalledRows(t *testing.T) {
	repo := newPayoutRepoStub()
	svc := newTestService(repo, &providerStub{})
	if err := svc.SyncPayoutStatuses(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(repo.callbackApplied) != 0 {
		t.Fatal("expected nothing applied with no stalled payouts")
	}
}
