package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
)

func seedAffiliateWithConversions(repo *payoutRepoStub, channelCode string, amounts ...int64) uuid.UUID {
	affiliateID := uuid.New()
	repo.affiliates[affiliateID] = domain.Affiliate{
		ID:            affiliateID,
		Name:          "Test Affiliate",
		Email:         "affiliate@example.com",
		ChannelCode:   channelCode,
		AccountNumber: "123456789",
		AccountName:   "Test Affiliate",
	}
	var conversions []domain.Conversion
	for _, amount := range amounts {
		conversions = append(conversions, domain.Conversion{
			ID:               uuid.New(),
			AffiliateID:      affiliateID,
			Status:           domain.ConversionCleared,
			CommissionAmount: amount,
		})
	}
	repo.eligible[affiliateID] = conversions
	return affiliateID
}

func TestPreviewPayoutBatch_ComputesLinesAndTotals(t *testing.T) {
	repo := newPayoutRepoStub()
	bank := seedAffiliateWithConversions(repo, "PH_BDO", 50000, 30000)
	wallet := seedAffiliateWithConversions(repo, "PH_GCASH", 80000)
	svc := newTestService(repo, &providerStub{})

	preview, err := svc.PreviewPayoutBatch(context.Background(), uuid.New(), []uuid.UUID{bank, wallet}, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(preview.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(preview.Lines))
	}

	byAffiliate := map[uuid.UUID]domain.BatchPreviewLine{}
	for _, line := range preview.Lines {
		byAffiliate[line.AffiliateID] = line
	}

	bankLine := byAffiliate[bank]
	if bankLine.GrossAmount != 80000 || bankLine.FeeAmount != 1500 || bankLine.NetAmount != 78500 {
		t.Fatalf("bank line mismatch: gross=%d fee=%d net=%d", bankLine.GrossAmount, bankLine.FeeAmount, bankLine.NetAmount)
	}

	// 2.5% of 80000 = 2000, within floor 500 and ceiling 5000.
	walletLine := byAffiliate[wallet]
	if walletLine.GrossAmount != 80000 || walletLine.FeeAmount != 2000 || walletLine.NetAmount != 78000 {
		t.Fatalf("wallet line mismatch: gross=%d fee=%d net=%d", walletLine.GrossAmount, walletLine.FeeAmount, walletLine.NetAmount)
	}

	if preview.TotalAmount != 160000 || preview.TotalFeeAmount != 3500 || preview.TotalNetAmount != 156500 {
		t.Fatalf("totals mismatch: gross=%d fee=%d net=%d", preview.TotalAmount, preview.TotalFeeAmount, preview.TotalNetAmount)
	}
	if preview.AffiliateCount != 2 || preview.ConversionCount != 3 {
		t.Fatalf("counts mismatch: affiliates=%d conversions=%d", preview.AffiliateCount, preview.ConversionCount)
	}
}

func TestPreviewPayoutBatch_SeparatesIneligible(t *testing.T) {
	repo := newPayoutRepoStub()
	eligible := seedAffiliateWithConversions(repo, "PH_BDO", 50000)

	noDestination := uuid.New()
	repo.affiliates[noDestination] = domain.Affiliate{ID: noDestination, Name: "Missing Details"}
	repo.eligible[noDestination] = []domain.Conversion{{ID: uuid.New(), AffiliateID: noDestination, Status: domain.ConversionCleared, CommissionAmount: 10000}}

	noConversions := uuid.New()
	repo.affiliates[noConversions] = domain.Affiliate{ID: noConversions, ChannelCode: "PH_BDO", AccountNumber: "1", AccountName: "x"}

	svc := newTestService(repo, &providerStub{})
	preview, err := svc.PreviewPayoutBatch(context.Background(), uuid.New(), []uuid.UUID{eligible, noDestination, noConversions}, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(preview.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(preview.Lines))
	}
	if len(preview.Ineligible) != 2 {
		t.Fatalf("expected 2 ineligible, got %d", len(preview.Ineligible))
	}
}

func TestPreviewPayoutBatch_ExcludesFeeSwallowedPayouts(t *testing.T) {
	repo := newPayoutRepoStub()
	// Gross 1200 centavos on a bank channel with a 1500 flat fee: net would
	// not be positive, so the affiliate is held back.
	tiny := seedAffiliateWithConversions(repo, "PH_BDO", 1200)
	svc := newTestService(repo, &providerStub{})

	_, err := svc.CreatePayoutBatch(context.Background(), uuid.New(), CreateBatchParams{AffiliateIDs: []uuid.UUID{tiny}}, domain.PermissionContext{})
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestCreatePayoutBatch_PersistsBatchWithReservations(t *testing.T) {
	repo := newPayoutRepoStub()
	affiliateID := seedAffiliateWithConversions(repo, "PH_GCASH", 80000)
	svc := newTestService(repo, &providerStub{})

	batch, err := svc.CreatePayoutBatch(context.Background(), uuid.New(), CreateBatchParams{
		Name:         "August run",
		AffiliateIDs: []uuid.UUID{affiliateID},
	}, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if batch.Status != domain.BatchVerified {
		t.Fatalf("expected verified batch, got %s", batch.Status)
	}
	if batch.NetAmount != 78000 {
		t.Fatalf("expected net 78000, got %d", batch.NetAmount)
	}
	if len(repo.createdItems) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(repo.createdItems))
	}

	payout := repo.createdItems[0]
	if payout.Status != domain.PayoutPending {
		t.Fatalf("expected pending payout, got %s", payout.Status)
	}
	if payout.ReferenceID == "" {
		t.Fatal("expected reference id assigned at creation")
	}
	reserved := repo.reservedByIDs[payout.ID]
	if len(reserved) != 1 || reserved[0] != repo.eligible[affiliateID][0].ID {
		t.Fatalf("expected conversion reserved for payout, got %v", reserved)
	}
}

func TestCreatePayoutBatch_DestinationComesFromPreviewLines(t *testing.T) {
	repo := newPayoutRepoStub()
	affiliateID := seedAffiliateWithConversions(repo, "PH_GCASH", 80000)
	svc := newTestService(repo, &providerStub{})

	_, err := svc.CreatePayoutBatch(context.Background(), uuid.New(), CreateBatchParams{AffiliateIDs: []uuid.UUID{affiliateID}}, domain.PermissionContext{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	payout := repo.createdItems[0]
	affiliate := repo.affiliates[affiliateID]
	if payout.ChannelCode != affiliate.ChannelCode || payout.AccountNumber != affiliate.AccountNumber || payout.AccountName != affiliate.AccountName {
		t.Fatalf("expected destination details on the payout row, got channel=%q account=%q name=%q", payout.ChannelCode, payout.AccountNumber, payout.AccountName)
	}
	// One lookup only: creation materializes line items from the validated
	// preview instead of re-reading affiliates.
	if repo.affiliateLookups != 1 {
		t.Fatalf("expected exactly one affiliate lookup, got %d", repo.affiliateLookups)
	}
}

func TestCreatePayoutBatch_SurfacesReservationConflict(t *testing.T) {
	repo := newPayoutRepoStub()
	affiliateID := seedAffiliateWithConversions(repo, "PH_GCASH", 80000)
	repo.createErr = store.ErrConversionsNotEligible
	svc := newTestService(repo, &providerStub{})

	_, err := svc.CreatePayoutBatch(context.Background(), uuid.New(), CreateBatchParams{AffiliateIDs: []uuid.UUID{affiliateID}}, domain.PermissionContext{})
	if !errors.Is(err, store.ErrConversionsNotEligible) {
		t.Fatalf("expected ErrConversionsNotEligible, got %v", err)
	}
}

func TestCreatePayoutBatch_HighValueGateUsesBatchTotal(t *testing.T) {
	repo := newPayoutRepoStub()
	repo.role = domain.RolePayoutOperator // verify but no high_value
	// Two affiliates at 60000 net each: individually under the 100000
	// threshold, together above it.
	a := seedAffiliateWithConversions(repo, "PH_BDO", 61500)
	b := seedAffiliateWithConversions(repo, "PH_BDO", 61500)
	svc := newTestService(repo, &providerStub{})

	_, err := svc.CreatePayoutBatch(context.Background(), uuid.New(), CreateBatchParams{AffiliateIDs: []uuid.UUID{a, b}}, domain.PermissionContext{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for split high-value batch, got %v", err)
	}
}
