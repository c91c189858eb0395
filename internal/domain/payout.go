/**
 * @description
 * This file defines the domain models for payout batches and their per-affiliate
 * line items. A batch is an immutable grouping created at one point in time;
 * once dispatch begins the set of included conversions is frozen and only the
 * statuses move.
 *
 * @notes
 * - Batch and payout statuses are typed strings with explicit transition
 *   validation, mirroring the conversion state machine.
 * - All money fields are int64 centavos.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus enumerates the lifecycle states of a payout batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchVerified   BatchStatus = "verified"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// CanTransitionTo validates the monotonic batch state machine:
// pending -> verified -> processing -> completed, or -> failed from processing.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchPending:
		return next == BatchVerified
	case BatchVerified:
		return next == BatchProcessing || next == BatchFailed
	case BatchProcessing:
		return next == BatchCompleted || next == BatchFailed
	}
	return false
}

// IsTerminal reports whether the batch has reached a final state.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// PayoutStatus enumerates the lifecycle states of a payout line item.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// CanTransitionTo validates the payout line-item state machine. Cancellation
// is only possible before dispatch; once the provider has accepted a request
// the only path forward is a terminal callback.
func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	switch s {
	case PayoutPending:
		return next == PayoutProcessing || next == PayoutFailed || next == PayoutCancelled
	case PayoutProcessing:
		return next == PayoutPaid || next == PayoutFailed
	}
	return false
}

// IsTerminal reports whether no further provider updates are expected.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutPaid || s == PayoutFailed || s == PayoutCancelled
}

// PayoutBatch is an immutable grouping of payout line items created for one
// processing run. Maps to the `payout_batches` table. Totals always equal the
// sum of the contained line items.
type PayoutBatch struct {
	ID              uuid.UUID   `json:"id"`
	Name            string      `json:"name"`
	Status          BatchStatus `json:"status"`
	PayoutMethod    string      `json:"payout_method"` // channel code, e.g. PH_BDO, PH_GCASH
	TotalAmount     int64       `json:"total_amount"`  // gross, centavos
	FeeAmount       int64       `json:"fee_amount"`
	NetAmount       int64       `json:"net_amount"`
	AffiliateCount  int         `json:"affiliate_count"`
	ConversionCount int         `json:"conversion_count"`
	CreatedAt       time.Time   `json:"created_at"`
	ProcessedAt     *time.Time  `json:"processed_at,omitempty"`
}

// Payout is one affiliate's line item within a batch. Maps to the `payouts`
// table. ReferenceID is assigned locally before the first provider call and
// doubles as the base of the idempotency key.
type Payout struct {
	ID                     uuid.UUID    `json:"id"`
	BatchID                uuid.UUID    `json:"batch_id"`
	AffiliateID            uuid.UUID    `json:"affiliate_id"`
	Amount                 int64        `json:"amount"` // gross, centavos
	FeeAmount              int64        `json:"fee_amount"`
	NetAmount              int64        `json:"net_amount"`
	Status                 PayoutStatus `json:"status"`
	ReferenceID            string       `json:"reference_id"`
	IdempotencyKey         *string      `json:"idempotency_key,omitempty"` // set at first dispatch, reused on retries
	ProviderDisbursementID *string      `json:"provider_disbursement_id,omitempty"`
	ChannelCode            string       `json:"channel_code"`
	AccountNumber          string       `json:"account_number"`
	AccountName            string       `json:"account_name"`
	FailureReason          *string      `json:"failure_reason,omitempty"`
	ProcessedAt            *time.Time   `json:"processed_at,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// BatchPreviewLine is the computed per-affiliate breakdown shown before a
// batch is created. Same computation as batch creation, no persistence.
// Destination details ride along so creation materializes line items from
// the exact data the preview validated; account fields stay out of API
// responses.
type BatchPreviewLine struct {
	AffiliateID     uuid.UUID   `json:"affiliate_id"`
	AffiliateName   string      `json:"affiliate_name"`
	AffiliateEmail  string      `json:"affiliate_email"`
	ChannelCode     string      `json:"channel_code"`
	AccountNumber   string      `json:"-"`
	AccountName     string      `json:"-"`
	GrossAmount     int64       `json:"gross_amount"`
	FeeAmount       int64       `json:"fee_amount"`
	NetAmount       int64       `json:"net_amount"`
	ConversionCount int         `json:"conversion_count"`
	ConversionIDs   []uuid.UUID `json:"-"`
}

// IneligibleAffiliate surfaces an affiliate that had eligible conversions but
// could not be included in the batch, with the reason.
type IneligibleAffiliate struct {
	AffiliateID uuid.UUID `json:"affiliate_id"`
	Reason      string    `json:"reason"`
}

// BatchPreview is the full preview result: per-affiliate lines plus totals.
type BatchPreview struct {
	Lines           []BatchPreviewLine    `json:"lines"`
	Ineligible      []IneligibleAffiliate `json:"ineligible,omitempty"`
	TotalAmount     int64                 `json:"total_amount"`
	TotalFeeAmount  int64                 `json:"total_fee_amount"`
	TotalNetAmount  int64                 `json:"total_net_amount"`
	AffiliateCount  int                   `json:"affiliate_count"`
	ConversionCount int                   `json:"conversion_count"`
}

// DispatchItemResult reports the synchronous outcome of dispatching one line item.
type DispatchItemResult struct {
	PayoutID               uuid.UUID `json:"payout_id"`
	AffiliateID            uuid.UUID `json:"affiliate_id"`
	Dispatched             bool      `json:"dispatched"`
	ProviderDisbursementID string    `json:"provider_disbursement_id,omitempty"`
	Error                  string    `json:"error,omitempty"`
}

// DispatchResult itemizes a batch dispatch run. Partial success is the
// expected common case, so results are never collapsed into one boolean.
type DispatchResult struct {
	BatchID     uuid.UUID            `json:"batch_id"`
	BatchStatus BatchStatus          `json:"batch_status"`
	Items       []DispatchItemResult `json:"items"`
	Dispatched  int                  `json:"dispatched"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
}
