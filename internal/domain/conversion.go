/**
 * @description
 * This file defines the domain models for affiliate conversions, the
 * commission-bearing events that feed the payout pipeline. A conversion is
 * created when the upstream attribution system records a qualifying sale and
 * moves through a small state machine before it can be paid out.
 *
 * @notes
 * - Amounts are stored as `int64` in centavos (the smallest currency unit)
 *   to avoid floating-point inaccuracies with financial data.
 * - Status is a typed string with an explicit transition table so illegal
 *   writes (e.g., paid -> pending) are rejected at the write boundary
 *   instead of trusting every caller.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversionStatus enumerates the lifecycle states of a conversion.
type ConversionStatus string

const (
	ConversionPending ConversionStatus = "pending"
	ConversionCleared ConversionStatus = "cleared"
	ConversionPaid    ConversionStatus = "paid"
	ConversionFlagged ConversionStatus = "flagged"
)

// FallbackCommissionRate is used when a conversion record predates explicit
// rate tracking and its gross value is zero, so no rate can be derived.
// Some imported conversions genuinely lack a rate; do not remove this.
const FallbackCommissionRate = 0.30

// IsValid reports whether s is a known conversion status.
func (s ConversionStatus) IsValid() bool {
	switch s {
	case ConversionPending, ConversionCleared, ConversionPaid, ConversionFlagged:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are expected from s.
// Paid conversions are immutable outside of an explicit administrative reversal.
func (s ConversionStatus) IsTerminal() bool {
	return s == ConversionPaid
}

// CanTransitionTo validates the conversion state machine:
// pending -> cleared -> paid, with flagging allowed from pending or cleared.
func (s ConversionStatus) CanTransitionTo(next ConversionStatus) bool {
	switch s {
	case ConversionPending:
		return next == ConversionCleared || next == ConversionFlagged
	case ConversionCleared:
		return next == ConversionPaid || next == ConversionFlagged
	case ConversionFlagged:
		// A flag can be lifted back into the review queue.
		return next == ConversionPending || next == ConversionCleared
	case ConversionPaid:
		return false
	}
	return false
}

// Conversion represents one commission-bearing event attributed to an
// affiliate. Maps to the `affiliate_conversions` table.
type Conversion struct {
	ID               uuid.UUID        `json:"id"`
	AffiliateID      uuid.UUID        `json:"affiliate_id"`
	OrderID          string           `json:"order_id"`
	GMV              int64            `json:"gmv"`               // gross transaction value, centavos
	CommissionAmount int64            `json:"commission_amount"` // centavos
	CommissionRate   float64          `json:"commission_rate"`
	Status           ConversionStatus `json:"status"`
	PayoutID         *uuid.UUID       `json:"payout_id,omitempty"` // reservation marker; set when attached to a batch
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// EffectiveCommissionRate returns the stored rate, deriving it from the
// amounts when absent. Records with no rate and no gross value fall back to
// the historical default rate.
func (c *Conversion) EffectiveCommissionRate() float64 {
	if c.CommissionRate > 0 {
		return c.CommissionRate
	}
	if c.GMV > 0 {
		return float64(c.CommissionAmount) / float64(c.GMV)
	}
	return FallbackCommissionRate
}

// ConversionEvent is the DTO for inbound conversion-creation events emitted
// by the order/attribution system.
type ConversionEvent struct {
	AffiliateID      uuid.UUID `json:"affiliate_id"`
	OrderID          string    `json:"order_id"`
	GMV              int64     `json:"gmv"`
	CommissionAmount int64     `json:"commission_amount"`
	CommissionRate   float64   `json:"commission_rate"`
}

// VerifyConversionsResult summarizes a bulk verification run. Rows that were
// not in `pending` are silently excluded, so VerifiedCount may be lower than
// the number of requested ids.
type VerifyConversionsResult struct {
	VerifiedCount int         `json:"verified_count"`
	VerifiedIDs   []uuid.UUID `json:"verified_ids"`
}

// Affiliate carries the payout destination details for one affiliate.
// Ownership of the affiliate record lives upstream; this service only reads
// the fields it needs to disburse money.
type Affiliate struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	ChannelCode   string    `json:"channel_code"` // e.g. PH_BDO, PH_GCASH
	AccountNumber string    `json:"account_number"`
	AccountName   string    `json:"account_name"`
}

// HasPayoutDestination reports whether the affiliate has the complete bank
// or e-wallet details required for disbursement.
func (a *Affiliate) HasPayoutDestination() bool {
	return a.ChannelCode != "" && a.AccountNumber != "" && a.AccountName != ""
}
