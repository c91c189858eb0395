/**
 * @description
 * Event payloads published to RabbitMQ after terminal payout state changes.
 * The notifier consuming these events is a separate service; publishing is
 * fire-and-forget and must never block or roll back a state transition.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutStatusEvent is published when a payout line item reaches a terminal state.
type PayoutStatusEvent struct {
	PayoutID    uuid.UUID `json:"payout_id"`
	BatchID     uuid.UUID `json:"batch_id"`
	AffiliateID uuid.UUID `json:"affiliate_id"`
	Status      string    `json:"status"` // paid | failed
	NetAmount   int64     `json:"net_amount"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// BatchCompletedEvent is published when every line item in a batch has
// reached a terminal state.
type BatchCompletedEvent struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Status    string    `json:"status"` // completed | failed
	PaidCount int       `json:"paid_count"`
	FailCount int       `json:"fail_count"`
	Timestamp time.Time `json:"timestamp"`
}
