/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed by the payout pipeline:
 * conversion lifecycle writes, the atomic batch-creation transaction with
 * conversion reservation, payout status updates guarded by the state
 * machine, and the append-only activity log.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
)

var (
	ErrAffiliateNotFound        = errors.New("affiliate not found")
	ErrConversionNotFound       = errors.New("conversion not found")
	ErrBatchNotFound            = errors.New("payout batch not found")
	ErrPayoutNotFound           = errors.New("payout not found")
	ErrRoleNotFound             = errors.New("no payout role assigned")
	ErrProfileNotFound          = errors.New("admin profile not found")
	ErrConversionsNotEligible   = errors.New("conversions no longer eligible")
	ErrBatchStatusConflict      = errors.New("batch is not in the expected status")
	ErrPayoutStatusConflict     = errors.New("payout is not in the expected status")
	ErrDuplicateOrderConversion = errors.New("conversion already recorded for order")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const conversionColumns = `id, affiliate_id, order_id, gmv, commission_amount, commission_rate, status, payout_id, created_at, updated_at`

func scanConversion(row pgx.Row) (*domain.Conversion, error) {
	var c domain.Conversion
	err := row.Scan(
		&c.ID, &c.AffiliateID, &c.OrderID, &c.GMV, &c.CommissionAmount,
		&c.CommissionRate, &c.Status, &c.PayoutID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindAffiliateByID retrieves one affiliate's payout destination details.
func (r *PostgresRepository) FindAffiliateByID(ctx context.Context, affiliateID uuid.UUID) (*domain.Affiliate, error) {
	var a domain.Affiliate
	query := `SELECT id, name, email, channel_code, account_number, account_name FROM affiliates WHERE id = $1`
	err := r.db.QueryRow(ctx, query, affiliateID).Scan(&a.ID, &a.Name, &a.Email, &a.ChannelCode, &a.AccountNumber, &a.AccountName)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindAffiliatesByIDs retrieves multiple affiliates keyed by id. Missing ids
// are simply absent from the map; the batch engine surfaces them as
// ineligible rather than failing the whole call.
func (r *PostgresRepository) FindAffiliatesByIDs(ctx context.Context, affiliateIDs []uuid.UUID) (map[uuid.UUID]domain.Affiliate, error) {
	query := `SELECT id, name, email, channel_code, account_number, account_name FROM affiliates WHERE id = ANY($1)`
	rows, err := r.db.Query(ctx, query, affiliateIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uuid.UUID]domain.Affiliate, len(affiliateIDs))
	for rows.Next() {
		var a domain.Affiliate
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.ChannelCode, &a.AccountNumber, &a.AccountName); err != nil {
			return nil, err
		}
		result[a.ID] = a
	}
	return result, rows.Err()
}

// CreateConversion inserts a new conversion from an upstream attribution event.
func (r *PostgresRepository) CreateConversion(ctx context.Context, conversion *domain.Conversion) error {
	query := `
		INSERT INTO affiliate_conversions (id, affiliate_id, order_id, gmv, commission_amount, commission_rate, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		conversion.ID, conversion.AffiliateID, conversion.OrderID, conversion.GMV,
		conversion.CommissionAmount, conversion.CommissionRate, conversion.Status,
	).Scan(&conversion.CreatedAt, &conversion.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateOrderConversion
	}
	return err
}

// FindConversionByID retrieves a single conversion.
func (r *PostgresRepository) FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM affiliate_conversions WHERE id = $1`
	c, err := scanConversion(r.db.QueryRow(ctx, query, conversionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConversionNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListConversions returns conversions for the admin listing, newest first.
func (r *PostgresRepository) ListConversions(ctx context.Context, opts ConversionListOptions) ([]domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM affiliate_conversions WHERE 1=1`
	args := []any{}
	idx := 1
	if opts.AffiliateID != nil {
		query += fmt.Sprintf(" AND affiliate_id = $%d", idx)
		args = append(args, *opts.AffiliateID)
		idx++
	}
	if opts.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *opts.Status)
		idx++
	}
	query += " ORDER BY created_at DESC"
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, opts.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversions []domain.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		conversions = append(conversions, *c)
	}
	return conversions, rows.Err()
}

// VerifyPendingConversions transitions the given conversions from pending to
// cleared and returns the ids actually transitioned. Rows not currently in
// `pending` are excluded by the WHERE clause, not reported as errors.
func (r *PostgresRepository) VerifyPendingConversions(ctx context.Context, conversionIDs []uuid.UUID) ([]uuid.UUID, error) {
	query := `
		UPDATE affiliate_conversions
		SET status = $1, updated_at = NOW()
		WHERE id = ANY($2) AND status = $3
		RETURNING id
	`
	rows, err := r.db.Query(ctx, query, domain.ConversionCleared, conversionIDs, domain.ConversionPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verified []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		verified = append(verified, id)
	}
	return verified, rows.Err()
}

// UpdateConversionStatus writes a single conversion status. Transition
// legality is validated by the caller at the write boundary.
func (r *PostgresRepository) UpdateConversionStatus(ctx context.Context, conversionID uuid.UUID, status domain.ConversionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE affiliate_conversions SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, conversionID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversionNotFound
	}
	return nil
}

// FindEligibleConversions returns, per affiliate, the conversions that are
// cleared and not yet attached to any batch. Eligibility is the inverse of
// the reservation marker: payout_id IS NULL.
func (r *PostgresRepository) FindEligibleConversions(ctx context.Context, affiliateIDs []uuid.UUID) (map[uuid.UUID][]domain.Conversion, error) {
	query := `
		SELECT ` + conversionColumns + `
		FROM affiliate_conversions
		WHERE affiliate_id = ANY($1) AND status = $2 AND payout_id IS NULL
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, affiliateIDs, domain.ConversionCleared)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[uuid.UUID][]domain.Conversion)
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		result[c.AffiliateID] = append(result[c.AffiliateID], *c)
	}
	return result, rows.Err()
}

// MarkConversionsPaidByPayout moves every conversion attached to the payout
// to `paid`. Only cleared conversions are touched; returns the row count.
func (r *PostgresRepository) MarkConversionsPaidByPayout(ctx context.Context, payoutID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE affiliate_conversions SET status = $1, updated_at = NOW() WHERE payout_id = $2 AND status = $3`,
		domain.ConversionPaid, payoutID, domain.ConversionCleared,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ReleaseConversionsByPayout clears the reservation marker on a failed or
// cancelled payout's conversions so they can be re-batched after correction.
// Paid conversions are never released.
func (r *PostgresRepository) ReleaseConversionsByPayout(ctx context.Context, payoutID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE affiliate_conversions SET payout_id = NULL, updated_at = NOW() WHERE payout_id = $1 AND status != $2`,
		payoutID, domain.ConversionPaid,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateBatchWithPayouts persists a batch, its line items, and the conversion
// reservations in one transaction. The reservation UPDATE is guarded by
// `status = 'cleared' AND payout_id IS NULL` and its row count is checked
// against the expected count: if a concurrent batch run reserved any of the
// same conversions first, the whole transaction rolls back with
// ErrConversionsNotEligible. This is the invariant that guarantees a
// conversion is paid by at most one non-failed batch, ever.
func (r *PostgresRepository) CreateBatchWithPayouts(ctx context.Context, batch *domain.PayoutBatch, payouts []domain.Payout, reservations map[uuid.UUID][]uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batchQuery := `
		INSERT INTO payout_batches (id, name, status, payout_method, total_amount, fee_amount, net_amount, affiliate_count, conversion_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, batchQuery,
		batch.ID, batch.Name, batch.Status, batch.PayoutMethod,
		batch.TotalAmount, batch.FeeAmount, batch.NetAmount,
		batch.AffiliateCount, batch.ConversionCount,
	).Scan(&batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payout batch: %w", err)
	}

	payoutQuery := `
		INSERT INTO payouts (id, batch_id, affiliate_id, amount, fee_amount, net_amount, status, reference_id, channel_code, account_number, account_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`
	reserveQuery := `
		UPDATE affiliate_conversions
		SET payout_id = $1, updated_at = NOW()
		WHERE id = ANY($2) AND status = $3 AND payout_id IS NULL
	`
	for i := range payouts {
		p := &payouts[i]
		_, err := tx.Exec(ctx, payoutQuery,
			p.ID, p.BatchID, p.AffiliateID, p.Amount, p.FeeAmount, p.NetAmount,
			p.Status, p.ReferenceID, p.ChannelCode, p.AccountNumber, p.AccountName,
		)
		if err != nil {
			return fmt.Errorf("failed to insert payout for affiliate %s: %w", p.AffiliateID, err)
		}

		conversionIDs := reservations[p.ID]
		tag, err := tx.Exec(ctx, reserveQuery, p.ID, conversionIDs, domain.ConversionCleared)
		if err != nil {
			return fmt.Errorf("failed to reserve conversions for payout %s: %w", p.ID, err)
		}
		if tag.RowsAffected() != int64(len(conversionIDs)) {
			// A concurrent run won the race for some of these conversions.
			return ErrConversionsNotEligible
		}
	}

	return tx.Commit(ctx)
}

const batchColumns = `id, name, status, payout_method, total_amount, fee_amount, net_amount, affiliate_count, conversion_count, created_at, processed_at`

func scanBatch(row pgx.Row) (*domain.PayoutBatch, error) {
	var b domain.PayoutBatch
	err := row.Scan(
		&b.ID, &b.Name, &b.Status, &b.PayoutMethod, &b.TotalAmount, &b.FeeAmount,
		&b.NetAmount, &b.AffiliateCount, &b.ConversionCount, &b.CreatedAt, &b.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBatchByID retrieves a payout batch.
func (r *PostgresRepository) FindBatchByID(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error) {
	b, err := scanBatch(r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, batchID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return b, nil
}

// ListBatches returns batches newest first.
func (r *PostgresRepository) ListBatches(ctx context.Context, limit, offset int) ([]domain.PayoutBatch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+batchColumns+` FROM payout_batches ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.PayoutBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// TransitionBatchStatus performs a compare-and-set status write so a batch
// can only move along the expected edge. A concurrent transition surfaces as
// ErrBatchStatusConflict instead of silently overwriting.
func (r *PostgresRepository) TransitionBatchStatus(ctx context.Context, batchID uuid.UUID, from, to domain.BatchStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payout_batches SET status = $1 WHERE id = $2 AND status = $3`,
		to, batchID, from,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchStatusConflict
	}
	return nil
}

// SetBatchProcessedAt stamps the moment dispatch began.
func (r *PostgresRepository) SetBatchProcessedAt(ctx context.Context, batchID uuid.UUID, processedAt time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE payout_batches SET processed_at = $1 WHERE id = $2`, processedAt, batchID)
	return err
}

const payoutColumns = `id, batch_id, affiliate_id, amount, fee_amount, net_amount, status, reference_id, idempotency_key, provider_disbursement_id, channel_code, account_number, account_name, failure_reason, processed_at, created_at, updated_at`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(
		&p.ID, &p.BatchID, &p.AffiliateID, &p.Amount, &p.FeeAmount, &p.NetAmount,
		&p.Status, &p.ReferenceID, &p.IdempotencyKey, &p.ProviderDisbursementID,
		&p.ChannelCode, &p.AccountNumber, &p.AccountName, &p.FailureReason,
		&p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindPayoutByID retrieves a single payout line item.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, payoutID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindPayoutsByBatchID returns every line item of a batch in creation order.
func (r *PostgresRepository) FindPayoutsByBatchID(ctx context.Context, batchID uuid.UUID) ([]domain.Payout, error) {
	rows, err := r.db.Query(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE batch_id = $1 ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// FindPayoutByProviderID locates a payout by the provider-assigned disbursement id.
func (r *PostgresRepository) FindPayoutByProviderID(ctx context.Context, providerID string) (*domain.Payout, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE provider_disbursement_id = $1`, providerID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindPayoutByReferenceID locates a payout by the locally-assigned reference
// id. Fallback lookup when a callback predates the provider id being stored.
func (r *PostgresRepository) FindPayoutByReferenceID(ctx context.Context, referenceID string) (*domain.Payout, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE reference_id = $1`, referenceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return p, nil
}

// EnsurePayoutIdempotencyKey persists the idempotency key on first dispatch
// and returns the effective key. A retry after a crashed dispatch attempt
// gets the previously stored key back, never a fresh one.
func (r *PostgresRepository) EnsurePayoutIdempotencyKey(ctx context.Context, payoutID uuid.UUID, key string) (string, error) {
	var effective string
	query := `
		UPDATE payouts
		SET idempotency_key = COALESCE(idempotency_key, $1), updated_at = NOW()
		WHERE id = $2
		RETURNING idempotency_key
	`
	if err := r.db.QueryRow(ctx, query, key, payoutID).Scan(&effective); err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrPayoutNotFound
		}
		return "", err
	}
	return effective, nil
}

// MarkPayoutDispatched records the provider's synchronous acceptance:
// pending -> processing plus the provider id.
func (r *PostgresRepository) MarkPayoutDispatched(ctx context.Context, payoutID uuid.UUID, providerID string, dispatchedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payouts SET status = $1, provider_disbursement_id = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		domain.PayoutProcessing, providerID, dispatchedAt, payoutID, domain.PayoutPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutStatusConflict
	}
	return nil
}

// MarkPayoutFailed records a synchronous terminal rejection for a pending payout.
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payouts SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		domain.PayoutFailed, reason, payoutID, domain.PayoutPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutStatusConflict
	}
	return nil
}

// ApplyPayoutCallbackUpdate writes a reconciliation outcome. The WHERE clause
// only matches non-terminal rows, so a duplicate callback for an
// already-terminal payout affects zero rows and the method reports
// applied=false. This is the idempotency guarantee for reconciliation.
func (r *PostgresRepository) ApplyPayoutCallbackUpdate(ctx context.Context, payoutID uuid.UUID, params CallbackUpdateParams) (bool, error) {
	query := `
		UPDATE payouts
		SET status = $1,
		    provider_disbursement_id = COALESCE(NULLIF($2, ''), provider_disbursement_id),
		    failure_reason = COALESCE($3, failure_reason),
		    processed_at = COALESCE($4, processed_at),
		    updated_at = NOW()
		WHERE id = $5 AND status IN ($6, $7)
	`
	tag, err := r.db.Exec(ctx, query,
		params.Status, params.ProviderDisbursementID, params.FailureReason, params.ProcessedAt,
		payoutID, domain.PayoutPending, domain.PayoutProcessing,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelPendingPayout cancels a line item before dispatch and releases its
// conversions in the same transaction. Processing payouts cannot be
// cancelled; the only path forward is the provider's terminal callback.
func (r *PostgresRepository) CancelPendingPayout(ctx context.Context, payoutID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE payouts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		domain.PayoutCancelled, payoutID, domain.PayoutPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutStatusConflict
	}

	_, err = tx.Exec(ctx,
		`UPDATE affiliate_conversions SET payout_id = NULL, updated_at = NOW() WHERE payout_id = $1 AND status != $2`,
		payoutID, domain.ConversionPaid,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ResetFailedPayout returns a failed line item to pending with a fresh
// reference id so it can be re-dispatched after human correction. The old
// idempotency key and provider id are cleared; a new attempt is a new
// disbursement as far as the provider is concerned.
func (r *PostgresRepository) ResetFailedPayout(ctx context.Context, payoutID uuid.UUID, newReferenceID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payouts
		SET status = $1, reference_id = $2, idempotency_key = NULL,
		    provider_disbursement_id = NULL, failure_reason = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, domain.PayoutPending, newReferenceID, payoutID, domain.PayoutFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutStatusConflict
	}
	return nil
}

// CountPayoutStatusesByBatch tallies line-item statuses for the batch
// completion check. Re-evaluated on every terminal update because line items
// complete in any order.
func (r *PostgresRepository) CountPayoutStatusesByBatch(ctx context.Context, batchID uuid.UUID) (map[domain.PayoutStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM payouts WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.PayoutStatus]int)
	for rows.Next() {
		var status domain.PayoutStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// FindStalledProcessingPayouts returns payouts needing a provider sync: rows
// processing past the grace period, plus pending rows whose idempotency key
// was persisted before a dispatch attempt whose outcome never landed locally.
// The reconciliation poller resolves both against the provider.
func (r *PostgresRepository) FindStalledProcessingPayouts(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	cutoff := time.Now().Add(-olderThan)
	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
		WHERE ((status = $1 AND provider_disbursement_id IS NOT NULL)
		    OR (status = $2 AND idempotency_key IS NOT NULL))
		  AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, domain.PayoutProcessing, domain.PayoutPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// FindActiveRoleByUserID resolves the actor's explicit role assignment,
// newest first when historical assignments exist.
func (r *PostgresRepository) FindActiveRoleByUserID(ctx context.Context, userID uuid.UUID) (domain.Role, error) {
	var role domain.Role
	query := `
		SELECT role_name FROM admin_roles
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(&role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrRoleNotFound
		}
		return "", err
	}
	return role, nil
}

// FindAdminProfile returns the coarse legacy admin record used for fallback
// role derivation.
func (r *PostgresRepository) FindAdminProfile(ctx context.Context, userID uuid.UUID) (*AdminProfile, error) {
	var profile AdminProfile
	query := `SELECT user_id, is_admin, COALESCE(admin_level, '') FROM user_profiles WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&profile.UserID, &profile.IsAdmin, &profile.AdminLevel)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// ListActiveIPAllowlist returns the actor's configured IP allow-list entries.
// An empty result means no restriction is configured.
func (r *PostgresRepository) ListActiveIPAllowlist(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT ip_address FROM admin_ip_allowlist WHERE user_id = $1 AND is_active = TRUE`, userID)
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		entries = append(entries, ip)
	}
	return entries, rows.Err()
}

// AppendActivityRecord inserts one append-only audit entry. Records are
// never updated or deleted.
func (r *PostgresRepository) AppendActivityRecord(ctx context.Context, record domain.ActivityRecord) error {
	var details []byte
	if record.Details != nil {
		encoded, err := json.Marshal(record.Details)
		if err != nil {
			return fmt.Errorf("failed to encode activity details: %w", err)
		}
		details = encoded
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO admin_activity_log (id, actor_id, action, decision, security_event, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, record.ID, record.ActorID, record.Action, record.Decision, record.SecurityEvent, details, nullableString(record.IPAddress))
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
