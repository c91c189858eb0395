/**
 * @description
 * This file contains the HTTP handlers for the payout service's admin API.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robguevarra/affiliate-payout-service/internal/app"
	"github.com/robguevarra/affiliate-payout-service/internal/domain"
	"github.com/robguevarra/affiliate-payout-service/internal/store"
)

// PayoutHandlers holds the application service that handlers will use.
type PayoutHandlers struct {
	service *app.Service
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(service *app.Service) *PayoutHandlers {
	return &PayoutHandlers{service: service}
}

func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// actor resolves the authenticated admin and the request's permission context.
func (h *PayoutHandlers) actor(r *http.Request, w http.ResponseWriter) (uuid.UUID, domain.PermissionContext, bool) {
	actorID, ok := GetActorID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, domain.PermissionContext{}, false
	}
	permCtx := domain.PermissionContext{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
	return actorID, permCtx, true
}

// mapServiceError translates application errors onto HTTP status codes.
func (h *PayoutHandlers) mapServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrPermissionDenied):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrConversionNotFound),
		errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, store.ErrAffiliateNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrNoVerifiableRows),
		errors.Is(err, app.ErrInvalidTransition),
		errors.Is(err, app.ErrEmptyBatch):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrConversionsNotEligible),
		errors.Is(err, app.ErrBatchNotProcessable),
		errors.Is(err, app.ErrPayoutNotCancellable),
		errors.Is(err, store.ErrDuplicateOrderConversion):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return id, nil
}

// RecordConversionHandler ingests one attribution event into the ledger.
// Authentication is the JWT on the admin group; recording needs no payout
// role because the upstream attribution system is the caller.
func (h *PayoutHandlers) RecordConversionHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.ConversionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	conversion, err := h.service.RecordConversion(r.Context(), app.RecordConversionParams{
		AffiliateID:      event.AffiliateID,
		OrderID:          event.OrderID,
		GMV:              event.GMV,
		CommissionAmount: event.CommissionAmount,
		CommissionRate:   event.CommissionRate,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOrderConversion) {
			h.mapServiceError(w, err)
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, conversion)
}

// ListConversionsHandler returns the filtered conversion listing.
func (h *PayoutHandlers) ListConversionsHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}

	opts := store.ConversionListOptions{}
	q := r.URL.Query()
	if raw := q.Get("affiliate_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid affiliate_id")
			return
		}
		opts.AffiliateID = &id
	}
	if raw := q.Get("status"); raw != "" {
		status := domain.ConversionStatus(raw)
		if !status.IsValid() {
			h.writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		opts.Status = &status
	}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	conversions, err := h.service.ListConversions(r.Context(), actorID, opts, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"conversions": conversions, "count": len(conversions)})
}

// GetConversionHandler returns one conversion.
func (h *PayoutHandlers) GetConversionHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}
	conversionID, err := parseUUIDParam(r, "conversionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conversion, err := h.service.GetConversion(r.Context(), actorID, conversionID, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversion)
}

// VerifyConversionsHandler bulk-clears pending conversions.
func (h *PayoutHandlers) VerifyConversionsHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}

	var req struct {
		ConversionIDs []uuid.UUID `json:"conversion_ids"`
		Notes         string      `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.VerifyConversions(r.Context(), actorID, req.ConversionIDs, req.Notes, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// UpdateConversionStatusHandler moves one conversion along the state machine.
func (h *PayoutHandlers) UpdateConversionStatusHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}
	conversionID, err := parseUUIDParam(r, "conversionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Status domain.ConversionStatus `json:"status"`
		Notes  string                  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	conversion, err := h.service.UpdateConversionStatus(r.Context(), actorID, conversionID, req.Status, req.Notes, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversion)
}

// PreviewBatchHandler computes a batch preview without persisting anything.
func (h *PayoutHandlers) PreviewBatchHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}

	var req struct {
		AffiliateIDs []uuid.UUID `json:"affiliate_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	preview, err := h.service.PreviewPayoutBatch(r.Context(), actorID, req.AffiliateIDs, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// CreateBatchHandler materializes a payout batch from the eligible set.
func (h *PayoutHandlers) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}

	var req struct {
		Name         string      `json:"name"`
		AffiliateIDs []uuid.UUID `json:"affiliate_ids"`
		PayoutMethod string      `json:"payout_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	batch, err := h.service.CreatePayoutBatch(r.Context(), actorID, app.CreateBatchParams{
		Name:         req.Name,
		AffiliateIDs: req.AffiliateIDs,
		PayoutMethod: req.PayoutMethod,
	}, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, batch)
}

// ListBatchesHandler returns the batch listing.
func (h *PayoutHandlers) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	batches, err := h.service.ListBatches(r.Context(), actorID, limit, offset, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches, "count": len(batches)})
}

// GetBatchHandler returns one batch with its line items.
func (h *PayoutHandlers) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}
	batchID, err := parseUUIDParam(r, "batchID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch, payouts, err := h.service.GetBatch(r.Context(), actorID, batchID, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"batch": batch, "payouts": payouts})
}

// ProcessBatchHandler dispatches a verified batch to the provider.
func (h *PayoutHandlers) ProcessBatchHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}
	batchID, err := parseUUIDParam(r, "batchID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.ProcessBatch(r.Context(), actorID, batchID, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RetryFailedPayoutsHandler re-dispatches the failed line items of a batch.
func (h *PayoutHandlers) RetryFailedPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}
	batchID, err := parseUUIDParam(r, "batchID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.RetryFailedPayouts(r.Context(), actorID, batchID, permCtx)
	if err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// CancelPayoutHandler cancels one pending line item.
func (h *PayoutHandlers) CancelPayoutHandler(w http.ResponseWriter, r *http.Request) {
	actorID, permCtx, ok := h.actor(r, w)
	if !ok {
		return
	}
	payoutID, err := parseUUIDParam(r, "payoutID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.CancelPayout(r.Context(), actorID, payoutID, permCtx); err != nil {
		h.mapServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
