/**
 * @description
 * HTTP handler for the provider's payout status callbacks. The body is read
 * raw before any parsing because the HMAC signature covers the exact bytes
 * sent; re-serialized JSON would not verify. Authentication is the signature
 * itself; the route is outside the JWT-protected admin group.
 *
 * @dependencies
 * - io, net/http: Standard Go libraries.
 * - internal/app: Callback verification and application logic.
 */

package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/robguevarra/affiliate-payout-service/internal/app"
)

const maxCallbackBodyBytes = 1 << 20

// XenditPayoutCallbackHandler verifies and applies one webhook delivery.
// Unknown payouts are acknowledged with 200 so the provider stops retrying;
// the mismatch is logged server-side for investigation. Tampered signatures
// get 401 and a security event in the audit log.
func (h *PayoutHandlers) XenditPayoutCallbackHandler(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("X-Callback-Signature")
	outcome, err := h.service.HandleProviderCallback(r.Context(), rawBody, signature)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCallbackSignature) {
			log.Printf("level=warn component=api endpoint=xendit_callback outcome=reject reason=invalid_signature remote=%s", clientIP(r))
			h.writeError(w, http.StatusUnauthorized, "invalid callback signature")
			return
		}
		log.Printf("level=error component=api endpoint=xendit_callback outcome=error err=%v", err)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, outcome)
}
