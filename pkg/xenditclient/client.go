/**
 * @description
 * This package provides a client for the Xendit Payouts API, isolating all
 * provider-specific request/response shapes and cryptographic verification
 * behind a stable contract. The client is stateless: it builds requests,
 * authenticates, parses responses and maps provider status codes. It never
 * persists anything.
 *
 * Key features:
 * - Idempotent submission: every payout request carries an Idempotency-key
 *   header supplied by the caller, so retries of a failed network call do
 *   not create duplicate money movement.
 * - Expected business rejections (insufficient balance, invalid account) are
 *   returned as a structured *ProviderError value, never as a panic.
 * - Sequential batch submission with a configurable inter-request delay,
 *   because Xendit enforces rate limits on the disbursement endpoints.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha256, encoding/hex, encoding/json,
 *   fmt, io, net/http, time: Standard Go libraries.
 */
package xenditclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status is the internal three-state model every raw provider status maps into.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

// Client is a client for the Xendit Payouts API.
type Client struct {
	BaseURL       string
	APIKey        string
	webhookSecret string
	batchDelay    time.Duration
	HTTPClient    *http.Client
}

// NewClient creates a new Xendit API client. batchDelay is the pause between
// sequential requests in SubmitBatch; zero disables the pause (tests).
func NewClient(baseURL, apiKey, webhookSecret string, batchDelay time.Duration) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		APIKey:        apiKey,
		webhookSecret: webhookSecret,
		batchDelay:    batchDelay,
		HTTPClient: &http.Client{
			// Provider calls are suspension points; a hung call must surface
			// as "unknown, retry later", never be waited on indefinitely.
			Timeout: 8 * time.Second,
		},
	}
}

// PayoutRequest is the payload for creating a single disbursement.
type PayoutRequest struct {
	ReferenceID   string  `json:"reference_id"`
	Amount        float64 `json:"amount"` // currency units, two decimals
	Currency      string  `json:"currency"`
	ChannelCode   string  `json:"channel_code"`
	AccountNumber string  `json:"account_number"`
	AccountName   string  `json:"account_holder_name"`
	Description   string  `json:"description,omitempty"`

	// IdempotencyKey is sent as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// PayoutResponse is the provider's view of a disbursement.
type PayoutResponse struct {
	ID          string  `json:"id"`
	ReferenceID string  `json:"reference_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	ChannelCode string  `json:"channel_code"`
	AccountName string  `json:"account_holder_name"`
	Status      string  `json:"status"` // raw provider status
	FailureCode string  `json:"failure_code,omitempty"`
	Created     string  `json:"created,omitempty"`
	Updated     string  `json:"updated,omitempty"`
}

// FieldIssue is one per-field validation problem reported by the provider.
type FieldIssue struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
	Value string `json:"value,omitempty"`
}

// ProviderError is a structured, expected provider rejection. Retryable
// distinguishes transient (network/5xx) failures, which the caller may
// re-attempt with the same idempotency key, from terminal 4xx rejections.
type ProviderError struct {
	ErrorCode  string       `json:"error_code"`
	Message    string       `json:"message"`
	Errors     []FieldIssue `json:"errors,omitempty"`
	StatusCode int          `json:"-"`
	Retryable  bool         `json:"-"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("xendit api error: %s - %s", e.ErrorCode, e.Message)
}

// BatchResult itemizes a sequential batch submission by original request.
// A failure on one item never aborts the remaining items.
type BatchResult struct {
	Successes []PayoutResponse
	Failures  []BatchFailure
}

// BatchFailure pairs a failed request with its provider error.
type BatchFailure struct {
	Request PayoutRequest
	Err     *ProviderError
}

// SubmitPayout creates a single disbursement. Business-rule rejections come
// back as a *ProviderError with Retryable=false; network and 5xx failures
// come back with Retryable=true and may be re-attempted with the same
// idempotency key.
func (c *Client) SubmitPayout(ctx context.Context, reqPayload PayoutRequest) (*PayoutResponse, *ProviderError) {
	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, &ProviderError{ErrorCode: "REQUEST_ENCODING_ERROR", Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, &ProviderError{ErrorCode: "REQUEST_BUILD_ERROR", Message: err.Error()}
	}
	c.setHeaders(httpReq)
	if reqPayload.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-key", reqPayload.IdempotencyKey)
	}

	return c.doPayoutRequest(httpReq, "submit_payout")
}

// SubmitBatch dispatches requests sequentially with a small inter-request
// delay to respect provider rate limits. Partial success is expected and is
// reported itemized; context cancellation stops the remaining items and
// reports them as failures.
func (c *Client) SubmitBatch(ctx context.Context, requests []PayoutRequest) BatchResult {
	var result BatchResult
	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, BatchFailure{
				Request: req,
				Err:     &ProviderError{ErrorCode: "CONTEXT_CANCELLED", Message: err.Error(), Retryable: true},
			})
			continue
		}

		resp, provErr := c.SubmitPayout(ctx, req)
		if provErr != nil {
			result.Failures = append(result.Failures, BatchFailure{Request: req, Err: provErr})
		} else {
			result.Successes = append(result.Successes, *resp)
		}

		if c.batchDelay > 0 && i < len(requests)-1 {
			select {
			case <-time.After(c.batchDelay):
			case <-ctx.Done():
			}
		}
	}
	return result
}

// GetPayout fetches a disbursement by its provider-assigned id. Used for
// reconciliation polling as a fallback to webhooks.
func (c *Client) GetPayout(ctx context.Context, providerID string) (*PayoutResponse, *ProviderError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v2/payouts/"+url.PathEscape(providerID), nil)
	if err != nil {
		return nil, &ProviderError{ErrorCode: "REQUEST_BUILD_ERROR", Message: err.Error()}
	}
	c.setHeaders(httpReq)
	return c.doPayoutRequest(httpReq, "get_payout")
}

// GetPayoutByReference fetches a disbursement by the locally-assigned
// reference id. Fallback lookup when a callback omits the provider id.
func (c *Client) GetPayoutByReference(ctx context.Context, referenceID string) (*PayoutResponse, *ProviderError) {
	endpoint := c.BaseURL + "/v2/payouts?reference_id=" + url.QueryEscape(referenceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ProviderError{ErrorCode: "REQUEST_BUILD_ERROR", Message: err.Error()}
	}
	c.setHeaders(httpReq)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{ErrorCode: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{ErrorCode: "RESPONSE_READ_ERROR", Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseProviderError(resp.StatusCode, bodyBytes, "get_payout_by_reference")
	}

	// The list endpoint wraps results in a data array.
	var listResp struct {
		Data []PayoutResponse `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &listResp); err != nil || len(listResp.Data) == 0 {
		return nil, &ProviderError{ErrorCode: "NOT_FOUND", Message: "no payout found for reference " + referenceID, StatusCode: http.StatusNotFound}
	}
	return &listResp.Data[0], nil
}

// VerifyCallbackSignature computes an HMAC-SHA256 over the raw, unparsed
// callback body and compares it against the hex signature header in constant
// time. It must operate on the raw bytes: re-serializing the JSON can change
// field order and whitespace and break the signature.
func (c *Client) VerifyCallbackSignature(rawBody []byte, signatureHeader string) bool {
	if c.webhookSecret == "" {
		log.Println("level=warn component=xendit_client msg=\"webhook secret not configured; rejecting callback\"")
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signatureHeader)))
}

// MapProviderStatus maps every known provider status onto the internal
// three-state model. Unknown or future statuses default to StatusProcessing:
// an unrecognized status must never silently look resolved.
func MapProviderStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "SUCCEEDED":
		return StatusPaid
	case "FAILED", "CANCELLED", "REFUSED", "EXPIRED":
		return StatusFailed
	case "PENDING", "ACCEPTED", "REQUESTED", "LOCKED", "PROCESSING":
		return StatusProcessing
	default:
		return StatusProcessing
	}
}

// IsFinalStatus reports whether no more provider updates are expected for raw.
func IsFinalStatus(raw string) bool {
	return MapProviderStatus(raw) != StatusProcessing
}

func (c *Client) setHeaders(req *http.Request) {
	credentials := base64.StdEncoding.EncodeToString([]byte(c.APIKey + ":"))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (c *Client) doPayoutRequest(httpReq *http.Request, op string) (*PayoutResponse, *ProviderError) {
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		// Timeouts land here too: treat as unknown and retryable, never as success.
		return nil, &ProviderError{ErrorCode: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{ErrorCode: "RESPONSE_READ_ERROR", Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		provErr := parseProviderError(resp.StatusCode, bodyBytes, op)
		log.Printf("level=warn component=xendit_client op=%s status=%d error_code=%s msg=%q", op, resp.StatusCode, provErr.ErrorCode, provErr.Message)
		return nil, provErr
	}

	var payoutResp PayoutResponse
	if err := json.Unmarshal(bodyBytes, &payoutResp); err != nil {
		return nil, &ProviderError{ErrorCode: "RESPONSE_DECODE_ERROR", Message: err.Error(), Retryable: true}
	}
	return &payoutResp, nil
}

func parseProviderError(statusCode int, body []byte, op string) *ProviderError {
	var provErr ProviderError
	if err := json.Unmarshal(body, &provErr); err != nil || provErr.ErrorCode == "" {
		provErr = ProviderError{
			ErrorCode: fmt.Sprintf("HTTP_%d", statusCode),
			Message:   strings.TrimSpace(string(body)),
		}
	}
	provErr.StatusCode = statusCode
	provErr.Retryable = statusCode >= 500
	return &provErr
}
