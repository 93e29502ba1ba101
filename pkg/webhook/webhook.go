package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/primecfo/qbo-connect/pkg/handlerutils"
	"github.com/primecfo/qbo-connect/pkg/types"
)

// SignatureHeader carries Intuit's base64 HMAC-SHA256 over the raw body.
const SignatureHeader = "intuit-signature"

// maxBodySize bounds webhook payloads; Intuit batches are far smaller.
const maxBodySize = 1 << 20

// ReceiptStore persists webhook receipts
type ReceiptStore interface {
	CreateWebhookReceipt(receipt *types.WebhookReceipt) (string, error)
}

type Handler struct {
	db             ReceiptStore
	verifierToken  string
	syncTriggerURL string
	httpClient     *http.Client
}

func NewHandler(db ReceiptStore, verifierToken, syncTriggerURL string) *Handler {
	return &Handler{
		db:             db,
		verifierToken:  verifierToken,
		syncTriggerURL: syncTriggerURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Response acknowledges a stored receipt to the provider
type Response struct {
	OK        bool   `json:"ok"`
	ReceiptID string `json:"receipt_id,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Intuit probes the endpoint with GET when the webhook is registered.
	if r.Method == http.MethodGet {
		handlerutils.JSON(w, http.StatusOK, Response{OK: true})
		return
	}

	// Fail closed: an unset verifier token must never admit payloads.
	if h.verifierToken == "" {
		handlerutils.JSON(w, http.StatusServiceUnavailable, types.APIError{
			Error:            "not_configured",
			ErrorDescription: "Webhook verifier token is not configured",
		})
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "missing_signature",
			ErrorDescription: "Signature header is required",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "invalid_request",
			ErrorDescription: "Failed to read request body",
		})
		return
	}

	// Verification gates persistence: a rejected signature produces no receipt.
	if !Verify(body, signature, h.verifierToken) {
		handlerutils.JSON(w, http.StatusUnauthorized, types.APIError{
			Error:            "invalid_signature",
			ErrorDescription: "Signature does not match payload",
		})
		return
	}

	var payload types.JSON
	if err := json.Unmarshal(body, &payload); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.APIError{
			Error:            "malformed_payload",
			ErrorDescription: "Payload is not valid JSON",
		})
		return
	}

	receipt := &types.WebhookReceipt{
		ID:        uuid.NewString(),
		Signature: signature,
		Payload:   payload,
		Status:    types.ReceiptPending,
	}
	receipt.EventID = eventID(payload, receipt.ID)

	receiptID, err := h.db.CreateWebhookReceipt(receipt)
	if err != nil {
		handlerutils.JSON(w, http.StatusInternalServerError, types.APIError{
			Error:            "state_store_error",
			ErrorDescription: "Failed to store webhook receipt",
		})
		return
	}

	// Downstream notification is best effort; Intuit must see the ack even
	// if the sync worker is down, or it will retry indefinitely.
	if h.syncTriggerURL != "" {
		go h.triggerSync(receiptID)
	}

	handlerutils.JSON(w, http.StatusOK, Response{OK: true, ReceiptID: receiptID})
}

// Verify recomputes the HMAC-SHA256 of the raw body and compares it to the
// header value in constant time.
func Verify(body []byte, signature, verifierToken string) bool {
	mac := hmac.New(sha256.New, []byte(verifierToken))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign produces the signature Intuit would send for a body. Exported for
// webhook registration tooling and tests.
func Sign(body []byte, verifierToken string) string {
	mac := hmac.New(sha256.New, []byte(verifierToken))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// eventID derives a stable identity for the delivery from the first entity
// change in the notification batch, so provider redeliveries dedupe to one
// receipt. Falls back to the receipt ID when the shape is unrecognized.
func eventID(payload types.JSON, fallback string) string {
	notifications, ok := payload["eventNotifications"].([]any)
	if !ok || len(notifications) == 0 {
		return fallback
	}
	first, ok := notifications[0].(map[string]any)
	if !ok {
		return fallback
	}
	realmID, _ := first["realmId"].(string)
	change, ok := first["dataChangeEvent"].(map[string]any)
	if !ok {
		return fallback
	}
	entities, ok := change["entities"].([]any)
	if !ok || len(entities) == 0 {
		return fallback
	}
	entity, ok := entities[0].(map[string]any)
	if !ok {
		return fallback
	}

	name, _ := entity["name"].(string)
	id, _ := entity["id"].(string)
	operation, _ := entity["operation"].(string)
	lastUpdated, _ := entity["lastUpdated"].(string)
	if realmID == "" || name == "" || id == "" {
		return fallback
	}
	return strings.Join([]string{realmID, name, id, operation, lastUpdated}, ":")
}

// triggerSync notifies the sync worker of a new receipt. Failures are logged
// and never surfaced to the provider.
func (h *Handler) triggerSync(receiptID string) {
	body, err := json.Marshal(map[string]string{"receipt_id": receiptID})
	if err != nil {
		log.Printf("Failed to marshal sync trigger for receipt %s: %v", receiptID, err)
		return
	}

	resp, err := h.httpClient.Post(h.syncTriggerURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("Sync trigger failed for receipt %s: %v", receiptID, err)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			fmt.Printf("Error closing response body: %v\n", err)
		}
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		log.Printf("Sync trigger for receipt %s returned %s", receiptID, resp.Status)
	}
}
