package types

// Config holds all configuration values for the QBO connect service
type Config struct {
	Port                 string
	DatabaseDSN          string
	QBOClientID          string
	QBOClientSecret      string
	QBORedirectURL       string
	WebhookVerifierToken string
	CronSecret           string
	SyncTriggerURL       string
	RefreshSchedule      string
	StateSigningKey      string
}

// Connection status values stored on a TokenRecord and reported to the dashboard.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusNeedsReauth  = "needs_reauth"
	StatusError        = "error"
)

// Webhook receipt processing states. Receipts are stored as pending and
// advanced by the sync worker.
const (
	ReceiptPending   = "pending"
	ReceiptProcessed = "processed"
	ReceiptFailed    = "failed"
)

// APIError is the JSON error body returned by all handlers
type APIError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
