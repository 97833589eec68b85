// Package gateway talks to the external mobile-money provider. The state
// machine only depends on the Adapter contract, so providers are swappable.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/kemet/ev-payments/internal/models"
)

// Status is the provider-side state of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

// Config is the explicitly constructed gateway configuration. No package
// globals; multiple configurations can coexist.
type Config struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	HTTPClient  *http.Client
}

// InitiateRequest carries everything the provider needs to start a charge.
type InitiateRequest struct {
	TransactionID string
	UserID        string
	AmountMinor   int64
	Currency      string
	PhoneNumber   string
	PaymentMethod models.PaymentMethod
	KwAmount      int64
}

// InitiateResult is the provider's acknowledgment of an initiation.
type InitiateResult struct {
	GatewayRef string
	RawPayload json.RawMessage
}

// StatusResult is the provider's answer to a status poll.
type StatusResult struct {
	GatewayRef string
	Status     Status
	Reason     string
	RawPayload json.RawMessage
}

// Adapter is the contract between the transaction state machine and a
// mobile-money provider. Both calls block on network I/O.
type Adapter interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	QueryStatus(ctx context.Context, gatewayRef string) (*StatusResult, error)
}

// SignPayload computes the hex HMAC-SHA256 of a webhook payload.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := SignPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
