package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared between the stores and the payment service.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

type SettlementOutcome string

const (
	OutcomeSuccess SettlementOutcome = "success"
	OutcomeFailure SettlementOutcome = "failure"
)

// SettlementEvent is the message carried on the settlements queue. Webhook
// deliveries and reconciler polls both produce it; the settlement consumer
// applies it. Delivery is at-least-once, so applying it must be idempotent.
type SettlementEvent struct {
	// TransactionID is our tx_ref. Either it or GatewayRef identifies the transaction.
	TransactionID string            `json:"transaction_id,omitempty"`
	GatewayRef    string            `json:"gateway_ref,omitempty"`
	Outcome       SettlementOutcome `json:"outcome"`
	Reason        string            `json:"reason,omitempty"`
	RawPayload    json.RawMessage   `json:"raw_payload,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
}
