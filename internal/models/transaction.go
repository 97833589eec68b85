package models

import (
	"time"
)

type TransactionKind string

const (
	// Purchase represents a kW purchase (gateway payment or positive adjustment)
	Purchase TransactionKind = "purchase"

	// Refund represents a kW refund (negative adjustment)
	Refund TransactionKind = "refund"
)

type PaymentMethod string

const (
	MTNMobileMoney PaymentMethod = "mtn_mobile_money"
	MoovMoney      PaymentMethod = "moov_money"

	// AdminAdjustment marks balance mutations made outside the gateway path
	AdminAdjustment PaymentMethod = "admin_adjustment"
)

// reports whether the method goes through the mobile-money gateway
func (m PaymentMethod) Gateway() bool {
	return m == MTNMobileMoney || m == MoovMoney
}

type TransactionStatus string

const (
	// Pending indicates the transaction was created but the gateway has not acknowledged it
	Pending TransactionStatus = "pending"

	// Processing indicates the gateway acknowledged initiation and settlement is awaited
	Processing TransactionStatus = "processing"

	// Completed indicates the payment settled and the balance was credited
	Completed TransactionStatus = "completed"

	// Failed indicates the payment did not settle
	Failed TransactionStatus = "failed"

	// Cancelled indicates the transaction was abandoned before settling
	Cancelled TransactionStatus = "cancelled"
)

// Terminal reports whether the status can never advance again.
func (s TransactionStatus) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Transaction is the append-only audit record of a kW purchase or adjustment.
// Status only moves forward; kw_amount and amount_minor never change after creation.
type Transaction struct {
	ID             string            `json:"id" bson:"_id"`
	UserID         string            `json:"user_id" bson:"user_id"`
	Kind           TransactionKind   `json:"kind" bson:"kind"`
	PaymentMethod  PaymentMethod     `json:"payment_method" bson:"payment_method"`
	KwAmount       int64             `json:"kw_amount" bson:"kw_amount"`
	AmountMinor    int64             `json:"amount_minor" bson:"amount_minor"`
	Currency       string            `json:"currency" bson:"currency"`
	PhoneNumber    string            `json:"phone_number,omitempty" bson:"phone_number,omitempty"`
	GatewayRef     string            `json:"gateway_ref,omitempty" bson:"gateway_ref,omitempty"`
	GatewayPayload map[string]any    `json:"-" bson:"gateway_payload,omitempty"`
	Status         TransactionStatus `json:"status" bson:"status"`
	ErrorReason    string            `json:"error_reason,omitempty" bson:"error_reason,omitempty"`
	Note           string            `json:"note,omitempty" bson:"note,omitempty"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" bson:"updated_at"`
}

// represents the request to initiate a mobile-money purchase
type InitiatePaymentRequest struct {
	KwAmount      int64         `json:"kwAmount"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	PhoneNumber   string        `json:"phoneNumber"`
}

// represents the request to adjust a user's balance (admin only)
type AdjustBalanceRequest struct {
	UserID     string `json:"userId"`
	Adjustment int64  `json:"adjustment"`
	Reason     string `json:"reason"`
}

// represents the API projection of a transaction
type TransactionResponse struct {
	ID            string            `json:"transactionId"`
	UserID        string            `json:"userId,omitempty"`
	Kind          TransactionKind   `json:"kind"`
	PaymentMethod PaymentMethod     `json:"paymentMethod"`
	KwAmount      int64             `json:"kwAmount"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	ErrorReason   string            `json:"errorReason,omitempty"`
	ProcessedAt   *time.Time        `json:"processedAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// NewTransactionResponse builds the client projection of a transaction.
// The owning user id is only included for administrators.
func NewTransactionResponse(tx *Transaction, includeUser bool) TransactionResponse {
	resp := TransactionResponse{
		ID:            tx.ID,
		Kind:          tx.Kind,
		PaymentMethod: tx.PaymentMethod,
		KwAmount:      tx.KwAmount,
		Amount:        tx.AmountMinor,
		Currency:      tx.Currency,
		Status:        tx.Status,
		ErrorReason:   tx.ErrorReason,
		ProcessedAt:   tx.ProcessedAt,
		CreatedAt:     tx.CreatedAt,
	}
	if includeUser {
		resp.UserID = tx.UserID
	}
	return resp
}

// Quote is the result of the pure pricing calculation.
type Quote struct {
	KwAmount    int64  `json:"kwAmount"`
	UnitPrice   int64  `json:"unitPrice"`
	TotalAmount int64  `json:"totalAmount"`
	Currency    string `json:"currency"`
}

// PaymentStats aggregates the transaction log for the admin dashboard.
type PaymentStats struct {
	TotalTransactions int64 `json:"totalTransactions"`
	Pending           int64 `json:"pending"`
	Processing        int64 `json:"processing"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
	Cancelled         int64 `json:"cancelled"`
	RevenueMinor      int64 `json:"revenue"`
	KwSold            int64 `json:"kwSold"`
}
