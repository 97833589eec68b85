package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kemet/ev-payments/internal/carrier"
	"github.com/kemet/ev-payments/internal/config"
	"github.com/kemet/ev-payments/internal/gateway"
	"github.com/kemet/ev-payments/internal/models"
)

// LedgerStore persists user balances. Credits are atomic increments;
// adjustments are clamped at zero. Direct overwrites are not part of the
// contract.
type LedgerStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreditBalance(ctx context.Context, id string, kwAmount int64) (int64, error)
	AdjustBalance(ctx context.Context, id string, delta int64) (balanceBefore, balanceAfter int64, err error)
}

// TransactionStore persists the append-only transaction log with guarded,
// forward-only status transitions.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*models.Transaction, error)
	FindBlockingTransaction(ctx context.Context, userID string, since time.Time) (*models.Transaction, error)
	MarkProcessing(ctx context.Context, id, gatewayRef string) (*models.Transaction, error)
	Finalize(ctx context.Context, id string, status models.TransactionStatus, errorReason string, payload map[string]any) (*models.Transaction, bool, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
	ListAll(ctx context.Context, limit int) ([]*models.Transaction, error)
	FindStale(ctx context.Context, olderThan time.Time) ([]*models.Transaction, error)
	Stats(ctx context.Context) (*models.PaymentStats, error)
}

// SettlementQueue moves settlement events between producers (webhook
// handler, reconciler) and the settlement consumer.
type SettlementQueue interface {
	PublishSettlement(ctx context.Context, event *models.SettlementEvent) error
	ConsumeSettlements(ctx context.Context) (<-chan models.SettlementEvent, error)
}

// PaymentService owns the transaction lifecycle from initiation to terminal
// state. It is the single point where balance mutation is authorized.
type PaymentService struct {
	ledger       LedgerStore
	transactions TransactionStore
	queue        SettlementQueue
	gateway      gateway.Adapter
	logger       *slog.Logger

	unitPrice   int64
	currency    string
	maxKwAmount int64
	cooldown    time.Duration
	staleAfter  time.Duration
	expireAfter time.Duration
}

// creates a new PaymentService
func NewPaymentService(
	ledger LedgerStore,
	transactions TransactionStore,
	queue SettlementQueue,
	gw gateway.Adapter,
	cfg *config.Config,
	logger *slog.Logger,
) *PaymentService {
	return &PaymentService{
		ledger:       ledger,
		transactions: transactions,
		queue:        queue,
		gateway:      gw,
		logger:       logger.With("service", "payments"),
		unitPrice:    cfg.UnitPriceMinor,
		currency:     cfg.Currency,
		maxKwAmount:  cfg.MaxKwAmount,
		cooldown:     cfg.CooldownWindow,
		staleAfter:   cfg.StaleAfter,
		expireAfter:  cfg.ExpireAfter,
	}
}

// Calculate prices a kW amount. Pure, no state.
func (s *PaymentService) Calculate(kwAmount int64) (*models.Quote, error) {
	if kwAmount < 1 {
		return nil, ErrInvalidKwAmount
	}
	return &models.Quote{
		KwAmount:    kwAmount,
		UnitPrice:   s.unitPrice,
		TotalAmount: kwAmount * s.unitPrice,
		Currency:    s.currency,
	}, nil
}

func expectedCarrier(method models.PaymentMethod) carrier.Carrier {
	switch method {
	case models.MTNMobileMoney:
		return carrier.MTN
	case models.MoovMoney:
		return carrier.Moov
	default:
		return carrier.None
	}
}

// Initiate validates a purchase request, creates the pending transaction,
// calls the gateway, and advances to processing on acknowledgment. A gateway
// failure leaves the transaction failed and is returned to the caller.
func (s *PaymentService) Initiate(ctx context.Context, userID string, req *models.InitiatePaymentRequest) (*models.Transaction, error) {
	if req.KwAmount < 1 || req.KwAmount > s.maxKwAmount {
		return nil, ErrInvalidKwAmount
	}
	if !req.PaymentMethod.Gateway() {
		return nil, ErrUnsupportedPaymentMethod
	}
	if len(req.PhoneNumber) < 8 || len(req.PhoneNumber) > 15 {
		return nil, ErrInvalidPhoneNumber
	}

	detected := carrier.Detect(req.PhoneNumber)
	if detected == carrier.None {
		return nil, ErrInvalidPhoneNumber
	}
	if detected != expectedCarrier(req.PaymentMethod) {
		return nil, ErrCarrierMismatch
	}

	if _, err := s.ledger.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	// One in-flight purchase per user within the cooldown window.
	blocking, err := s.transactions.FindBlockingTransaction(ctx, userID, time.Now().Add(-s.cooldown))
	if err != nil {
		return nil, fmt.Errorf("failed to check for pending transactions: %w", err)
	}
	if blocking != nil {
		return nil, &PendingTransactionError{BlockingTransactionID: blocking.ID}
	}

	tx := &models.Transaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          models.Purchase,
		PaymentMethod: req.PaymentMethod,
		KwAmount:      req.KwAmount,
		AmountMinor:   req.KwAmount * s.unitPrice,
		Currency:      s.currency,
		PhoneNumber:   req.PhoneNumber,
		Status:        models.Pending,
	}

	if err := s.transactions.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	result, err := s.gateway.Initiate(ctx, gateway.InitiateRequest{
		TransactionID: tx.ID,
		UserID:        userID,
		AmountMinor:   tx.AmountMinor,
		Currency:      tx.Currency,
		PhoneNumber:   tx.PhoneNumber,
		PaymentMethod: tx.PaymentMethod,
		KwAmount:      tx.KwAmount,
	})
	if err != nil {
		if _, _, ferr := s.transactions.Finalize(ctx, tx.ID, models.Failed, err.Error(), nil); ferr != nil {
			s.logger.ErrorContext(ctx, "failed to mark transaction failed",
				"transaction_id", tx.ID, "error", ferr)
		}
		return nil, fmt.Errorf("payment initiation failed: %w", err)
	}

	updated, err := s.transactions.MarkProcessing(ctx, tx.ID, result.GatewayRef)
	if err != nil {
		return nil, fmt.Errorf("failed to record gateway acknowledgment: %w", err)
	}

	s.logger.InfoContext(ctx, "payment initiated",
		"transaction_id", updated.ID, "user_id", userID,
		"kw_amount", updated.KwAmount, "gateway_ref", result.GatewayRef)

	return updated, nil
}

// Settle applies a settlement outcome. Safe to call any number of times for
// the same transaction: the first call wins the terminal transition and the
// single balance credit, later calls are no-ops returning the stored record.
func (s *PaymentService) Settle(ctx context.Context, event models.SettlementEvent) (*models.Transaction, error) {
	var (
		tx  *models.Transaction
		err error
	)
	switch {
	case event.TransactionID != "":
		tx, err = s.transactions.GetTransactionByID(ctx, event.TransactionID)
	case event.GatewayRef != "":
		tx, err = s.transactions.GetTransactionByGatewayRef(ctx, event.GatewayRef)
	default:
		err = models.ErrTransactionNotFound
	}
	if err != nil {
		if errors.Is(err, models.ErrTransactionNotFound) {
			// Integrity anomaly: the gateway referenced a transaction we
			// never created. Logged, not retried.
			s.logger.WarnContext(ctx, "settlement references unknown transaction",
				"transaction_id", event.TransactionID, "gateway_ref", event.GatewayRef)
		}
		return nil, err
	}

	if tx.Status.Terminal() {
		s.logger.DebugContext(ctx, "duplicate settlement ignored",
			"transaction_id", tx.ID, "status", tx.Status)
		return tx, nil
	}

	status := models.Failed
	reason := event.Reason
	if event.Outcome == models.OutcomeSuccess {
		status = models.Completed
		reason = ""
	} else if reason == "" {
		reason = "payment failed"
	}

	var payload map[string]any
	if len(event.RawPayload) > 0 {
		if err := json.Unmarshal(event.RawPayload, &payload); err != nil {
			s.logger.WarnContext(ctx, "unparsable gateway payload dropped from audit trail",
				"transaction_id", tx.ID, "error", err)
			payload = nil
		}
	}

	updated, transitioned, err := s.transactions.Finalize(ctx, tx.ID, status, reason, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize transaction: %w", err)
	}
	if !transitioned {
		// Lost the race to another settlement delivery.
		return updated, nil
	}

	if status == models.Completed {
		newBalance, err := s.ledger.CreditBalance(ctx, updated.UserID, updated.KwAmount)
		if err != nil {
			// The transaction is completed but the credit did not land.
			// Surfacing the error makes the anomaly visible; the transition
			// guard prevents a retry from double-crediting.
			s.logger.ErrorContext(ctx, "balance credit failed after completion",
				"transaction_id", updated.ID, "user_id", updated.UserID, "error", err)
			return updated, fmt.Errorf("balance credit failed: %w", err)
		}
		s.logger.InfoContext(ctx, "payment settled and balance credited",
			"transaction_id", updated.ID, "user_id", updated.UserID,
			"kw_amount", updated.KwAmount, "new_balance", newBalance)
	} else {
		s.logger.InfoContext(ctx, "payment settled as failed",
			"transaction_id", updated.ID, "reason", reason)
	}

	return updated, nil
}

// AdjustResult reports an administrative balance adjustment.
type AdjustResult struct {
	Transaction *models.Transaction
	OldBalance  int64
	NewBalance  int64
}

// AdminAdjust applies a signed kW delta to a user's balance, clamped at
// zero, and records a completed audit transaction. This path bypasses the
// gateway, carrier validation, and the cooldown check.
func (s *PaymentService) AdminAdjust(ctx context.Context, userID string, delta int64, reason string) (*AdjustResult, error) {
	if delta == 0 {
		return nil, ErrZeroAdjustment
	}
	if len(reason) < 5 {
		return nil, ErrReasonTooShort
	}

	before, after, err := s.ledger.AdjustBalance(ctx, userID, delta)
	if err != nil {
		return nil, err
	}

	kind := models.Purchase
	kwAmount := delta
	if delta < 0 {
		kind = models.Refund
		kwAmount = -delta
	}

	now := time.Now()
	tx := &models.Transaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          kind,
		PaymentMethod: models.AdminAdjustment,
		KwAmount:      kwAmount,
		AmountMinor:   kwAmount * s.unitPrice,
		Currency:      s.currency,
		Status:        models.Completed,
		Note:          reason,
		ProcessedAt:   &now,
	}

	if err := s.transactions.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record adjustment: %w", err)
	}

	s.logger.InfoContext(ctx, "balance adjusted",
		"user_id", userID, "delta", delta, "old_balance", before, "new_balance", after)

	return &AdjustResult{Transaction: tx, OldBalance: before, NewBalance: after}, nil
}

// Status returns the stored projection of a transaction.
func (s *PaymentService) Status(ctx context.Context, transactionID string) (*models.Transaction, error) {
	return s.transactions.GetTransactionByID(ctx, transactionID)
}

// History returns a user's transactions, or every transaction for admins.
func (s *PaymentService) History(ctx context.Context, userID string, isAdmin bool, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	if isAdmin {
		return s.transactions.ListAll(ctx, limit)
	}
	return s.transactions.ListByUser(ctx, userID, limit)
}

// Stats aggregates the transaction log for the admin dashboard.
func (s *PaymentService) Stats(ctx context.Context) (*models.PaymentStats, error) {
	return s.transactions.Stats(ctx)
}

// starts the settlement consumer
func (s *PaymentService) StartSettlementConsumer(ctx context.Context) error {
	events, err := s.queue.ConsumeSettlements(ctx)
	if err != nil {
		return fmt.Errorf("failed to consume settlements: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}

				if _, err := s.Settle(ctx, event); err != nil {
					s.logger.ErrorContext(ctx, "failed to apply settlement",
						"transaction_id", event.TransactionID,
						"gateway_ref", event.GatewayRef, "error", err)
				}
			}
		}
	}()

	return nil
}

// ReconcileOnce recovers transactions stuck between "gateway acknowledged"
// and "settled": it polls the gateway for non-terminal transactions past the
// stale threshold and cancels those past the expiry window. Cancellation
// never credits a balance.
func (s *PaymentService) ReconcileOnce(ctx context.Context) error {
	now := time.Now()

	stale, err := s.transactions.FindStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return fmt.Errorf("failed to find stale transactions: %w", err)
	}

	for _, tx := range stale {
		if now.Sub(tx.CreatedAt) >= s.expireAfter {
			_, transitioned, err := s.transactions.Finalize(ctx, tx.ID, models.Cancelled,
				"expired awaiting gateway confirmation", nil)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to cancel expired transaction",
					"transaction_id", tx.ID, "error", err)
			} else if transitioned {
				s.logger.InfoContext(ctx, "expired transaction cancelled", "transaction_id", tx.ID)
			}
			continue
		}

		// Still pending locally and never acknowledged: nothing to poll yet.
		if tx.GatewayRef == "" {
			continue
		}

		result, err := s.gateway.QueryStatus(ctx, tx.GatewayRef)
		if err != nil {
			s.logger.WarnContext(ctx, "gateway status poll failed",
				"transaction_id", tx.ID, "gateway_ref", tx.GatewayRef, "error", err)
			continue
		}

		var outcome models.SettlementOutcome
		switch result.Status {
		case gateway.StatusSuccessful:
			outcome = models.OutcomeSuccess
		case gateway.StatusFailed:
			outcome = models.OutcomeFailure
		default:
			continue // still in flight at the gateway
		}

		event := &models.SettlementEvent{
			TransactionID: tx.ID,
			GatewayRef:    tx.GatewayRef,
			Outcome:       outcome,
			Reason:        result.Reason,
			RawPayload:    result.RawPayload,
			ReceivedAt:    now,
		}
		if err := s.queue.PublishSettlement(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish reconciled settlement",
				"transaction_id", tx.ID, "error", err)
			continue
		}

		s.logger.InfoContext(ctx, "reconciled stale transaction",
			"transaction_id", tx.ID, "outcome", outcome)
	}

	return nil
}

// StartReconciler runs the reconciliation sweep on a fixed interval until
// the context is cancelled.
func (s *PaymentService) StartReconciler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.ReconcileOnce(ctx); err != nil {
					s.logger.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
				}
			}
		}
	}()
}
