package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kemet/ev-payments/internal/gateway"
	"github.com/kemet/ev-payments/internal/models"
	"github.com/kemet/ev-payments/internal/service"
)

const maxWebhookBodySize = 1 << 20 // 1 MB

// PaymentService is what the handlers need from the payment core.
type PaymentService interface {
	Initiate(ctx context.Context, userID string, req *models.InitiatePaymentRequest) (*models.Transaction, error)
	Status(ctx context.Context, transactionID string) (*models.Transaction, error)
	History(ctx context.Context, userID string, isAdmin bool, limit int) ([]*models.Transaction, error)
	Calculate(kwAmount int64) (*models.Quote, error)
	AdminAdjust(ctx context.Context, userID string, delta int64, reason string) (*service.AdjustResult, error)
	Stats(ctx context.Context) (*models.PaymentStats, error)
}

// SettlementPublisher enqueues webhook deliveries for the settlement consumer.
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, event *models.SettlementEvent) error
}

// Handler is for handling api requests
type Handler struct {
	payments      PaymentService
	settlements   SettlementPublisher
	webhookSecret string
	logger        *slog.Logger
}

func NewHandler(payments PaymentService, settlements SettlementPublisher, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		payments:      payments,
		settlements:   settlements,
		webhookSecret: webhookSecret,
		logger:        logger.With("component", "api"),
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// for error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handles purchase initiation
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req models.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	tx, err := h.payments.Initiate(r.Context(), claims.UserID, &req)
	if err != nil {
		var pending *service.PendingTransactionError
		switch {
		case service.IsValidationError(err):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &pending):
			respondJSON(w, http.StatusConflict, map[string]string{
				"error":                   "you have a pending transaction, please wait before initiating a new payment",
				"blocking_transaction_id": pending.BlockingTransactionID,
			})
		case errors.Is(err, models.ErrUserNotFound):
			respondError(w, http.StatusNotFound, "user not found")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, models.NewTransactionResponse(tx, false))
}

// handles transaction status retrieval
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	vars := mux.Vars(r)
	id := vars["transactionId"]

	tx, err := h.payments.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrTransactionNotFound) {
			respondError(w, http.StatusNotFound, "transaction not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	isAdmin := claims.Role == models.RoleAdmin
	if !isAdmin && tx.UserID != claims.UserID {
		respondError(w, http.StatusForbidden, "you can only check your own transactions")
		return
	}

	respondJSON(w, http.StatusOK, models.NewTransactionResponse(tx, isAdmin))
}

// handles payment history retrieval
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	isAdmin := claims.Role == models.RoleAdmin
	txs, err := h.payments.History(r.Context(), claims.UserID, isAdmin, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]models.TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		response = append(response, models.NewTransactionResponse(tx, isAdmin))
	}

	respondJSON(w, http.StatusOK, response)
}

// handles the public pricing calculation
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	kwAmount, err := strconv.ParseInt(r.URL.Query().Get("kwAmount"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid kw amount")
		return
	}

	quote, qerr := h.payments.Calculate(kwAmount)
	if qerr != nil {
		respondError(w, http.StatusBadRequest, "invalid kw amount")
		return
	}

	respondJSON(w, http.StatusOK, quote)
}

// webhookPayload is the gateway's callback body.
type webhookPayload struct {
	TxRef    string `json:"tx_ref"`
	FlwRef   string `json:"flw_ref"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// HandleWebhook receives settlement callbacks from the gateway. Gateways
// retry deliveries, so everything past the signature check answers 200; the
// queued settlement is idempotent.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	rawPayload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "error reading request body")
		return
	}

	signature := r.Header.Get("X-Payment-Signature")
	if !gateway.VerifySignature(h.webhookSecret, rawPayload, signature) {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"remote_addr", r.RemoteAddr)
		respondError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	outcome := models.OutcomeFailure
	reason := "payment " + payload.Status
	if payload.Status == "successful" {
		outcome = models.OutcomeSuccess
		reason = ""
	}

	event := &models.SettlementEvent{
		TransactionID: payload.TxRef,
		GatewayRef:    payload.FlwRef,
		Outcome:       outcome,
		Reason:        reason,
		RawPayload:    rawPayload,
		ReceivedAt:    time.Now(),
	}

	if err := h.settlements.PublishSettlement(r.Context(), event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to enqueue settlement", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "webhook received"})
}

// handles administrative balance adjustments
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req models.AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := h.payments.AdminAdjust(r.Context(), req.UserID, req.Adjustment, req.Reason)
	if err != nil {
		switch {
		case service.IsValidationError(err):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, models.ErrUserNotFound):
			respondError(w, http.StatusNotFound, "user not found")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId":        req.UserID,
		"oldBalance":    result.OldBalance,
		"newBalance":    result.NewBalance,
		"adjustment":    req.Adjustment,
		"reason":        req.Reason,
		"transactionId": result.Transaction.ID,
	})
}

// handles the admin stats dashboard
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.payments.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sets up the API routes
func SetupRoutes(r *mux.Router, h *Handler, auth *Auth) {
	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	p := r.PathPrefix("/api/payments").Subrouter()

	// Client routes
	p.HandleFunc("/initiate", auth.Authenticate(auth.RequireRole(models.RoleClient, h.InitiatePayment))).Methods("POST")
	p.HandleFunc("/status/{transactionId}", auth.Authenticate(h.GetStatus)).Methods("GET")
	p.HandleFunc("/history", auth.Authenticate(h.GetHistory)).Methods("GET")

	// Public routes
	p.HandleFunc("/calculate", h.Calculate).Methods("GET")
	p.HandleFunc("/webhook", h.HandleWebhook).Methods("POST")

	// Admin routes
	p.HandleFunc("/admin/adjust-balance", auth.Authenticate(auth.RequireRole(models.RoleAdmin, h.AdjustBalance))).Methods("POST")
	p.HandleFunc("/admin/stats", auth.Authenticate(auth.RequireRole(models.RoleAdmin, h.GetStats))).Methods("GET")
}
