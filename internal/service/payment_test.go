package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kemet/ev-payments/internal/config"
	"github.com/kemet/ev-payments/internal/gateway"
	"github.com/kemet/ev-payments/internal/models"
)

// --- Mocks ---

type mockLedgerStore struct {
	mock.Mock
}

func (m *mockLedgerStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *mockLedgerStore) CreditBalance(ctx context.Context, id string, kwAmount int64) (int64, error) {
	args := m.Called(ctx, id, kwAmount)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedgerStore) AdjustBalance(ctx context.Context, id string, delta int64) (int64, int64, error) {
	args := m.Called(ctx, id, delta)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

type mockTransactionStore struct {
	mock.Mock
}

func (m *mockTransactionStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockTransactionStore) GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionStore) GetTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*models.Transaction, error) {
	args := m.Called(ctx, gatewayRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionStore) FindBlockingTransaction(ctx context.Context, userID string, since time.Time) (*models.Transaction, error) {
	args := m.Called(ctx, userID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionStore) MarkProcessing(ctx context.Context, id, gatewayRef string) (*models.Transaction, error) {
	args := m.Called(ctx, id, gatewayRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionStore) Finalize(ctx context.Context, id string, status models.TransactionStatus, errorReason string, payload map[string]any) (*models.Transaction, bool, error) {
	args := m.Called(ctx, id, status, errorReason, payload)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Transaction), args.Bool(1), args.Error(2)
}

func (m *mockTransactionStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *mockTransactionStore) ListAll(ctx context.Context, limit int) ([]*models.Transaction, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *mockTransactionStore) FindStale(ctx context.Context, olderThan time.Time) ([]*models.Transaction, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *mockTransactionStore) Stats(ctx context.Context) (*models.PaymentStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentStats), args.Error(1)
}

type mockSettlementQueue struct {
	mock.Mock
}

func (m *mockSettlementQueue) PublishSettlement(ctx context.Context, event *models.SettlementEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *mockSettlementQueue) ConsumeSettlements(ctx context.Context) (<-chan models.SettlementEvent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan models.SettlementEvent), args.Error(1)
}

type mockGatewayAdapter struct {
	mock.Mock
}

func (m *mockGatewayAdapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.InitiateResult), args.Error(1)
}

func (m *mockGatewayAdapter) QueryStatus(ctx context.Context, gatewayRef string) (*gateway.StatusResult, error) {
	args := m.Called(ctx, gatewayRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.StatusResult), args.Error(1)
}

// --- Fixtures ---

type fixture struct {
	ledger       *mockLedgerStore
	transactions *mockTransactionStore
	queue        *mockSettlementQueue
	gateway      *mockGatewayAdapter
	svc          *PaymentService
}

func newFixture() *fixture {
	f := &fixture{
		ledger:       &mockLedgerStore{},
		transactions: &mockTransactionStore{},
		queue:        &mockSettlementQueue{},
		gateway:      &mockGatewayAdapter{},
	}
	cfg := &config.Config{
		UnitPriceMinor: 500,
		Currency:       "XOF",
		MaxKwAmount:    1000,
		CooldownWindow: 5 * time.Minute,
		StaleAfter:     10 * time.Minute,
		ExpireAfter:    24 * time.Hour,
	}
	testLogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewPaymentService(f.ledger, f.transactions, f.queue, f.gateway, cfg, testLogger)
	return f
}

func testUser() *models.User {
	return &models.User{
		ID:          "user-1",
		Name:        "Ayo Client",
		Email:       "ayo@example.com",
		PhoneNumber: "01020304",
		Role:        models.RoleClient,
		KwBalance:   10,
	}
}

// --- Tests ---

func TestCalculate(t *testing.T) {
	f := newFixture()

	quote, err := f.svc.Calculate(5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), quote.KwAmount)
	assert.Equal(t, int64(500), quote.UnitPrice)
	assert.Equal(t, int64(2500), quote.TotalAmount)
	assert.Equal(t, "XOF", quote.Currency)

	_, err = f.svc.Calculate(0)
	assert.ErrorIs(t, err, ErrInvalidKwAmount)
}

func TestInitiateSuccess(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ledger.On("GetUser", ctx, "user-1").Return(testUser(), nil)
	f.transactions.On("FindBlockingTransaction", ctx, "user-1", mock.AnythingOfType("time.Time")).
		Return(nil, nil)

	var created *models.Transaction
	f.transactions.On("CreateTransaction", ctx, mock.AnythingOfType("*models.Transaction")).
		Run(func(args mock.Arguments) {
			created = args.Get(1).(*models.Transaction)
		}).Return(nil)

	f.gateway.On("Initiate", ctx, mock.MatchedBy(func(req gateway.InitiateRequest) bool {
		return req.AmountMinor == 2500 && req.KwAmount == 5
	})).Return(&gateway.InitiateResult{GatewayRef: "FLW-123"}, nil)

	f.transactions.On("MarkProcessing", ctx, mock.AnythingOfType("string"), "FLW-123").
		Return(&models.Transaction{
			ID:         "tx-1",
			UserID:     "user-1",
			Status:     models.Processing,
			GatewayRef: "FLW-123",
			KwAmount:   5,
		}, nil)

	tx, err := f.svc.Initiate(ctx, "user-1", &models.InitiatePaymentRequest{
		KwAmount:      5,
		PaymentMethod: models.MTNMobileMoney,
		PhoneNumber:   "01020304",
	})

	require.NoError(t, err)
	assert.Equal(t, models.Processing, tx.Status)
	assert.Equal(t, "FLW-123", tx.GatewayRef)

	require.NotNil(t, created)
	assert.Equal(t, models.Pending, created.Status)
	assert.Equal(t, int64(2500), created.AmountMinor)
	assert.Equal(t, models.Purchase, created.Kind)
	f.transactions.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
}

func TestInitiateValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     *models.InitiatePaymentRequest
		wantErr error
	}{
		{
			name:    "kw amount too small",
			req:     &models.InitiatePaymentRequest{KwAmount: 0, PaymentMethod: models.MTNMobileMoney, PhoneNumber: "01020304"},
			wantErr: ErrInvalidKwAmount,
		},
		{
			name:    "kw amount too large",
			req:     &models.InitiatePaymentRequest{KwAmount: 1001, PaymentMethod: models.MTNMobileMoney, PhoneNumber: "01020304"},
			wantErr: ErrInvalidKwAmount,
		},
		{
			name:    "admin adjustment is not a gateway method",
			req:     &models.InitiatePaymentRequest{KwAmount: 5, PaymentMethod: models.AdminAdjustment, PhoneNumber: "01020304"},
			wantErr: ErrUnsupportedPaymentMethod,
		},
		{
			name:    "phone too short",
			req:     &models.InitiatePaymentRequest{KwAmount: 5, PaymentMethod: models.MTNMobileMoney, PhoneNumber: "0102"},
			wantErr: ErrInvalidPhoneNumber,
		},
		{
			name:    "unrecognized prefix",
			req:     &models.InitiatePaymentRequest{KwAmount: 5, PaymentMethod: models.MTNMobileMoney, PhoneNumber: "09080706"},
			wantErr: ErrInvalidPhoneNumber,
		},
		{
			name:    "moov number with mtn method",
			req:     &models.InitiatePaymentRequest{KwAmount: 5, PaymentMethod: models.MTNMobileMoney, PhoneNumber: "02030405"},
			wantErr: ErrCarrierMismatch,
		},
		{
			name:    "mtn number with moov method",
			req:     &models.InitiatePaymentRequest{KwAmount: 5, PaymentMethod: models.MoovMoney, PhoneNumber: "01020304"},
			wantErr: ErrCarrierMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()

			_, err := f.svc.Initiate(context.Background(), "user-1", tt.req)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsValidationError(err))
			// rejected before any record is created
			f.transactions.AssertNotCalled(t, "CreateTransaction", mock.Anything, mock.Anything)
		})
	}
}

func TestInitiateCooldown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ledger.On("GetUser", ctx, "user-1").Return(testUser(), nil)
	f.transactions.On("FindBlockingTransaction", ctx, "user-1", mock.AnythingOfType("time.Time")).
		Return(&models.Transaction{ID: "tx-blocking", Status: models.Processing}, nil)

	_, err := f.svc.Initiate(ctx, "user-1", &models.InitiatePaymentRequest{
		KwAmount:      5,
		PaymentMethod: models.MTNMobileMoney,
		PhoneNumber:   "01020304",
	})

	var pending *PendingTransactionError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, "tx-blocking", pending.BlockingTransactionID)
	f.transactions.AssertNotCalled(t, "CreateTransaction", mock.Anything, mock.Anything)
}

func TestInitiateGatewayFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ledger.On("GetUser", ctx, "user-1").Return(testUser(), nil)
	f.transactions.On("FindBlockingTransaction", ctx, "user-1", mock.AnythingOfType("time.Time")).
		Return(nil, nil)
	f.transactions.On("CreateTransaction", ctx, mock.AnythingOfType("*models.Transaction")).Return(nil)
	f.gateway.On("Initiate", ctx, mock.AnythingOfType("gateway.InitiateRequest")).
		Return(nil, errors.New("connection timeout"))
	f.transactions.On("Finalize", ctx, mock.AnythingOfType("string"), models.Failed, "connection timeout", mock.Anything).
		Return(&models.Transaction{Status: models.Failed}, true, nil)

	_, err := f.svc.Initiate(ctx, "user-1", &models.InitiatePaymentRequest{
		KwAmount:      5,
		PaymentMethod: models.MTNMobileMoney,
		PhoneNumber:   "01020304",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment initiation failed")
	f.transactions.AssertExpectations(t)
	f.ledger.AssertNotCalled(t, "CreditBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleSuccessCreditsExactlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	processing := &models.Transaction{
		ID:       "tx-1",
		UserID:   "user-1",
		Status:   models.Processing,
		KwAmount: 5,
	}
	completed := &models.Transaction{
		ID:       "tx-1",
		UserID:   "user-1",
		Status:   models.Completed,
		KwAmount: 5,
	}

	f.transactions.On("GetTransactionByID", ctx, "tx-1").Return(processing, nil).Once()
	f.transactions.On("Finalize", ctx, "tx-1", models.Completed, "", mock.Anything).
		Return(completed, true, nil).Once()
	f.ledger.On("CreditBalance", ctx, "user-1", int64(5)).Return(int64(15), nil).Once()

	event := models.SettlementEvent{
		TransactionID: "tx-1",
		Outcome:       models.OutcomeSuccess,
		RawPayload:    json.RawMessage(`{"status":"successful"}`),
	}

	tx, err := f.svc.Settle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.Completed, tx.Status)

	// a retried delivery finds the terminal record and stops there
	f.transactions.On("GetTransactionByID", ctx, "tx-1").Return(completed, nil).Once()

	tx, err = f.svc.Settle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.Completed, tx.Status)

	f.ledger.AssertNumberOfCalls(t, "CreditBalance", 1)
	f.transactions.AssertNumberOfCalls(t, "Finalize", 1)
}

func TestSettleTransitionRaceDoesNotCredit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	processing := &models.Transaction{ID: "tx-1", UserID: "user-1", Status: models.Processing, KwAmount: 5}
	completed := &models.Transaction{ID: "tx-1", UserID: "user-1", Status: models.Completed, KwAmount: 5}

	f.transactions.On("GetTransactionByID", ctx, "tx-1").Return(processing, nil)
	// another delivery won the transition between the read and the update
	f.transactions.On("Finalize", ctx, "tx-1", models.Completed, "", mock.Anything).
		Return(completed, false, nil)

	tx, err := f.svc.Settle(ctx, models.SettlementEvent{TransactionID: "tx-1", Outcome: models.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, models.Completed, tx.Status)
	f.ledger.AssertNotCalled(t, "CreditBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	processing := &models.Transaction{ID: "tx-1", UserID: "user-1", Status: models.Processing, KwAmount: 5}
	failed := &models.Transaction{ID: "tx-1", UserID: "user-1", Status: models.Failed, KwAmount: 5}

	f.transactions.On("GetTransactionByID", ctx, "tx-1").Return(processing, nil)
	f.transactions.On("Finalize", ctx, "tx-1", models.Failed, "insufficient funds", mock.Anything).
		Return(failed, true, nil)

	tx, err := f.svc.Settle(ctx, models.SettlementEvent{
		TransactionID: "tx-1",
		Outcome:       models.OutcomeFailure,
		Reason:        "insufficient funds",
	})

	require.NoError(t, err)
	assert.Equal(t, models.Failed, tx.Status)
	f.ledger.AssertNotCalled(t, "CreditBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleUnknownTransaction(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.transactions.On("GetTransactionByID", ctx, "tx-ghost").Return(nil, models.ErrTransactionNotFound)

	_, err := f.svc.Settle(ctx, models.SettlementEvent{TransactionID: "tx-ghost", Outcome: models.OutcomeSuccess})
	assert.ErrorIs(t, err, models.ErrTransactionNotFound)
	f.transactions.AssertNotCalled(t, "Finalize", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleByGatewayRef(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	processing := &models.Transaction{ID: "tx-1", UserID: "user-1", Status: models.Processing, KwAmount: 3}
	completed := &models.Transaction{ID: "tx-1", UserID: "user-1", Status: models.Completed, KwAmount: 3}

	f.transactions.On("GetTransactionByGatewayRef", ctx, "FLW-9").Return(processing, nil)
	f.transactions.On("Finalize", ctx, "tx-1", models.Completed, "", mock.Anything).
		Return(completed, true, nil)
	f.ledger.On("CreditBalance", ctx, "user-1", int64(3)).Return(int64(13), nil)

	tx, err := f.svc.Settle(ctx, models.SettlementEvent{GatewayRef: "FLW-9", Outcome: models.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, models.Completed, tx.Status)
}

func TestAdminAdjustClampsAtZero(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ledger.On("AdjustBalance", ctx, "user-1", int64(-20)).Return(int64(10), int64(0), nil)

	var created *models.Transaction
	f.transactions.On("CreateTransaction", ctx, mock.AnythingOfType("*models.Transaction")).
		Run(func(args mock.Arguments) {
			created = args.Get(1).(*models.Transaction)
		}).Return(nil)

	result, err := f.svc.AdminAdjust(ctx, "user-1", -20, "correction after meter audit")
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.OldBalance)
	assert.Equal(t, int64(0), result.NewBalance)

	require.NotNil(t, created)
	assert.Equal(t, models.Refund, created.Kind)
	assert.Equal(t, models.AdminAdjustment, created.PaymentMethod)
	assert.Equal(t, int64(20), created.KwAmount)
	assert.Equal(t, models.Completed, created.Status)
	require.NotNil(t, created.ProcessedAt)
}

func TestAdminAdjustPositive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ledger.On("AdjustBalance", ctx, "user-1", int64(7)).Return(int64(10), int64(17), nil)

	var created *models.Transaction
	f.transactions.On("CreateTransaction", ctx, mock.AnythingOfType("*models.Transaction")).
		Run(func(args mock.Arguments) {
			created = args.Get(1).(*models.Transaction)
		}).Return(nil)

	result, err := f.svc.AdminAdjust(ctx, "user-1", 7, "goodwill credit")
	require.NoError(t, err)
	assert.Equal(t, int64(17), result.NewBalance)
	assert.Equal(t, models.Purchase, created.Kind)
	assert.Equal(t, int64(7), created.KwAmount)
}

func TestAdminAdjustValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.AdminAdjust(ctx, "user-1", 0, "valid reason")
	assert.ErrorIs(t, err, ErrZeroAdjustment)

	_, err = f.svc.AdminAdjust(ctx, "user-1", 5, "meh")
	assert.ErrorIs(t, err, ErrReasonTooShort)

	f.ledger.AssertNotCalled(t, "AdjustBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	now := time.Now()
	expired := &models.Transaction{
		ID:         "tx-expired",
		UserID:     "user-1",
		Status:     models.Processing,
		GatewayRef: "FLW-old",
		CreatedAt:  now.Add(-25 * time.Hour),
	}
	settleable := &models.Transaction{
		ID:         "tx-settleable",
		UserID:     "user-2",
		Status:     models.Processing,
		GatewayRef: "FLW-new",
		CreatedAt:  now.Add(-30 * time.Minute),
	}
	stillPending := &models.Transaction{
		ID:         "tx-waiting",
		UserID:     "user-3",
		Status:     models.Processing,
		GatewayRef: "FLW-wait",
		CreatedAt:  now.Add(-30 * time.Minute),
	}
	neverAcked := &models.Transaction{
		ID:        "tx-unacked",
		UserID:    "user-4",
		Status:    models.Pending,
		CreatedAt: now.Add(-30 * time.Minute),
	}

	f.transactions.On("FindStale", ctx, mock.AnythingOfType("time.Time")).
		Return([]*models.Transaction{expired, settleable, stillPending, neverAcked}, nil)

	f.transactions.On("Finalize", ctx, "tx-expired", models.Cancelled, "expired awaiting gateway confirmation", mock.Anything).
		Return(&models.Transaction{ID: "tx-expired", Status: models.Cancelled}, true, nil)

	f.gateway.On("QueryStatus", ctx, "FLW-new").
		Return(&gateway.StatusResult{GatewayRef: "FLW-new", Status: gateway.StatusSuccessful}, nil)
	f.gateway.On("QueryStatus", ctx, "FLW-wait").
		Return(&gateway.StatusResult{GatewayRef: "FLW-wait", Status: gateway.StatusPending}, nil)

	f.queue.On("PublishSettlement", ctx, mock.MatchedBy(func(ev *models.SettlementEvent) bool {
		return ev.TransactionID == "tx-settleable" && ev.Outcome == models.OutcomeSuccess
	})).Return(nil)

	err := f.svc.ReconcileOnce(ctx)
	require.NoError(t, err)

	f.transactions.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.queue.AssertNumberOfCalls(t, "PublishSettlement", 1)
	// the expired transaction is cancelled, never settled
	f.gateway.AssertNotCalled(t, "QueryStatus", ctx, "FLW-old")
}

func TestHistoryScopes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	own := []*models.Transaction{{ID: "tx-1", UserID: "user-1"}}
	all := []*models.Transaction{{ID: "tx-1"}, {ID: "tx-2"}}

	f.transactions.On("ListByUser", ctx, "user-1", 10).Return(own, nil)
	f.transactions.On("ListAll", ctx, 25).Return(all, nil)

	got, err := f.svc.History(ctx, "user-1", false, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = f.svc.History(ctx, "user-1", true, 25)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
