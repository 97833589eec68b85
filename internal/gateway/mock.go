package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// MockAdapter simulates a provider for local development and tests.
type MockAdapter struct {
	logger *slog.Logger

	FailInitiate   bool
	FailQuery      bool
	StatusToReturn Status
}

func NewMockAdapter(logger *slog.Logger) *MockAdapter {
	return &MockAdapter{
		logger:         logger.With("adapter", "mock"),
		StatusToReturn: StatusSuccessful,
	}
}

func (m *MockAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if m.FailInitiate {
		return nil, fmt.Errorf("mock gateway initiation failure")
	}

	ref := "MOCK-" + uuid.New().String()
	raw, _ := json.Marshal(map[string]any{
		"status": "success",
		"data":   map[string]any{"tx_ref": req.TransactionID, "flw_ref": ref, "status": "pending"},
	})

	m.logger.InfoContext(ctx, "mock initiation acknowledged", "tx_ref", req.TransactionID, "gateway_ref", ref)
	return &InitiateResult{GatewayRef: ref, RawPayload: raw}, nil
}

func (m *MockAdapter) QueryStatus(ctx context.Context, gatewayRef string) (*StatusResult, error) {
	if m.FailQuery {
		return nil, fmt.Errorf("mock gateway status failure")
	}

	raw, _ := json.Marshal(map[string]any{
		"status": "success",
		"data":   map[string]any{"flw_ref": gatewayRef, "status": string(m.StatusToReturn)},
	})

	result := &StatusResult{GatewayRef: gatewayRef, Status: m.StatusToReturn, RawPayload: raw}
	if m.StatusToReturn == StatusFailed {
		result.Reason = "mock payment declined"
	}
	return result, nil
}
