package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// FlutterwaveAdapter implements Adapter against the Flutterwave v3 API,
// which fronts both MTN Mobile Money and Moov Money in Benin.
type FlutterwaveAdapter struct {
	cfg    Config
	logger *slog.Logger
}

func NewFlutterwaveAdapter(cfg Config, logger *slog.Logger) *FlutterwaveAdapter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &FlutterwaveAdapter{
		cfg:    cfg,
		logger: logger.With("adapter", "flutterwave"),
	}
}

type flwChargeRequest struct {
	TxRef          string         `json:"tx_ref"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	PhoneNumber    string         `json:"phone_number"`
	PaymentOptions string         `json:"payment_options"`
	RedirectURL    string         `json:"redirect_url,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

type flwResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Data    flwData `json:"data"`
}

type flwData struct {
	TxRef  string `json:"tx_ref"`
	FlwRef string `json:"flw_ref"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

func (a *FlutterwaveAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := flwChargeRequest{
		TxRef:          req.TransactionID,
		Amount:         req.AmountMinor,
		Currency:       req.Currency,
		PhoneNumber:    req.PhoneNumber,
		PaymentOptions: string(req.PaymentMethod),
		RedirectURL:    a.cfg.CallbackURL,
		Meta: map[string]any{
			"kw_amount": req.KwAmount,
			"user_id":   req.UserID,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	raw, err := a.do(ctx, http.MethodPost, a.cfg.BaseURL+"/charges?type=mobile_money_franco", body)
	if err != nil {
		return nil, err
	}

	var resp flwResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed gateway response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("gateway rejected initiation: %s", resp.Message)
	}
	if resp.Data.FlwRef == "" {
		return nil, fmt.Errorf("gateway response missing reference")
	}

	a.logger.InfoContext(ctx, "payment initiation acknowledged",
		"tx_ref", req.TransactionID, "gateway_ref", resp.Data.FlwRef)

	return &InitiateResult{
		GatewayRef: resp.Data.FlwRef,
		RawPayload: raw,
	}, nil
}

func (a *FlutterwaveAdapter) QueryStatus(ctx context.Context, gatewayRef string) (*StatusResult, error) {
	endpoint := a.cfg.BaseURL + "/transactions/verify?flw_ref=" + url.QueryEscape(gatewayRef)

	raw, err := a.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp flwResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed gateway response: %w", err)
	}

	result := &StatusResult{
		GatewayRef: gatewayRef,
		RawPayload: raw,
	}
	switch resp.Data.Status {
	case "successful":
		result.Status = StatusSuccessful
	case "failed":
		result.Status = StatusFailed
		result.Reason = resp.Message
	default:
		result.Status = StatusPending
	}

	return result, nil
}

func (a *FlutterwaveAdapter) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)

	httpResp, err := a.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		a.logger.WarnContext(ctx, "gateway returned non-2xx status",
			"status_code", httpResp.StatusCode, "endpoint", endpoint)
		return nil, fmt.Errorf("gateway returned status %d: %s", httpResp.StatusCode, string(raw))
	}

	return raw, nil
}
