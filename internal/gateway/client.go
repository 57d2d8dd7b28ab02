// Package gateway implements the recurring-payment client for the billing
// gateway's subscribe API.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/zap"
)

// resultCodeSuccess is the gateway's approval code. Everything else is a
// declined charge, not a transport error.
const resultCodeSuccess = "0000"

// ChargeRequest describes one recurring charge.
type ChargeRequest struct {
	UID        string
	BillingKey string
	OrderID    string
	Amount     int64
	GoodsName  string
}

// ChargeResult is the uniform outcome of a charge attempt. Declines come back
// as Success=false with a nil error; errors are reserved for cases where the
// charge outcome is unknown (network, malformed response).
type ChargeResult struct {
	Success    bool
	ResultCode string
	ResultMsg  string
	TID        string
	OrderID    string
}

// Failed reports a definite decline, as opposed to an unknown outcome.
func (r *ChargeResult) Failed() bool { return r != nil && !r.Success }

// Client charges stored billing keys.
type Client interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

type client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	secretKey  string
	clock      clock.Clock
	log        *zap.Logger
}

// New constructs the HTTP gateway client.
func New(cfg config.Config, clk clock.Clock, log *zap.Logger) Client {
	return &client{
		httpClient: &http.Client{Timeout: cfg.Gateway.Timeout},
		baseURL:    strings.TrimRight(cfg.Gateway.BaseURL, "/"),
		clientID:   cfg.Gateway.ClientID,
		secretKey:  cfg.Gateway.SecretKey,
		clock:      clk,
		log:        log.Named("gateway"),
	}
}

// NewOrderID builds a unique auto-payment order id for uid. The 8-hex prefix
// disambiguates repeated charges for the same subscriber on the same day.
func NewOrderID(uid string) string {
	return fmt.Sprintf("auto_%s_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:8], uid)
}

type chargePayload struct {
	OrderID         string `json:"orderId"`
	Amount          int64  `json:"amount"`
	GoodsName       string `json:"goodsName"`
	CardQuota       int    `json:"cardQuota"`
	UseShopInterest bool   `json:"useShopInterest"`
	EdiDate         string `json:"ediDate"`
	SignData        string `json:"signData"`
}

type chargeResponse struct {
	ResultCode string `json:"resultCode"`
	ResultMsg  string `json:"resultMsg"`
	TID        string `json:"tid"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

func (c *client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	ediDate := c.clock.Now().In(domain.Location()).Format("20060102150405")
	payload := chargePayload{
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		GoodsName: req.GoodsName,
		EdiDate:   ediDate,
		SignData:  signData(req.OrderID, req.BillingKey, ediDate, c.secretKey),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/subscribe/%s/payments", c.baseURL, req.BillingKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+basicAuth(c.clientID, c.secretKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}

	var parsed chargeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("gateway: decode response (status %d): %w", resp.StatusCode, err)
	}

	result := &ChargeResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.ResultCode == resultCodeSuccess,
		ResultCode: parsed.ResultCode,
		ResultMsg:  parsed.ResultMsg,
		TID:        parsed.TID,
		OrderID:    req.OrderID,
	}

	if !result.Success {
		c.log.Info("charge declined",
			zap.String("uid", req.UID),
			zap.String("order_id", req.OrderID),
			zap.String("result_code", parsed.ResultCode),
			zap.String("result_msg", parsed.ResultMsg),
		)
	}

	return result, nil
}

func signData(orderID, billingKey, ediDate, secretKey string) string {
	sum := sha256.Sum256([]byte(orderID + billingKey + ediDate + secretKey))
	return hex.EncodeToString(sum[:])
}

func basicAuth(clientID, secretKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(clientID + ":" + secretKey))
}
