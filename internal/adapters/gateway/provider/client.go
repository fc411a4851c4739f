// Package provider talks to a REST payment provider over JSON.
//
//	POST {base}/v1/refunds                  create a refund (Idempotency-Key header)
//	GET  {base}/v1/refunds/{key}?payment_id  look a refund up by idempotency key
//
// Both return {"status": "succeeded|pending|rejected", "reference", "code", "message"}.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevin07696/refund-reconciler/internal/config"
	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	pkgerrors "github.com/kevin07696/refund-reconciler/pkg/errors"
	pkghttp "github.com/kevin07696/refund-reconciler/pkg/http"
	"github.com/kevin07696/refund-reconciler/pkg/observability"
)

const (
	providerName    = "http"
	maxResponseSize = 1 << 20

	statusSucceeded = "succeeded"
	statusPending   = "pending"
	statusRejected  = "rejected"
	statusFailed    = "failed"
)

// Config contains configuration for the provider client
type Config struct {
	BaseURL        string
	Credential     string
	CallTimeout    time.Duration
	CircuitBreaker CircuitBreakerConfig
}

// NewConfig builds client configuration from the gateway settings.
func NewConfig(gw config.GatewayConfig) Config {
	return Config{
		BaseURL:        strings.TrimRight(gw.BaseURL, "/"),
		Credential:     gw.Credential,
		CallTimeout:    gw.CallTimeout,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// Client implements ports.RefundGateway for the REST provider.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *CircuitBreaker
	logger     *zap.Logger
}

var _ ports.RefundGateway = (*Client)(nil)

type refundRequestBody struct {
	DeviceToken *string `json:"device_token,omitempty"`
	PaymentID   string  `json:"payment_id"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	AmountMinor int64   `json:"amount_minor"`
}

type refundResponseBody struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Amount    int64  `json:"amount_minor"`
}

// NewClient creates a provider client. A nil httpClient gets the tuned
// gateway transport from pkg/http.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = pkghttp.NewHTTPClient(pkghttp.GatewayClientConfig(), 0)
	}

	breakerCfg := cfg.CircuitBreaker
	breakerCfg.IsFailure = pkgerrors.IsRetriable
	breakerCfg.OnStateChange = func(s CircuitState) {
		observability.SetGatewayCircuitState(providerName, int(s))
		logger.Warn("Provider circuit breaker state changed", zap.String("state", s.String()))
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		breaker:    NewCircuitBreaker(breakerCfg),
		logger:     logger,
	}
}

// Name identifies the provider in logs and metrics.
func (c *Client) Name() string { return providerName }

// CircuitState exposes the breaker state for health checks.
func (c *Client) CircuitState() CircuitState { return c.breaker.State() }

// Refund submits one refund call. It never retries.
func (c *Client) Refund(ctx context.Context, req *ports.GatewayRefundRequest) (*ports.GatewayRefundResult, error) {
	start := time.Now()
	var result *ports.GatewayRefundResult

	err := c.breaker.Call(func() error {
		var err error
		result, err = c.doRefund(ctx, req)
		return err
	})
	err = c.circuitError(err)

	observability.RecordGatewayCall(providerName, "refund", resultLabel(err), time.Since(start))
	if err != nil {
		ge := pkgerrors.AsGatewayError(err)
		c.logger.Warn("Provider refund call failed",
			zap.String("external_id", req.ExternalID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("code", ge.Code),
			zap.Bool("retriable", ge.IsRetriable),
			zap.Error(err),
		)
		return nil, ge
	}
	return result, nil
}

func (c *Client) doRefund(ctx context.Context, req *ports.GatewayRefundRequest) (*ports.GatewayRefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	payload, err := json.Marshal(refundRequestBody{
		PaymentID:   req.ExternalID,
		AmountMinor: req.Amount,
		Amount:      FormatAmount(req.Amount, req.Currency),
		Currency:    req.Currency,
		DeviceToken: req.DeviceToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refund request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/refunds", bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.NewGatewayError("invalid_request", "could not build provider request", pkgerrors.CategoryInvalidRequest, false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	c.authorize(httpReq)

	status, body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	return classifyRefundResponse(status, body)
}

// RefundStatus looks up a refund by idempotency key.
func (c *Client) RefundStatus(ctx context.Context, externalID, idempotencyKey string) (*ports.GatewayRefundStatus, error) {
	start := time.Now()
	var result *ports.GatewayRefundStatus

	err := c.breaker.Call(func() error {
		var err error
		result, err = c.doStatus(ctx, externalID, idempotencyKey)
		return err
	})
	err = c.circuitError(err)

	label := resultLabel(err)
	if err == nil {
		label = string(result.State)
	}
	observability.RecordGatewayCall(providerName, "status", label, time.Since(start))

	if err != nil {
		return nil, pkgerrors.AsGatewayError(err)
	}
	return result, nil
}

func (c *Client) doStatus(ctx context.Context, externalID, idempotencyKey string) (*ports.GatewayRefundStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/refunds/%s?payment_id=%s",
		c.config.BaseURL, url.PathEscape(idempotencyKey), url.QueryEscape(externalID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, pkgerrors.NewGatewayError("invalid_request", "could not build provider request", pkgerrors.CategoryInvalidRequest, false)
	}
	c.authorize(httpReq)

	status, body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	return classifyStatusResponse(status, body)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.Credential)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, pkgerrors.NewTransientError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, pkgerrors.NewTransientError(err)
	}
	return resp.StatusCode, body, nil
}

// circuitError maps breaker refusals onto a transient gateway error.
func (c *Client) circuitError(err error) error {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		ge := pkgerrors.NewGatewayError("circuit_open", "payment provider temporarily unavailable", pkgerrors.CategorySystemError, true)
		ge.Cause = err
		return ge
	}
	return err
}

func classifyRefundResponse(status int, body []byte) (*ports.GatewayRefundResult, error) {
	var parsed refundResponseBody
	parseErr := json.Unmarshal(body, &parsed)

	if status < 200 || status > 299 {
		return nil, errorFromBody(status, parsed, parseErr)
	}
	if parseErr != nil {
		return nil, GetResponseCode("invalid_response").ToGatewayError(status, "")
	}

	switch strings.ToLower(parsed.Status) {
	case statusSucceeded:
		return &ports.GatewayRefundResult{ProviderReference: parsed.Reference, Status: parsed.Status}, nil
	case statusPending:
		return nil, GetResponseCode("refund_pending").ToGatewayError(status, parsed.Message)
	case statusRejected, statusFailed:
		code := parsed.Code
		if code == "" {
			code = "refund_declined"
		}
		return nil, GetResponseCode(code).ToGatewayError(status, parsed.Message)
	default:
		return nil, GetResponseCode("invalid_response").ToGatewayError(status, parsed.Status)
	}
}

func classifyStatusResponse(status int, body []byte) (*ports.GatewayRefundStatus, error) {
	var parsed refundResponseBody
	parseErr := json.Unmarshal(body, &parsed)

	if status == http.StatusNotFound && (parseErr != nil || parsed.Code == "" || parsed.Code == "refund_not_found") {
		return &ports.GatewayRefundStatus{State: ports.GatewayRefundNotFound}, nil
	}
	if status < 200 || status > 299 {
		return nil, errorFromBody(status, parsed, parseErr)
	}
	if parseErr != nil {
		return nil, GetResponseCode("invalid_response").ToGatewayError(status, "")
	}

	out := &ports.GatewayRefundStatus{ProviderReference: parsed.Reference, Amount: parsed.Amount}
	switch strings.ToLower(parsed.Status) {
	case statusSucceeded:
		out.State = ports.GatewayRefundSettled
	case statusPending:
		out.State = ports.GatewayRefundInProgress
	case statusRejected, statusFailed:
		code := parsed.Code
		if code == "" {
			code = "refund_declined"
		}
		out.State = ports.GatewayRefundRejected
		out.Reason = GetResponseCode(code).UserMessage
	default:
		return nil, GetResponseCode("invalid_response").ToGatewayError(status, parsed.Status)
	}
	return out, nil
}

func errorFromBody(status int, parsed refundResponseBody, parseErr error) error {
	code := codeForStatus(status)
	message := ""
	if parseErr == nil {
		if parsed.Code != "" {
			code = parsed.Code
		}
		message = parsed.Message
	}
	return GetResponseCode(code).ToGatewayError(status, message)
}

func resultLabel(err error) string {
	if err == nil {
		return "settled"
	}
	if pkgerrors.IsRetriable(err) {
		return "transient"
	}
	return "permanent"
}

// FormatAmount renders minor units as a decimal major-unit string, e.g.
// 6000 USD -> "60.00", 500 JPY -> "500".
func FormatAmount(minor int64, currency string) string {
	exp := domain.CurrencyExponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}
