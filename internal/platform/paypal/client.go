package paypal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fatflowers/billing/pkg/config"
)

// Client is a thin PayPal Orders v2 REST client. Idempotency rides on the
// PayPal-Request-Id header: re-POSTing with the same id returns the
// original resource instead of creating a second one.
type Client struct {
	httpClient   *http.Client
	baseAPIURL   string
	clientID     string
	clientSecret string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg config.PayPalConfig) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseAPIURL:   strings.TrimRight(cfg.BaseAPIURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

// APIError is a non-2xx PayPal response.
type APIError struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paypal: %d %s: %s", e.StatusCode, e.Name, e.Message)
}

type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type SellerReceivableBreakdown struct {
	PayPalFee *Money `json:"paypal_fee,omitempty"`
}

type Capture struct {
	ID                        string                     `json:"id"`
	Status                    string                     `json:"status"`
	Amount                    *Money                     `json:"amount,omitempty"`
	SellerReceivableBreakdown *SellerReceivableBreakdown `json:"seller_receivable_breakdown,omitempty"`
}

type Authorization struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount *Money `json:"amount,omitempty"`
}

type Payments struct {
	Captures       []Capture       `json:"captures,omitempty"`
	Authorizations []Authorization `json:"authorizations,omitempty"`
}

type PurchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	Amount      *Money    `json:"amount,omitempty"`
	Payments    *Payments `json:"payments,omitempty"`
}

type Payer struct {
	CountryCode string `json:"country_code,omitempty"`
}

type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
	Payer         *Payer         `json:"payer,omitempty"`
}

// FirstCapture returns the first capture across purchase units, if any.
func (o *Order) FirstCapture() *Capture {
	if o == nil {
		return nil
	}
	for _, u := range o.PurchaseUnits {
		if u.Payments != nil && len(u.Payments.Captures) > 0 {
			return &u.Payments.Captures[0]
		}
	}
	return nil
}

// FirstAuthorization returns the first authorization, if any.
func (o *Order) FirstAuthorization() *Authorization {
	if o == nil {
		return nil
	}
	for _, u := range o.PurchaseUnits {
		if u.Payments != nil && len(u.Payments.Authorizations) > 0 {
			return &u.Payments.Authorizations[0]
		}
	}
	return nil
}

func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseAPIURL+"/v1/oauth2/token",
		bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.apiError(resp)
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	c.accessToken = res.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(res.ExpiresIn-60) * time.Second)
	return c.accessToken, nil
}

func (c *Client) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}

func (c *Client) do(ctx context.Context, method, path, requestID string, payload, out any) error {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get paypal access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseAPIURL+path, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type CreateOrderRequest struct {
	// Intent is CAPTURE or AUTHORIZE.
	Intent    string
	Amount    Money
	RequestID string
	// VaultID charges a stored PayPal wallet without buyer interaction.
	VaultID             string
	MerchantID          string
	StatementDescriptor string
}

func (c *Client) CreateOrder(ctx context.Context, r CreateOrderRequest) (*Order, error) {
	unit := map[string]any{
		"amount": map[string]string{
			"currency_code": r.Amount.CurrencyCode,
			"value":         r.Amount.Value,
		},
	}
	if r.MerchantID != "" {
		unit["payee"] = map[string]string{"merchant_id": r.MerchantID}
	}
	payload := map[string]any{
		"intent":         r.Intent,
		"purchase_units": []map[string]any{unit},
	}
	if r.VaultID != "" {
		src := map[string]any{"vault_id": r.VaultID}
		if r.StatementDescriptor != "" {
			src["experience_context"] = map[string]string{"brand_name": r.StatementDescriptor}
		}
		payload["payment_source"] = map[string]any{"paypal": src}
	}

	var order Order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", r.RequestID, payload, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) CaptureOrder(ctx context.Context, orderID, requestID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture", requestID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) AuthorizeOrder(ctx context.Context, orderID, requestID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+orderID+"/authorize", requestID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) CaptureAuthorization(ctx context.Context, authorizationID, requestID string) (*Capture, error) {
	var capture Capture
	if err := c.do(ctx, http.MethodPost, "/v2/payments/authorizations/"+authorizationID+"/capture", requestID, nil, &capture); err != nil {
		return nil, err
	}
	return &capture, nil
}

func (c *Client) VoidAuthorization(ctx context.Context, authorizationID string) error {
	return c.do(ctx, http.MethodPost, "/v2/payments/authorizations/"+authorizationID+"/void", "", nil, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+orderID, "", nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) RefundCapture(ctx context.Context, captureID, requestID string) (*Capture, error) {
	var capture Capture
	if err := c.do(ctx, http.MethodPost, "/v2/payments/captures/"+captureID+"/refund", requestID, nil, &capture); err != nil {
		return nil, err
	}
	return &capture, nil
}
