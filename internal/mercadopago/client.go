// Package mercadopago предоставляет клиент для API MercadoPago.
package mercadopago

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

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HeaderIdempotencyKey защищает от повторного создания предпочтения при ретраях.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// ErrPaymentNotFound возвращается, если платёж не найден.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrNotFound возвращается на ответ 404 от любого метода API.
var ErrNotFound = errors.New("resource not found")

// Client инкапсулирует HTTP-взаимодействие с MercadoPago.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *retryablehttp.Client
}

// Option настраивает клиент.
type Option func(*Client)

// WithTimeout задаёт таймаут одной HTTP-попытки.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.HTTPClient.Timeout = d
	}
}

// WithRetryMax задаёт количество повторов для сетевых ошибок и ответов 5xx/429.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.httpClient.RetryMax = n
	}
}

// WithLogger направляет журнал повторов в zap.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.httpClient.Logger = leveledLogger{l.Sugar()}
	}
}

// NewClient создаёт клиент MercadoPago для указанного адреса API и токена доступа.
func NewClient(baseURL, accessToken string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL:     base,
		accessToken: accessToken,
		httpClient:  rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PreferenceItem описывает позицию предпочтения.
type PreferenceItem struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id,omitempty"`
}

// Payer описывает плательщика.
type Payer struct {
	Email string `json:"email,omitempty"`
}

// BackURLs содержит адреса возврата покупателя.
type BackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

// PreferenceRequest описывает запрос на создание сессии Checkout Pro.
type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items"`
	Payer             *Payer           `json:"payer,omitempty"`
	BackURLs          *BackURLs        `json:"back_urls,omitempty"`
	AutoReturn        string           `json:"auto_return,omitempty"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	ExternalReference string           `json:"external_reference"`
}

// Preference описывает созданную сессию Checkout Pro.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// Payment описывает платёж MercadoPago.
type Payment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	ExternalReference string          `json:"external_reference"`
	Payer             Payer           `json:"payer"`
}

type searchResponse struct {
	Results []Payment `json:"results"`
}

// CreatePreference создаёт сессию Checkout Pro. Повторный запрос с тем же
// ключом идемпотентности возвращает ту же сессию.
func (c *Client) CreatePreference(ctx context.Context, req PreferenceRequest, idempotencyKey string) (*Preference, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode preference: %w", err)
	}

	var pref Preference
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", body, idempotencyKey, &pref); err != nil {
		return nil, fmt.Errorf("create preference: %w", err)
	}
	return &pref, nil
}

// GetPayment запрашивает платёж по идентификатору.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, "", &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get payment %s: %w", id, ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return &p, nil
}

// FindPaymentByReference возвращает самый свежий платёж с указанным external_reference.
func (c *Client) FindPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	q := url.Values{}
	q.Set("external_reference", reference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	var res searchResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, "", &res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("search payments by %s: %w", reference, err)
	}
	if len(res.Results) == 0 {
		return nil, ErrPaymentNotFound
	}
	return &res.Results[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("mercadopago client not configured")
	}

	var reqBody any
	if body != nil {
		reqBody = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

type leveledLogger struct {
	l *zap.SugaredLogger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
