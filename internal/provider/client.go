package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Client talks to the payment provider's HTTP API. Requests are
// form-encoded, responses are JSON, and mutating calls carry the
// caller-supplied Idempotency-Key header.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

func (c *Client) CreateCustomer(ctx context.Context, params CustomerParams, idempotencyKey string) (*Customer, error) {
	form := url.Values{}
	form.Set("name", params.Name)
	form.Set("email", params.Email)
	if params.Phone != "" {
		form.Set("phone", params.Phone)
	}
	var cust Customer
	if err := c.do(ctx, http.MethodPost, "/customers", form, idempotencyKey, &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// FindCustomerByEmail returns nil without error when no customer matches.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	var list customerList
	path := "/customers?email=" + url.QueryEscape(email) + "&limit=1"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return &list.Data[0], nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams, idempotencyKey string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	form.Set("customer", params.CustomerID)
	for _, mt := range params.MethodTypes {
		form.Add("payment_method_types[]", mt)
	}
	if params.Description != "" {
		form.Set("description", params.Description)
	}
	if params.CaptureMethod != "" {
		form.Set("capture_method", params.CaptureMethod)
	}
	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/payment_intents", form, idempotencyKey, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(id), nil, "", &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (c *Client) ConfirmPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(id)+"/confirm", url.Values{}, "", &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (c *Client) CapturePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(id)+"/capture", url.Values{}, "", &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("provider: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(raw, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("provider: decode response: %w", err)
		}
	}
	return nil
}

func decodeError(raw []byte, status int) error {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Error) > 0 {
		var pe Error
		if err := json.Unmarshal(env.Error, &pe); err == nil && pe.Message != "" {
			pe.HTTPStatus = status
			return &pe
		}
	}
	return &Error{
		Type:       "api_error",
		Code:       fmt.Sprintf("http_%d", status),
		Message:    fmt.Sprintf("provider returned HTTP %d: %s", status, truncate(string(raw), 256)),
		HTTPStatus: status,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
