// Package momo integrates MTN Mobile Money collections: outbound
// request-to-pay calls and inbound callback reconciliation.
package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
)

// Config holds collection API credentials.
type Config struct {
	BaseURL           string
	SubscriptionKey   string
	APIUser           string
	APIKey            string
	TargetEnvironment string
	CallbackURL       string
}

// Client calls the MoMo collection API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

// NewClient constructs a new client.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TargetEnvironment == "" {
		cfg.TargetEnvironment = "sandbox"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

var _ invoicing.PaymentProvider = (*Client)(nil)

// StatusError is returned when the API answers with an unexpected status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("momo %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type payer struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPayBody struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        payer  `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

// TransferStatus is the provider view of a request-to-pay.
type TransferStatus struct {
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	FinancialTransactionID string          `json:"financialTransactionId"`
	ExternalID             string          `json:"externalId"`
	Status                 string          `json:"status"`
	Reason                 Reason          `json:"reason"`
}

// RequestToPay asks the payer's wallet to approve a debit. The provider
// answers 202 and later delivers the result to the callback URL.
func (c *Client) RequestToPay(ctx context.Context, req invoicing.ChargeRequest) (*invoicing.ChargeResult, error) {
	body, err := json.Marshal(requestToPayBody{
		Amount:       req.Amount.String(),
		Currency:     req.Currency,
		ExternalID:   req.ExternalID,
		Payer:        payer{PartyIDType: "MSISDN", PartyID: strings.TrimPrefix(req.PhoneNumber, "+")},
		PayerMessage: req.PayerMessage,
		PayeeNote:    req.ExternalID,
	})
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"X-Reference-Id": req.Reference,
		"Content-Type":   "application/json",
	}
	if c.cfg.CallbackURL != "" {
		headers["X-Callback-Url"] = c.cfg.CallbackURL
	}
	resp, err := c.do(ctx, "request to pay", http.MethodPost, "/collection/v1_0/requesttopay", body, headers)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusAccepted {
		return nil, statusError("request to pay", resp)
	}
	return &invoicing.ChargeResult{Reference: req.Reference, Status: "PENDING"}, nil
}

// TransferStatus polls the status of a request-to-pay by reference.
func (c *Client) TransferStatus(ctx context.Context, ref string) (*TransferStatus, error) {
	resp, err := c.do(ctx, "transfer status", http.MethodGet, "/collection/v1_0/requesttopay/"+ref, nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("transfer status", resp)
	}
	var status TransferStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("momo transfer status: decode: %w", err)
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Target-Environment", c.cfg.TargetEnvironment)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("momo %s: %w", op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.resetToken()
	}
	return resp, nil
}

// accessToken returns a cached bearer token, fetching a new one with
// bounded retries when it is missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	var tok tokenResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/collection/token/", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.cfg.APIUser, c.cfg.APIKey)
		req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			serr := statusError("token", resp)
			if serr.retryable() {
				return serr
			}
			return backoff.Permanent(serr)
		}
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return backoff.Permanent(fmt.Errorf("momo token: decode: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx)); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("momo token: empty access token")
	}

	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.token = tok.AccessToken
	c.tokenExp = c.now().Add(ttl - min(ttl/10, 30*time.Second))
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

func statusError(op string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
