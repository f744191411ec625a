// Package swish is a client for the Swish commerce API. Every call is made
// over mutual TLS with the merchant certificate.
package swish

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://cpc.getswish.net/swish-cpcapi"
	TestBaseURL    = "https://mss.cpc.getswish.net/swish-cpcapi"

	maxMessageLength   = 50
	maxReferenceLength = 35
)

var ErrNotConfigured = errors.New("swish is not configured")

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("swish api returned %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	BaseURL     string
	CertFile    string
	KeyFile     string
	CAFile      string
	PayeeAlias  string
	CallbackURL string
}

type Client struct {
	baseURL     string
	payeeAlias  string
	callbackURL string
	http        *http.Client
}

type PaymentRequest struct {
	InstructionID string
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Message       string
	PayerAlias    string
}

type PaymentRequestResult struct {
	ID       string `json:"id"`
	Token    string `json:"token,omitempty"`
	Location string `json:"location,omitempty"`
}

// QRData is the content of the QR code the payer scans.
func (r PaymentRequestResult) QRData() string {
	if r.Token == "" {
		return ""
	}
	return "D" + r.Token
}

type RefundRequest struct {
	InstructionID            string
	OriginalPaymentReference string
	Reference                string
	Amount                   decimal.Decimal
	Message                  string
}

// New loads the merchant certificate and returns a client that presents it
// on every request.
func New(cfg Config) (*Client, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" || cfg.PayeeAlias == "" {
		return nil, ErrNotConfigured
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load swish certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read swish ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("swish ca bundle contains no certificates")
		}
		tlsConfig.RootCAs = pool
	}

	httpClient := &http.Client{
		Timeout:   15 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	return NewWithHTTPClient(cfg, httpClient), nil
}

func NewWithHTTPClient(cfg Config, httpClient *http.Client) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:     baseURL,
		payeeAlias:  cfg.PayeeAlias,
		callbackURL: cfg.CallbackURL,
		http:        httpClient,
	}
}

// CreatePaymentRequest creates the request under the caller's instruction
// id, which becomes the payment request id reported in callbacks.
func (c *Client) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRequestResult, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if utf8.RuneCountInString(req.Message) > maxMessageLength {
		return nil, fmt.Errorf("swish message exceeds %d characters", maxMessageLength)
	}
	if len(req.Reference) > maxReferenceLength {
		return nil, fmt.Errorf("swish payee reference exceeds %d characters", maxReferenceLength)
	}
	currency := req.Currency
	if currency == "" {
		currency = "SEK"
	}

	body := map[string]string{
		"payeePaymentReference": req.Reference,
		"callbackUrl":           c.callbackURL,
		"payeeAlias":            c.payeeAlias,
		"currency":              currency,
		"amount":                req.Amount.StringFixed(2),
		"message":               req.Message,
	}
	if req.PayerAlias != "" {
		body["payerAlias"] = req.PayerAlias
	}

	resp, err := c.do(ctx, http.MethodPut, "/api/v2/paymentrequests/"+req.InstructionID, body)
	if err != nil {
		return nil, err
	}
	return &PaymentRequestResult{
		ID:       req.InstructionID,
		Token:    resp.Header.Get("PaymentRequestToken"),
		Location: resp.Header.Get("Location"),
	}, nil
}

// Refund returns money for a paid request. OriginalPaymentReference is the
// paymentReference the callback reported.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}
	if req.OriginalPaymentReference == "" {
		return "", errors.New("swish refund needs the original payment reference")
	}
	body := map[string]string{
		"originalPaymentReference": req.OriginalPaymentReference,
		"payerPaymentReference":    req.Reference,
		"callbackUrl":              c.callbackURL,
		"payerAlias":               c.payeeAlias,
		"amount":                   req.Amount.StringFixed(2),
		"currency":                 "SEK",
		"message":                  req.Message,
	}
	if _, err := c.do(ctx, http.MethodPut, "/api/v2/refunds/"+req.InstructionID, body); err != nil {
		return "", err
	}
	return req.InstructionID, nil
}

func (c *Client) do(ctx context.Context, method string, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp, nil
}
