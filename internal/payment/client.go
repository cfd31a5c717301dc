// Package payment предоставляет клиент платёжного шлюза и отображение
// его словаря статусов на внутренние статусы заказов.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// ErrGateway возвращается при сетевых ошибках и ошибочных ответах шлюза.
// Отсутствие транзакции ошибкой не считается: CheckStatus возвращает (nil, nil).
var ErrGateway = errors.New("payment gateway error")

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	serverKey  string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент шлюза с ограниченным таймаутом и повторами
// на сетевые сбои.
func NewClient(baseURL, serverKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serverKey:  serverKey,
		httpClient: rc,
	}
}

// Customer содержит реквизиты плательщика для создания транзакции.
type Customer struct {
	Name  string `json:"first_name"`
	Phone string `json:"phone"`
}

// Item описывает позицию транзакции в формате шлюза.
type Item struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// CreateRequest содержит параметры создания транзакции.
type CreateRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Customer      Customer
	Items         []Item
}

// CreateResponse содержит токен оплаты и URL перенаправления.
type CreateResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

type createBody struct {
	TransactionDetails struct {
		OrderID     string          `json:"order_id"`
		GrossAmount decimal.Decimal `json:"gross_amount"`
	} `json:"transaction_details"`
	CustomerDetails Customer `json:"customer_details"`
	ItemDetails     []Item   `json:"item_details"`
}

// CreateTransaction создаёт транзакцию в шлюзе и возвращает платёжный токен.
func (c *Client) CreateTransaction(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment client not configured")
	}

	var body createBody
	body.TransactionDetails.OrderID = req.TransactionID
	body.TransactionDetails.GrossAmount = req.Amount
	body.CustomerDetails = req.Customer
	body.ItemDetails = req.Items

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/snap/v1/transactions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.serverKey, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: create transaction status %d", ErrGateway, resp.StatusCode)
	}

	var result CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// TransactionStatus описывает статус транзакции в словаре шлюза.
// Подмножество полей уведомления, на которое опирается сверка.
type TransactionStatus struct {
	TransactionStatus string          `json:"transaction_status"`
	FraudStatus       string          `json:"fraud_status"`
	GrossAmount       decimal.Decimal `json:"gross_amount"`
	PaymentType       string          `json:"payment_type"`
	TransactionID     string          `json:"transaction_id"`
	TransactionTime   string          `json:"transaction_time"`
	SettlementTime    string          `json:"settlement_time"`
	OrderID           string          `json:"order_id"`
}

// CheckStatus запрашивает статус транзакции по её идентификатору.
// Если шлюз не знает транзакцию, возвращается (nil, nil): она ещё не создана.
func (c *Client) CheckStatus(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("payment client not configured")
	}

	url := fmt.Sprintf("%s/v2/%s/status", c.baseURL, transactionID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: check status %d", ErrGateway, resp.StatusCode)
	}

	var result TransactionStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
