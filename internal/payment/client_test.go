package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dkurganov/partsmarket/internal/model"
)

func TestCreateTransaction_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/snap/v1/transactions" {
			t.Fatalf("path = %s, want /snap/v1/transactions", r.URL.Path)
		}
		user, _, ok := r.BasicAuth()
		if !ok || user != "server-key" {
			t.Fatalf("basic auth user = %q, want server-key", user)
		}

		var body struct {
			TransactionDetails struct {
				OrderID     string          `json:"order_id"`
				GrossAmount decimal.Decimal `json:"gross_amount"`
			} `json:"transaction_details"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.TransactionDetails.OrderID != "7890-2024-03-15-ABC123-FULL" {
			t.Fatalf("order_id = %q", body.TransactionDetails.OrderID)
		}
		if !body.TransactionDetails.GrossAmount.Equal(decimal.NewFromInt(100000)) {
			t.Fatalf("gross_amount = %s", body.TransactionDetails.GrossAmount)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CreateResponse{
			Token:       "snap-token",
			RedirectURL: "https://pay.example/redirect/snap-token",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "server-key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.CreateTransaction(ctx, CreateRequest{
		TransactionID: "7890-2024-03-15-ABC123-FULL",
		Amount:        decimal.NewFromInt(100000),
		Customer:      Customer{Name: "Ivan", Phone: "+6281234567890"},
	})
	if err != nil {
		t.Fatalf("CreateTransaction error: %v", err)
	}
	if resp.Token != "snap-token" {
		t.Fatalf("token = %q, want snap-token", resp.Token)
	}
	if resp.RedirectURL == "" {
		t.Fatalf("redirect URL must not be empty")
	}
}

func TestCheckStatus_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/7890-2024-03-15-ABC123-FULL/status" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"transaction_status": "settlement",
			"fraud_status":       "accept",
			"gross_amount":       "100000.00",
			"payment_type":       "bank_transfer",
			"transaction_id":     "gw-txn-1",
			"order_id":           "7890-2024-03-15-ABC123-FULL",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "server-key")

	status, err := client.CheckStatus(context.Background(), "7890-2024-03-15-ABC123-FULL")
	if err != nil {
		t.Fatalf("CheckStatus error: %v", err)
	}
	if status == nil {
		t.Fatalf("status must not be nil")
	}
	if status.TransactionStatus != "settlement" {
		t.Fatalf("transaction_status = %q", status.TransactionStatus)
	}
	if !status.GrossAmount.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("gross_amount = %s", status.GrossAmount)
	}
}

func TestCheckStatus_NotFoundIsNotError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "server-key")

	status, err := client.CheckStatus(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("CheckStatus error: %v", err)
	}
	if status != nil {
		t.Fatalf("status = %+v, want nil for unknown transaction", status)
	}
}

func TestCheckStatus_ClientError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "wrong-key")

	_, err := client.CheckStatus(context.Background(), "txn")
	if err == nil {
		t.Fatalf("expected error for 401 response")
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		txnStatus   string
		fraudStatus string
		want        model.OrderStatus
	}{
		{"settlement", "", model.OrderStatusProcessing},
		{"capture", "accept", model.OrderStatusProcessing},
		{"capture", "challenge", model.OrderStatusPendingPayment},
		{"capture", "deny", model.OrderStatusCancelled},
		{"pending", "", model.OrderStatusPendingPayment},
		{"deny", "", model.OrderStatusCancelled},
		{"cancel", "", model.OrderStatusCancelled},
		{"expire", "", model.OrderStatusCancelled},
		{"refund", "", model.OrderStatusRefunded},
		{"partial_refund", "", model.OrderStatusRefunded},
		{"chargeback", "", model.OrderStatusRefunded},
		{"something-new", "", model.OrderStatusPendingPayment},
	}

	for _, tt := range tests {
		if got := MapStatus(tt.txnStatus, tt.fraudStatus); got != tt.want {
			t.Errorf("MapStatus(%q, %q) = %s, want %s", tt.txnStatus, tt.fraudStatus, got, tt.want)
		}
	}
}

func TestIsSettled(t *testing.T) {
	tests := []struct {
		status *TransactionStatus
		want   bool
	}{
		{nil, false},
		{&TransactionStatus{TransactionStatus: "settlement"}, true},
		{&TransactionStatus{TransactionStatus: "capture", FraudStatus: "accept"}, true},
		{&TransactionStatus{TransactionStatus: "capture", FraudStatus: "challenge"}, false},
		{&TransactionStatus{TransactionStatus: "pending"}, false},
	}

	for _, tt := range tests {
		if got := IsSettled(tt.status); got != tt.want {
			t.Errorf("IsSettled(%+v) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestMapPaymentMethod(t *testing.T) {
	tests := []struct {
		paymentType string
		want        model.PaymentMethod
	}{
		{"bank_transfer", model.PaymentMethodBankTransfer},
		{"echannel", model.PaymentMethodBankTransfer},
		{"credit_card", model.PaymentMethodCreditCard},
		{"gopay", model.PaymentMethodEWallet},
		{"qris", model.PaymentMethodEWallet},
		{"cstore", model.PaymentMethodStore},
		{"carrier-pigeon", model.PaymentMethodOther},
	}

	for _, tt := range tests {
		if got := MapPaymentMethod(tt.paymentType); got != tt.want {
			t.Errorf("MapPaymentMethod(%q) = %s, want %s", tt.paymentType, got, tt.want)
		}
	}
}

func TestTransactionIDScheme(t *testing.T) {
	full := &model.Order{
		Number: "7890-2024-03-15-ABC123",
		Products: []model.OrderProduct{
			{Subtotal: decimal.NewFromInt(100000)},
		},
	}
	if got := BaseTransactionID(full); got != "7890-2024-03-15-ABC123-FULL" {
		t.Fatalf("BaseTransactionID = %q, want FULL suffix", got)
	}

	dp := &model.Order{
		Number: "7890-2024-03-15-ABC123",
		Products: []model.OrderProduct{
			{Subtotal: decimal.NewFromInt(200000), DownpaymentPercent: decimal.NewFromInt(30)},
		},
	}
	if got := BaseTransactionID(dp); got != "7890-2024-03-15-ABC123-DP" {
		t.Fatalf("BaseTransactionID = %q, want DP suffix", got)
	}

	now := time.Unix(1700000000, 0)
	if got := ClearanceTransactionID("7890-2024-03-15-ABC123", now); got != "7890-2024-03-15-ABC123-CLEARANCE-1700000000" {
		t.Fatalf("ClearanceTransactionID = %q", got)
	}
	if got := RetryTransactionID("7890-2024-03-15-ABC123-DP", now); got != "7890-2024-03-15-ABC123-DP-1700000000" {
		t.Fatalf("RetryTransactionID = %q", got)
	}
}
