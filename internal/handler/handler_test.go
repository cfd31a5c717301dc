package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dkurganov/partsmarket/internal/middleware"
	"github.com/dkurganov/partsmarket/internal/model"
	"github.com/dkurganov/partsmarket/internal/payment"
	"github.com/dkurganov/partsmarket/internal/service"
)

type stubService struct {
	requestOTPErr error

	verifyUser *model.User
	verifyErr  error

	productsResp []model.Product
	productsErr  error

	createOrderResp *model.Order
	createOrderErr  error

	ordersResp []model.Order
	ordersErr  error

	orderResp *model.Order
	orderErr  error

	paymentResp *service.PaymentCreation
	paymentErr  error

	notificationErr error

	statsResp *model.UserStatistics
	statsErr  error

	missionsResp     []model.Mission
	userMissionsResp []model.UserMission
	missionsErr      error

	createMissionID  int64
	createMissionErr error
	updateMissionErr error
	deleteMissionErr error
	missionResp      *model.Mission
	missionErr       error
	listMissionsResp []model.Mission
	listMissionsErr  error

	setStatusResp *model.Order
	setStatusErr  error
}

func (s *stubService) RequestOTP(ctx context.Context, phone string) error {
	return s.requestOTPErr
}

func (s *stubService) VerifyOTP(ctx context.Context, phone, code, referralPhone string) (*model.User, error) {
	return s.verifyUser, s.verifyErr
}

func (s *stubService) GetProducts(ctx context.Context) ([]model.Product, error) {
	return s.productsResp, s.productsErr
}

func (s *stubService) CreateOrder(ctx context.Context, userID int64, req service.CheckoutRequest) (*model.Order, error) {
	return s.createOrderResp, s.createOrderErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) GetOrder(ctx context.Context, userID int64, number string) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) InitiatePayment(ctx context.Context, userID int64, number string) (*service.PaymentCreation, error) {
	return s.paymentResp, s.paymentErr
}

func (s *stubService) HandlePaymentNotification(ctx context.Context, transactionID string) error {
	return s.notificationErr
}

func (s *stubService) GetUserStatistics(ctx context.Context, userID int64) (*model.UserStatistics, error) {
	return s.statsResp, s.statsErr
}

func (s *stubService) GetUserMissions(ctx context.Context, userID int64) ([]model.Mission, []model.UserMission, error) {
	return s.missionsResp, s.userMissionsResp, s.missionsErr
}

func (s *stubService) CreateMission(ctx context.Context, m *model.Mission) (int64, error) {
	return s.createMissionID, s.createMissionErr
}

func (s *stubService) UpdateMission(ctx context.Context, m *model.Mission) error {
	return s.updateMissionErr
}

func (s *stubService) DeleteMission(ctx context.Context, id int64) error {
	return s.deleteMissionErr
}

func (s *stubService) GetMission(ctx context.Context, id int64) (*model.Mission, error) {
	return s.missionResp, s.missionErr
}

func (s *stubService) ListMissions(ctx context.Context) ([]model.Mission, error) {
	return s.listMissionsResp, s.listMissionsErr
}

func (s *stubService) AdminSetOrderStatus(ctx context.Context, number string, status model.OrderStatus) (*model.Order, error) {
	return s.setStatusResp, s.setStatusErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64, role model.UserRole) *http.Cookie {
	t.Helper()

	token, err := h.authMiddleware.GenerateToken(userID, role)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, token)

	return rec.Result().Cookies()[0]
}

func TestRequestOTP_Success(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(otpRequest{Phone: "+79991234567"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/otp/request", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.RequestOTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestRequestOTP_TooManyRequests(t *testing.T) {
	svc := &stubService{
		requestOTPErr: service.ErrTooManyOTPRequests,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(otpRequest{Phone: "+79991234567"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/otp/request", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.RequestOTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusTooManyRequests)
	}
}

func TestVerifyOTP_IssuesToken(t *testing.T) {
	svc := &stubService{
		verifyUser: &model.User{ID: 7, Role: model.UserRoleCustomer},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(otpVerifyRequest{Phone: "+79991234567", Code: "123456"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/otp/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.VerifyOTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("token is empty")
	}

	if len(res.Cookies()) == 0 {
		t.Fatal("auth cookie is not set")
	}
}

func TestVerifyOTP_WrongCode(t *testing.T) {
	svc := &stubService{
		verifyErr: service.ErrInvalidOTP,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(otpVerifyRequest{Phone: "+79991234567", Code: "000000"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/otp/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.VerifyOTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	svc := &stubService{
		ordersResp: []model.Order{},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.AddCookie(authCookie(t, h, 1, model.UserRoleCustomer))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetOrders))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetOrders_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		ordersResp: []model.Order{
			{
				Number:           "4567-2026-09-01-A1B2C3",
				Status:           model.OrderStatusPendingPayment,
				Total:            decimal.NewFromInt(100000),
				AmountPaid:       decimal.Zero,
				RemainingBalance: decimal.NewFromInt(100000),
				CreatedAt:        now,
			},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.AddCookie(authCookie(t, h, 1, model.UserRoleCustomer))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetOrders))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []orderResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("orders count = %d, want 1", len(resp))
	}
	if resp[0].Number != "4567-2026-09-01-A1B2C3" {
		t.Fatalf("number = %q", resp[0].Number)
	}
}

func TestCreateOrder_Unauthorized(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CreateOrder))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateOrder_ValidationError(t *testing.T) {
	svc := &stubService{
		createOrderErr: service.ErrValidation,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{Name: "Ivan"})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.UserRoleCustomer))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CreateOrder))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestInitiatePayment_AlreadyPaid(t *testing.T) {
	svc := &stubService{
		paymentErr: service.ErrOrderAlreadyPaid,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/4567-2026-09-01-A1B2C3/payment", nil)
	req.AddCookie(authCookie(t, h, 1, model.UserRoleCustomer))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.InitiatePayment))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestInitiatePayment_GatewayUnavailable(t *testing.T) {
	svc := &stubService{
		paymentErr: payment.ErrGateway,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/4567-2026-09-01-A1B2C3/payment", nil)
	req.AddCookie(authCookie(t, h, 1, model.UserRoleCustomer))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.InitiatePayment))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
}

func TestInitiatePayment_JSONResponse(t *testing.T) {
	svc := &stubService{
		paymentResp: &service.PaymentCreation{
			Token:            "snap-token",
			RedirectURL:      "https://gateway.example/pay/snap-token",
			OrderNumber:      "4567-2026-09-01-A1B2C3",
			TransactionID:    "4567-2026-09-01-A1B2C3-DP",
			Amount:           decimal.NewFromInt(60000),
			PaymentType:      model.PaymentTypeDownpayment,
			TotalAmount:      decimal.NewFromInt(200000),
			AmountPaid:       decimal.Zero,
			RemainingBalance: decimal.NewFromInt(200000),
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/4567-2026-09-01-A1B2C3/payment", nil)
	req.AddCookie(authCookie(t, h, 1, model.UserRoleCustomer))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.InitiatePayment))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp paymentCreationResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TransactionID != "4567-2026-09-01-A1B2C3-DP" {
		t.Fatalf("transaction id = %q", resp.TransactionID)
	}
	if resp.PaymentType != string(model.PaymentTypeDownpayment) {
		t.Fatalf("payment type = %q", resp.PaymentType)
	}
	if !resp.Amount.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("amount = %s, want 60000", resp.Amount)
	}
}

func TestPaymentNotification_UnknownTransaction(t *testing.T) {
	svc := &stubService{
		notificationErr: service.ErrUnknownTransaction,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(notificationRequest{OrderID: "0000-2026-01-01-XXXXXX-FULL"})

	req := httptest.NewRequest(http.MethodPost, "/api/payment/notification", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PaymentNotification(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestPaymentNotification_Success(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(notificationRequest{
		OrderID:           "4567-2026-09-01-A1B2C3-FULL",
		TransactionStatus: "settlement",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/payment/notification", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PaymentNotification(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestAdminMissions_ForbiddenForCustomer(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/missions", nil)
	req.AddCookie(authCookie(t, h, 1, model.UserRoleCustomer))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(h.authMiddleware.AdminOnly(http.HandlerFunc(h.ListMissions)))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestCreateMission_Success(t *testing.T) {
	svc := &stubService{
		createMissionID: 3,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(missionRequest{
		Type:        string(model.MissionTypeOrderCount),
		TargetValue: decimal.NewFromInt(5),
		RewardType:  string(model.RewardTypeGlobalDiscount),
		RewardValue: decimal.NewFromInt(3),
		Active:      true,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/missions", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.UserRoleAdmin))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(h.authMiddleware.AdminOnly(http.HandlerFunc(h.CreateMission)))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp missionResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 3 {
		t.Fatalf("mission id = %d, want 3", resp.ID)
	}
}

func TestSetOrderStatus_InvalidTransition(t *testing.T) {
	svc := &stubService{
		setStatusErr: service.ErrInvalidTransition,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(orderStatusRequest{Status: string(model.OrderStatusShipped)})

	req := httptest.NewRequest(http.MethodPatch, "/api/admin/orders/4567-2026-09-01-A1B2C3/status", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1, model.UserRoleAdmin))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(h.authMiddleware.AdminOnly(http.HandlerFunc(h.SetOrderStatus)))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}
