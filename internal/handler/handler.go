// Package handler содержит HTTP-обработчики API сервиса partsmarket.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dkurganov/partsmarket/internal/middleware"
	"github.com/dkurganov/partsmarket/internal/model"
	"github.com/dkurganov/partsmarket/internal/payment"
	"github.com/dkurganov/partsmarket/internal/repository"
	"github.com/dkurganov/partsmarket/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RequestOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code, referralPhone string) (*model.User, error)

	GetProducts(ctx context.Context) ([]model.Product, error)

	CreateOrder(ctx context.Context, userID int64, req service.CheckoutRequest) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrder(ctx context.Context, userID int64, number string) (*model.Order, error)
	InitiatePayment(ctx context.Context, userID int64, number string) (*service.PaymentCreation, error)
	HandlePaymentNotification(ctx context.Context, transactionID string) error

	GetUserStatistics(ctx context.Context, userID int64) (*model.UserStatistics, error)
	GetUserMissions(ctx context.Context, userID int64) ([]model.Mission, []model.UserMission, error)

	CreateMission(ctx context.Context, m *model.Mission) (int64, error)
	UpdateMission(ctx context.Context, m *model.Mission) error
	DeleteMission(ctx context.Context, id int64) error
	GetMission(ctx context.Context, id int64) (*model.Mission, error)
	ListMissions(ctx context.Context) ([]model.Mission, error)

	AdminSetOrderStatus(ctx context.Context, number string, status model.OrderStatus) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса partsmarket.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeError переводит ошибку бизнес-логики в HTTP-статус. Технические
// детали наружу не выдаются.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, repository.ErrProductUnavailable):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, service.ErrInvalidOTP):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrMissionNotFound),
		errors.Is(err, service.ErrUnknownTransaction):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrOrderAlreadyPaid):
		http.Error(w, "payment already completed, refresh the page", http.StatusConflict)
	case errors.Is(err, service.ErrOrderNotPayable),
		errors.Is(err, service.ErrInvalidTransition):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, service.ErrTooManyOTPRequests):
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	case errors.Is(err, payment.ErrGateway):
		h.logger.Error("payment gateway error", zap.Error(err), zap.String("uri", r.RequestURI))
		http.Error(w, "payment is temporarily unavailable, try again later", http.StatusBadGateway)
	default:
		h.logger.Error("internal error", zap.Error(err), zap.String("uri", r.RequestURI))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type otpRequest struct {
	Phone string `json:"phone"`
}

// RequestOTP выдаёт одноразовый код входа на номер телефона.
func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RequestOTP(r.Context(), req.Phone); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type otpVerifyRequest struct {
	Phone         string `json:"phone"`
	Code          string `json:"code"`
	ReferralPhone string `json:"referral_phone,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// VerifyOTP проверяет код входа и выдаёт токен авторизации.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.VerifyOTP(r.Context(), req.Phone, req.Code, req.ReferralPhone)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.authMiddleware.GenerateToken(user.ID, user.Role)
	if err != nil {
		h.logger.Error("generate token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type productResponse struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	SKU                string          `json:"sku"`
	Price              decimal.Decimal `json:"price"`
	DiscountPercent    decimal.Decimal `json:"discount_percent"`
	DownpaymentPercent decimal.Decimal `json:"downpayment_percent"`
}

// GetProducts возвращает активные товары каталога.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.GetProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{
			ID:                 p.ID,
			Name:               p.Name,
			SKU:                p.SKU,
			Price:              p.Price,
			DiscountPercent:    p.DiscountPercent,
			DownpaymentPercent: p.DownpaymentPercent,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type checkoutItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type checkoutCompanyRequest struct {
	TaxID   string `json:"tax_id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type checkoutRequest struct {
	Items        []checkoutItemRequest   `json:"items"`
	Name         string                  `json:"name"`
	GovernmentID string                  `json:"government_id"`
	Address      string                  `json:"address"`
	Company      *checkoutCompanyRequest `json:"company,omitempty"`
}

type orderProductResponse struct {
	Name               string          `json:"name"`
	SKU                string          `json:"sku"`
	Price              decimal.Decimal `json:"price"`
	DiscountPercent    decimal.Decimal `json:"discount_percent"`
	DownpaymentPercent decimal.Decimal `json:"downpayment_percent"`
	Quantity           int             `json:"quantity"`
	Subtotal           decimal.Decimal `json:"subtotal"`
}

type orderResponse struct {
	Number              string                 `json:"number"`
	Status              string                 `json:"status"`
	Subtotal            decimal.Decimal        `json:"subtotal"`
	Discount            decimal.Decimal        `json:"discount"`
	DiscountPercentage  decimal.Decimal        `json:"discount_percentage"`
	AffiliateCommission decimal.Decimal        `json:"affiliate_commission"`
	Total               decimal.Decimal        `json:"total"`
	AmountPaid          decimal.Decimal        `json:"amount_paid"`
	RemainingBalance    decimal.Decimal        `json:"remaining_balance"`
	CompanyName         string                 `json:"company_name,omitempty"`
	CreatedAt           string                 `json:"created_at"`
	Products            []orderProductResponse `json:"products"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		Number:              o.Number,
		Status:              string(o.Status),
		Subtotal:            o.Subtotal,
		Discount:            o.Discount,
		DiscountPercentage:  o.DiscountPercentage,
		AffiliateCommission: o.AffiliateCommission,
		Total:               o.Total,
		AmountPaid:          o.AmountPaid,
		RemainingBalance:    o.RemainingBalance,
		CompanyName:         o.CompanyName,
		CreatedAt:           o.CreatedAt.Format(time.RFC3339),
		Products:            make([]orderProductResponse, 0, len(o.Products)),
	}
	for _, p := range o.Products {
		resp.Products = append(resp.Products, orderProductResponse{
			Name:               p.Name,
			SKU:                p.SKU,
			Price:              p.Price,
			DiscountPercent:    p.DiscountPercent,
			DownpaymentPercent: p.DownpaymentPercent,
			Quantity:           p.Quantity,
			Subtotal:           p.Subtotal,
		})
	}
	return resp
}

// CreateOrder оформляет заказ для текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	svcReq := service.CheckoutRequest{
		Name:         req.Name,
		GovernmentID: req.GovernmentID,
		Address:      req.Address,
	}
	for _, item := range req.Items {
		svcReq.Items = append(svcReq.Items, service.CheckoutItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	if req.Company != nil {
		svcReq.Company = &service.CompanyInfo{
			TaxID:   req.Company.TaxID,
			Name:    req.Company.Name,
			Address: req.Company.Address,
		}
	}

	order, err := h.service.CreateOrder(r.Context(), userID, svcReq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ текущего пользователя. Для заказа, ожидающего
// оплату, ответ отражает состояние после сверки с платёжным шлюзом.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number := chi.URLParam(r, "number")

	order, err := h.service.GetOrder(r.Context(), userID, number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type paymentCreationResponse struct {
	Token            string          `json:"token"`
	RedirectURL      string          `json:"redirectUrl"`
	OrderNumber      string          `json:"orderNumber"`
	TransactionID    string          `json:"transactionId"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentType      string          `json:"paymentType"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	AmountPaid       decimal.Decimal `json:"amountPaid"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
}

// InitiatePayment создаёт транзакцию оплаты заказа в платёжном шлюзе.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number := chi.URLParam(r, "number")

	creation, err := h.service.InitiatePayment(r.Context(), userID, number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, paymentCreationResponse{
		Token:            creation.Token,
		RedirectURL:      creation.RedirectURL,
		OrderNumber:      creation.OrderNumber,
		TransactionID:    creation.TransactionID,
		Amount:           creation.Amount,
		PaymentType:      string(creation.PaymentType),
		TotalAmount:      creation.TotalAmount,
		AmountPaid:       creation.AmountPaid,
		RemainingBalance: creation.RemainingBalance,
	})
}

type notificationRequest struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
}

// PaymentNotification обрабатывает уведомление платёжного шлюза.
// Статус из тела не используется: сверка запрашивает его у шлюза заново.
func (h *Handler) PaymentNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandlePaymentNotification(r.Context(), req.OrderID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type statisticsResponse struct {
	TotalOrders           int64           `json:"total_orders"`
	TotalSpent            decimal.Decimal `json:"total_spent"`
	TotalReferrals        int64           `json:"total_referrals"`
	TotalReferralOrders   int64           `json:"total_referral_orders"`
	TotalReferralEarnings decimal.Decimal `json:"total_referral_earnings"`
	AvailableBalance      decimal.Decimal `json:"available_balance"`
}

// GetStatistics возвращает накопительные счётчики текущего пользователя.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.GetUserStatistics(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statisticsResponse{
		TotalOrders:           stats.TotalOrders,
		TotalSpent:            stats.TotalSpent,
		TotalReferrals:        stats.TotalReferrals,
		TotalReferralOrders:   stats.TotalReferralOrders,
		TotalReferralEarnings: stats.TotalReferralEarnings,
		AvailableBalance:      stats.AvailableBalance,
	})
}

type userMissionResponse struct {
	MissionID   int64           `json:"mission_id"`
	Type        string          `json:"type"`
	TargetValue decimal.Decimal `json:"target_value"`
	RewardType  string          `json:"reward_type"`
	RewardValue decimal.Decimal `json:"reward_value"`
	Progress    decimal.Decimal `json:"progress"`
	Achieved    bool            `json:"achieved"`
	AchievedAt  *string         `json:"achieved_at,omitempty"`
}

// GetMissions возвращает активные миссии с прогрессом текущего пользователя.
func (h *Handler) GetMissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	missions, progress, err := h.service.GetUserMissions(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	byMission := make(map[int64]model.UserMission, len(progress))
	for _, um := range progress {
		byMission[um.MissionID] = um
	}

	resp := make([]userMissionResponse, 0, len(missions))
	for _, m := range missions {
		item := userMissionResponse{
			MissionID:   m.ID,
			Type:        string(m.Type),
			TargetValue: m.TargetValue,
			RewardType:  string(m.RewardType),
			RewardValue: m.RewardValue,
			Progress:    decimal.Zero,
		}
		if um, ok := byMission[m.ID]; ok {
			item.Progress = um.Progress
			item.Achieved = um.Achieved
			if um.AchievedAt != nil {
				s := um.AchievedAt.Format(time.RFC3339)
				item.AchievedAt = &s
			}
		}
		resp = append(resp, item)
	}

	writeJSON(w, http.StatusOK, resp)
}
