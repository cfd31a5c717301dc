package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dkurganov/partsmarket/internal/model"
	"github.com/dkurganov/partsmarket/internal/ordernumber"
	"github.com/dkurganov/partsmarket/internal/payment"
	"github.com/dkurganov/partsmarket/internal/pricing"
	"github.com/dkurganov/partsmarket/internal/repository"
)

// Число повторных генераций номера заказа при коллизии случайного суффикса.
const orderNumberRetries = 3

// CheckoutItem описывает позицию корзины в запросе оформления заказа.
type CheckoutItem struct {
	ProductID int64
	Quantity  int
}

// CompanyInfo содержит реквизиты компании из формы оформления заказа.
type CompanyInfo struct {
	TaxID   string
	Name    string
	Address string
}

// CheckoutRequest содержит данные оформления заказа. Цены и суммы из
// клиентского запроса не принимаются никогда.
type CheckoutRequest struct {
	Items        []CheckoutItem
	Name         string
	GovernmentID string
	Address      string
	Company      *CompanyInfo
}

// CreateOrder оформляет заказ: пересчитывает стоимость из каталога, создаёт
// запись заказа со снимками позиций и обновляет профиль покупателя.
func (s *Service) CreateOrder(ctx context.Context, userID int64, req CheckoutRequest) (*model.Order, error) {
	if req.Name == "" || req.Address == "" || len(req.Items) == 0 {
		return nil, ErrValidation
	}

	ids := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, ErrValidation
		}
		ids = append(ids, item.ProductID)
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	products, err := s.repo.GetActiveProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]model.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	lines := make([]pricing.Line, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, pricing.Line{Product: byID[item.ProductID], Quantity: item.Quantity})
	}

	var referrerMaxPct *decimal.Decimal
	if user.ReferrerID != nil {
		referrer, err := s.repo.GetUserByID(ctx, *user.ReferrerID)
		if err != nil {
			return nil, err
		}
		referrerMaxPct = &referrer.MaxReferralPercentage
	}

	quote := pricing.Calculate(lines, user.GlobalDiscountPercentage, referrerMaxPct)

	order := &model.Order{
		UserID:              userID,
		ReferrerID:          user.ReferrerID,
		Status:              model.OrderStatusPendingPayment,
		Subtotal:            quote.Subtotal,
		Discount:            quote.Discount,
		DiscountPercentage:  quote.DiscountPercentage,
		AffiliateCommission: quote.AffiliateCommission,
		Total:               quote.Total,
		AmountPaid:          decimal.Zero,
		RemainingBalance:    quote.Total,
		Products:            quote.Products,
	}

	if req.Company != nil && req.Company.TaxID != "" {
		order.CompanyName = req.Company.Name
		order.CompanyTaxID = req.Company.TaxID
		order.CompanyAddress = req.Company.Address
	}

	profile := repository.ProfileUpdate{
		Name:         req.Name,
		GovernmentID: req.GovernmentID,
		Address:      req.Address,
	}

	var company *model.Company
	if req.Company != nil && req.Company.TaxID != "" {
		company = &model.Company{
			TaxID:   req.Company.TaxID,
			Name:    req.Company.Name,
			Address: req.Company.Address,
		}
	}

	for attempt := 0; ; attempt++ {
		number, err := ordernumber.Generate(user.Phone, s.now())
		if err != nil {
			return nil, err
		}
		order.Number = number

		id, err := s.repo.CreateOrder(ctx, order, profile, company)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNumberTaken) && attempt < orderNumberRetries {
				continue
			}
			return nil, err
		}

		order.ID = id
		order.Enabled = true
		return order, nil
	}
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetOrder возвращает заказ пользователя. Для заказа, ожидающего оплату,
// перед ответом выполняется сверка с платёжным шлюзом: ответ отражает
// состояние после сверки. Ошибка связи со шлюзом не фатальна — заказ
// остаётся в прежнем состоянии до следующей проверки.
func (s *Service) GetOrder(ctx context.Context, userID int64, number string) (*model.Order, error) {
	order, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	if order.UserID != userID {
		return nil, ErrForbidden
	}

	if order.Status == model.OrderStatusPendingPayment {
		reconciled, err := s.ReconcileOrder(ctx, order)
		if err != nil {
			s.logger.Warn("reconciliation failed, order left unchanged",
				zap.String("order", order.Number), zap.Error(err))
			return order, nil
		}
		return reconciled, nil
	}

	return order, nil
}

// PaymentCreation содержит результат создания платежа в шлюзе.
type PaymentCreation struct {
	Token            string
	RedirectURL      string
	OrderNumber      string
	TransactionID    string
	Amount           decimal.Decimal
	PaymentType      model.PaymentType
	TotalAmount      decimal.Decimal
	AmountPaid       decimal.Decimal
	RemainingBalance decimal.Decimal
}

// InitiatePayment создаёт транзакцию оплаты заказа в шлюзе.
//
// Для первого платежа идентификатор транзакции детерминирован (DP либо FULL);
// если прежняя транзакция ещё не разрешилась, выпускается повторная с меткой
// времени, чтобы шлюз выдал свежий токен. Доплата всегда получает уникальный
// идентификатор CLEARANCE. Уже оплаченный заказ оплатить нельзя.
func (s *Service) InitiatePayment(ctx context.Context, userID int64, number string) (*PaymentCreation, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: gateway is not configured", payment.ErrGateway)
	}

	order, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	if order.UserID != userID {
		return nil, ErrForbidden
	}

	if order.FullyPaid || !order.RemainingBalance.IsPositive() {
		return nil, ErrOrderAlreadyPaid
	}

	switch order.Status {
	case model.OrderStatusPendingPayment, model.OrderStatusProcessing, model.OrderStatusReadyToShip:
	default:
		return nil, ErrOrderNotPayable
	}

	var transactionID string
	var amount decimal.Decimal
	var paymentType model.PaymentType

	if order.AmountPaid.IsZero() {
		baseID := payment.BaseTransactionID(order)
		paymentType = model.PaymentTypeFull
		if order.HasDownpayment() {
			paymentType = model.PaymentTypeDownpayment
		}
		amount = pricing.DownpaymentAmount(order)

		transactionID = baseID
		if order.PaymentReference != nil {
			// Прежняя транзакция ещё не разрешилась: проверяем её судьбу.
			prior, err := s.gateway.CheckStatus(ctx, *order.PaymentReference)
			if err != nil {
				return nil, err
			}
			if payment.IsSettled(prior) {
				// Оплата уже прошла, но сверка ещё не применена — применяем и отказываем.
				if _, err := s.applyFetchedSettlement(ctx, order, *order.PaymentReference, prior); err != nil {
					return nil, err
				}
				return nil, ErrOrderAlreadyPaid
			}
			if prior != nil {
				transactionID = payment.RetryTransactionID(baseID, s.now())
			}
		}
	} else {
		paymentType = model.PaymentTypeClearance
		transactionID = payment.ClearanceTransactionID(order.Number, s.now())
		amount = order.RemainingBalance
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	items := make([]payment.Item, 0, len(order.Products))
	lineSum := decimal.Zero
	for _, p := range order.Products {
		items = append(items, payment.Item{
			ID:       p.SKU,
			Name:     p.Name,
			Price:    p.Subtotal.Div(decimal.NewFromInt(int64(p.Quantity))),
			Quantity: p.Quantity,
		})
		lineSum = lineSum.Add(p.Subtotal)
	}
	if !lineSum.Equal(amount) {
		// Шлюз требует совпадения суммы позиций с суммой транзакции. При скидке
		// или частичном платеже передаётся одна агрегированная позиция.
		items = []payment.Item{{
			ID:       order.Number,
			Name:     fmt.Sprintf("Order %s (%s)", order.Number, paymentType),
			Price:    amount,
			Quantity: 1,
		}}
	}

	resp, err := s.gateway.CreateTransaction(ctx, payment.CreateRequest{
		TransactionID: transactionID,
		Amount:        amount,
		Customer:      payment.Customer{Name: user.Name, Phone: user.Phone},
		Items:         items,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.SetPaymentReference(ctx, order.ID, transactionID); err != nil {
		return nil, err
	}

	return &PaymentCreation{
		Token:            resp.Token,
		RedirectURL:      resp.RedirectURL,
		OrderNumber:      order.Number,
		TransactionID:    transactionID,
		Amount:           amount,
		PaymentType:      paymentType,
		TotalAmount:      order.Total,
		AmountPaid:       order.AmountPaid,
		RemainingBalance: order.RemainingBalance,
	}, nil
}
