package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/dkurganov/partsmarket/internal/model"
	"github.com/dkurganov/partsmarket/internal/ordernumber"
	"github.com/dkurganov/partsmarket/internal/payment"
	"github.com/dkurganov/partsmarket/internal/repository"
)

// ErrUnknownTransaction возвращается, если идентификатор транзакции из
// уведомления не сводится к номеру заказа.
var ErrUnknownTransaction = errors.New("unknown transaction id")

// ReconcileOrder сверяет заказ с платёжным шлюзом и применяет переход
// состояния. Может вызываться сколько угодно раз: зачисление защищено
// журналом платежей, остальные переходы не мутируют при совпадении статуса.
func (s *Service) ReconcileOrder(ctx context.Context, order *model.Order) (*model.Order, error) {
	transactionID := s.expectedTransactionID(order)
	if transactionID == "" {
		return order, nil
	}
	return s.reconcileWithTransactionID(ctx, order, transactionID)
}

// HandlePaymentNotification обрабатывает уведомление шлюза о смене статуса
// транзакции. Статус не берётся из тела уведомления на веру: сверка заново
// запрашивает его у шлюза по идентификатору транзакции.
func (s *Service) HandlePaymentNotification(ctx context.Context, transactionID string) error {
	number, ok := ordernumber.ExtractFromTransactionID(transactionID)
	if !ok {
		return ErrUnknownTransaction
	}

	order, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return err
	}

	_, err = s.reconcileWithTransactionID(ctx, order, transactionID)
	return err
}

func (s *Service) reconcileWithTransactionID(ctx context.Context, order *model.Order, transactionID string) (*model.Order, error) {
	if s.gateway == nil {
		// Шлюз не сконфигурирован: сверять не с чем, заказ не меняется.
		return order, nil
	}

	status, err := s.gateway.CheckStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		// Транзакция ещё не создана в шлюзе: не ошибка, заказ не меняется.
		return order, nil
	}

	if payment.IsSettled(status) {
		return s.applyFetchedSettlement(ctx, order, transactionID, status)
	}

	candidate := payment.MapStatus(status.TransactionStatus, status.FraudStatus)
	if candidate == order.Status {
		return order, nil
	}

	switch candidate {
	case model.OrderStatusCancelled, model.OrderStatusRefunded:
		// Достижимы только из ожидания оплаты и обработки.
		if order.Status != model.OrderStatusPendingPayment && order.Status != model.OrderStatusProcessing {
			return order, nil
		}
		if err := s.repo.UpdateOrderStatus(ctx, order.ID, candidate); err != nil {
			return nil, err
		}
		return s.repo.GetOrderByNumber(ctx, order.Number)
	default:
		return order, nil
	}
}

// applyFetchedSettlement зачисляет подтверждённую шлюзом транзакцию.
// Ключом идемпотентности служит идентификатор транзакции из схемы заказа,
// детерминированный при повторных проверках.
func (s *Service) applyFetchedSettlement(ctx context.Context, order *model.Order, transactionID string, status *payment.TransactionStatus) (*model.Order, error) {
	settledAt := s.now()
	if status.SettlementTime != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", status.SettlementTime); err == nil {
			settledAt = t
		}
	}

	applied, err := s.repo.ApplySettlement(ctx, repository.Settlement{
		OrderNumber:   order.Number,
		TransactionID: transactionID,
		Amount:        status.GrossAmount,
		PaymentMethod: payment.MapPaymentMethod(status.PaymentType),
		SettledAt:     settledAt,
	})
	if err != nil {
		return nil, err
	}

	if applied {
		s.logger.Info("payment settled",
			zap.String("order", order.Number),
			zap.String("transaction", transactionID),
			zap.String("amount", status.GrossAmount.String()),
		)
		if order.ReferrerID != nil && !order.AffiliateCommission.IsPositive() {
			// Реферер есть, а комиссия не положительна: статистика реферера не
			// обновлена, но зачисление платежа от этого не откатывается.
			s.logger.Warn("referrer present but commission is not positive",
				zap.String("order", order.Number),
				zap.String("commission", order.AffiliateCommission.String()),
			)
		}
	}

	return s.repo.GetOrderByNumber(ctx, order.Number)
}

// expectedTransactionID возвращает идентификатор транзакции, которую нужно
// проверить у шлюза: сохранённый при создании платежа, а для ещё не
// оплачивавшегося заказа — детерминированный базовый.
func (s *Service) expectedTransactionID(order *model.Order) string {
	if order.PaymentReference != nil {
		return *order.PaymentReference
	}
	if order.AmountPaid.IsZero() {
		return payment.BaseTransactionID(order)
	}
	// Частично оплаченный заказ без активной транзакции доплаты: проверять нечего.
	return ""
}

const (
	sweepInterval   = time.Minute
	sweepBatchLimit = 100
)

// StartPaymentSweep запускает фоновую сверку заказов, ожидающих оплаты.
// Сверка по чтению остаётся основным путём; фоновый проход подбирает заказы,
// которые никто не открывает.
func (s *Service) StartPaymentSweep(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepPendingOrders(ctx)
			}
		}
	}()
}

func (s *Service) sweepPendingOrders(ctx context.Context) {
	orders, err := s.repo.GetPendingPaymentOrders(ctx, sweepBatchLimit)
	if err != nil {
		s.logger.Error("select pending orders", zap.Error(err))
		return
	}

	for i := range orders {
		order := &orders[i]

		backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			_, err := s.ReconcileOrder(ctx, order)
			if errors.Is(err, payment.ErrGateway) {
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			s.logger.Warn("sweep reconciliation failed",
				zap.String("order", order.Number), zap.Error(err))
		}
	}
}
