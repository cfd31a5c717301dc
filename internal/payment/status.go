package payment

import (
	"fmt"
	"time"

	"github.com/dkurganov/partsmarket/internal/model"
)

// Словарь статусов транзакции шлюза.
const (
	statusCapture       = "capture"
	statusSettlement    = "settlement"
	statusPending       = "pending"
	statusDeny          = "deny"
	statusCancel        = "cancel"
	statusExpire        = "expire"
	statusRefund        = "refund"
	statusPartialRefund = "partial_refund"
	statusChargeback    = "chargeback"

	fraudAccept    = "accept"
	fraudChallenge = "challenge"
)

// IsSettled возвращает true, если транзакция зачислена: settlement либо
// capture, прошедший антифрод.
func IsSettled(s *TransactionStatus) bool {
	if s == nil {
		return false
	}
	if s.TransactionStatus == statusSettlement {
		return true
	}
	return s.TransactionStatus == statusCapture && s.FraudStatus != fraudChallenge && s.FraudStatus != statusDeny
}

// MapStatus отображает статус транзакции шлюза на статус-кандидат заказа.
// Неизвестные статусы трактуются как ожидание оплаты: лучше не двигать заказ,
// чем угадать.
func MapStatus(transactionStatus, fraudStatus string) model.OrderStatus {
	switch transactionStatus {
	case statusCapture:
		if fraudStatus == fraudChallenge {
			return model.OrderStatusPendingPayment
		}
		if fraudStatus == statusDeny {
			return model.OrderStatusCancelled
		}
		return model.OrderStatusProcessing
	case statusSettlement:
		return model.OrderStatusProcessing
	case statusDeny, statusCancel, statusExpire:
		return model.OrderStatusCancelled
	case statusRefund, statusPartialRefund, statusChargeback:
		return model.OrderStatusRefunded
	default:
		return model.OrderStatusPendingPayment
	}
}

// MapPaymentMethod нормализует способ оплаты из словаря шлюза.
func MapPaymentMethod(gatewayPaymentType string) model.PaymentMethod {
	switch gatewayPaymentType {
	case "bank_transfer", "echannel", "permata":
		return model.PaymentMethodBankTransfer
	case "credit_card":
		return model.PaymentMethodCreditCard
	case "gopay", "shopeepay", "qris":
		return model.PaymentMethodEWallet
	case "cstore":
		return model.PaymentMethodStore
	default:
		return model.PaymentMethodOther
	}
}

// BaseTransactionID возвращает идентификатор первой транзакции заказа:
// с суффиксом DP при наличии позиций с частичной предоплатой, иначе FULL.
// Схема детерминирована, чтобы повторная сверка находила ту же транзакцию.
func BaseTransactionID(order *model.Order) string {
	if order.HasDownpayment() {
		return order.Number + "-DP"
	}
	return order.Number + "-FULL"
}

// ClearanceTransactionID возвращает идентификатор транзакции доплаты.
// Шлюз не допускает переиспользования токена, поэтому идентификатор всегда
// уникален за счёт метки времени.
func ClearanceTransactionID(orderNumber string, now time.Time) string {
	return fmt.Sprintf("%s-CLEARANCE-%d", orderNumber, now.Unix())
}

// RetryTransactionID возвращает идентификатор повторной попытки оплаты,
// когда предыдущая транзакция с базовым идентификатором ещё не разрешилась.
func RetryTransactionID(baseID string, now time.Time) string {
	return fmt.Sprintf("%s-%d", baseID, now.Unix())
}
