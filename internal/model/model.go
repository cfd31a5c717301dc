// Package model содержит доменные сущности магазина запчастей.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserRole описывает роль пользователя.
type UserRole string

const (
	UserRoleCustomer UserRole = "CUSTOMER"
	UserRoleAdmin    UserRole = "ADMIN"
)

// User представляет зарегистрированного по номеру телефона пользователя.
// MaxReferralPercentage и GlobalDiscountPercentage — накопители наград за миссии:
// они только увеличиваются и читаются при расчёте стоимости заказа.
type User struct {
	ID                       int64
	Phone                    string
	Name                     string
	GovernmentID             string
	Address                  string
	Role                     UserRole
	ReferrerID               *int64
	MaxReferralPercentage    decimal.Decimal
	GlobalDiscountPercentage decimal.Decimal
	CreatedAt                time.Time
}

// Product описывает товар каталога — доверенный источник цен при оформлении заказа.
type Product struct {
	ID                 int64
	Name               string
	SKU                string
	Price              decimal.Decimal
	DiscountPercent    decimal.Decimal
	AffiliatePercent   decimal.Decimal
	DownpaymentPercent decimal.Decimal
	Active             bool
}

// Company описывает юридическое лицо покупателя, привязанное по налоговому номеру.
type Company struct {
	ID      int64
	TaxID   string
	Name    string
	Address string
}

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusProcessing     OrderStatus = "PROCESSING"
	OrderStatusReadyToShip    OrderStatus = "READY_TO_SHIP"
	OrderStatusShipped        OrderStatus = "SHIPPED"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusRefunded       OrderStatus = "REFUNDED"
)

// Order описывает заказ. Денежные поля считаются сервером из каталога,
// клиентские суммы никогда не сохраняются. Инвариант после каждой сверки:
// AmountPaid + RemainingBalance == Total и RemainingBalance >= 0.
type Order struct {
	ID                  int64
	Number              string
	UserID              int64
	ReferrerID          *int64
	Status              OrderStatus
	Subtotal            decimal.Decimal
	Discount            decimal.Decimal
	DiscountPercentage  decimal.Decimal
	AffiliateCommission decimal.Decimal
	Total               decimal.Decimal
	AmountPaid          decimal.Decimal
	RemainingBalance    decimal.Decimal
	FullyPaid           bool
	// PaymentReference хранит идентификатор последней созданной в шлюзе транзакции.
	PaymentReference *string
	// Снимок реквизитов компании на момент заказа, не связан с живой записью Company.
	CompanyName    string
	CompanyTaxID   string
	CompanyAddress string
	Enabled        bool
	CreatedAt      time.Time
	Products       []OrderProduct
}

// OrderProduct — снимок позиции заказа: правки каталога не меняют историю заказов.
type OrderProduct struct {
	ProductID          int64
	Name               string
	SKU                string
	Price              decimal.Decimal
	DiscountPercent    decimal.Decimal
	AffiliatePercent   decimal.Decimal
	DownpaymentPercent decimal.Decimal
	Quantity           int
	Subtotal           decimal.Decimal
}

// HasDownpayment возвращает true, если хотя бы одна позиция заказа
// допускает частичную предоплату (процент в интервале (0, 100)).
func (o *Order) HasDownpayment() bool {
	for _, p := range o.Products {
		if p.DownpaymentPercent.IsPositive() && p.DownpaymentPercent.LessThan(decimal.NewFromInt(100)) {
			return true
		}
	}
	return false
}

// PaymentMethod описывает способ оплаты, нормализованный из словаря шлюза.
type PaymentMethod string

const (
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMethodEWallet      PaymentMethod = "EWALLET"
	PaymentMethodStore        PaymentMethod = "STORE"
	PaymentMethodOther        PaymentMethod = "OTHER"
)

// PaymentType описывает тип платежа по заказу.
type PaymentType string

const (
	PaymentTypeDownpayment PaymentType = "DP"
	PaymentTypeFull        PaymentType = "FULL"
	PaymentTypeClearance   PaymentType = "CLEARANCE"
)

// PaymentLog — запись об успешно зачисленной транзакции шлюза.
// Журнал только пополняется; уникальность пары (OrderID, TransactionID) —
// граница идемпотентности против повторного зачисления одной транзакции.
type PaymentLog struct {
	ID            uuid.UUID
	OrderID       int64
	TransactionID string
	Amount        decimal.Decimal
	PaymentMethod PaymentMethod
	SettledAt     time.Time
	CreatedAt     time.Time
}

// MissionType описывает тип счётчика миссии.
type MissionType string

const (
	MissionTypeOrderCount       MissionType = "ORDER_COUNT"
	MissionTypeOrderValue       MissionType = "ORDER_VALUE"
	MissionTypeReferralCount    MissionType = "REFERRAL_COUNT"
	MissionTypeReferralEarnings MissionType = "REFERRAL_EARNINGS"
)

// IsReferral возвращает true для типов миссий, отслеживающих пользователя
// в роли реферера.
func (t MissionType) IsReferral() bool {
	return t == MissionTypeReferralCount || t == MissionTypeReferralEarnings
}

// RewardType описывает тип награды за достижение миссии.
type RewardType string

const (
	RewardTypeReferralPercentage RewardType = "REFERRAL_PERCENTAGE"
	RewardTypeGlobalDiscount     RewardType = "GLOBAL_DISCOUNT"
	RewardTypeBoth               RewardType = "BOTH"
)

// Mission — статическая конфигурация миссии, редактируется администратором.
type Mission struct {
	ID          int64
	Type        MissionType
	TargetValue decimal.Decimal
	RewardType  RewardType
	RewardValue decimal.Decimal
	SortOrder   int
	Active      bool
}

// UserMission — прогресс пользователя по миссии. После Achieved == true
// прогресс и награда заморожены: миссия награждается не более одного раза.
type UserMission struct {
	UserID     int64
	MissionID  int64
	Progress   decimal.Decimal
	Achieved   bool
	AchievedAt *time.Time
}

// OTPChallenge — выданный на номер телефона одноразовый код входа.
// Код хранится только в виде bcrypt-хеша.
type OTPChallenge struct {
	ID        uuid.UUID
	Phone     string
	CodeHash  []byte
	ExpiresAt time.Time
	Attempts  int
	Used      bool
	CreatedAt time.Time
}

// UserStatistics — накопительные счётчики пользователя, поддерживаются
// исключительно сверкой платежей и недоступны для прямого редактирования.
type UserStatistics struct {
	UserID                int64
	TotalOrders           int64
	TotalSpent            decimal.Decimal
	TotalReferrals        int64
	TotalReferralOrders   int64
	TotalReferralEarnings decimal.Decimal
	AvailableBalance      decimal.Decimal
}
