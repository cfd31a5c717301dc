// Package service реализует бизнес-логику сервиса partsmarket.
package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dkurganov/partsmarket/internal/model"
	"github.com/dkurganov/partsmarket/internal/otp"
	"github.com/dkurganov/partsmarket/internal/payment"
	"github.com/dkurganov/partsmarket/internal/repository"
)

// ErrValidation возвращается при некорректных полях запроса; мутации не выполняются.
var (
	ErrValidation = errors.New("validation error")
	// ErrTooManyOTPRequests возвращается при превышении лимита выдачи кодов на номер.
	ErrTooManyOTPRequests = errors.New("too many otp requests")
	// ErrInvalidOTP возвращается при неверном, истёкшем или исчерпанном коде.
	ErrInvalidOTP = errors.New("invalid otp code")
	// ErrOrderAlreadyPaid возвращается при попытке оплатить уже оплаченный заказ.
	ErrOrderAlreadyPaid = errors.New("order already paid")
	// ErrOrderNotPayable возвращается, если заказ не в состоянии, допускающем оплату.
	ErrOrderNotPayable = errors.New("order is not payable")
	// ErrForbidden возвращается при обращении к чужому заказу.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition возвращается при недопустимом административном переходе статуса.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	GetOrCreateUserByPhone(ctx context.Context, phone string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	SetUserReferrer(ctx context.Context, userID, referrerID int64) error

	CreateOTPChallenge(ctx context.Context, ch model.OTPChallenge) error
	GetActiveOTPChallenge(ctx context.Context, phone string) (*model.OTPChallenge, error)
	IncrementOTPAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkOTPUsed(ctx context.Context, id uuid.UUID) error
	CountRecentOTPChallenges(ctx context.Context, phone string, since time.Time) (int, error)

	GetActiveProducts(ctx context.Context) ([]model.Product, error)
	GetActiveProductsByIDs(ctx context.Context, ids []int64) ([]model.Product, error)

	CreateOrder(ctx context.Context, order *model.Order, profile repository.ProfileUpdate, company *model.Company) (int64, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetPendingPaymentOrders(ctx context.Context, limit int) ([]model.Order, error)
	SetPaymentReference(ctx context.Context, orderID int64, reference string) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) error
	GetPaymentLogs(ctx context.Context, orderID int64) ([]model.PaymentLog, error)
	ApplySettlement(ctx context.Context, s repository.Settlement) (bool, error)

	CreateMission(ctx context.Context, m *model.Mission) (int64, error)
	UpdateMission(ctx context.Context, m *model.Mission) error
	DeleteMission(ctx context.Context, id int64) error
	GetMission(ctx context.Context, id int64) (*model.Mission, error)
	ListMissions(ctx context.Context, onlyActive bool) ([]model.Mission, error)

	GetUserStatistics(ctx context.Context, userID int64) (*model.UserStatistics, error)
	GetUserMissions(ctx context.Context, userID int64) ([]model.UserMission, error)
}

// Gateway описывает контракт платёжного шлюза, используемый сервисом.
type Gateway interface {
	CreateTransaction(ctx context.Context, req payment.CreateRequest) (*payment.CreateResponse, error)
	CheckStatus(ctx context.Context, transactionID string) (*payment.TransactionStatus, error)
}

// Service содержит бизнес-логику сервиса partsmarket.
type Service struct {
	repo      Repository
	gateway   Gateway
	otpSender otp.Sender
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием, платёжным шлюзом
// и отправителем кодов входа.
func NewService(repo Repository, gateway Gateway, otpSender otp.Sender, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		gateway:   gateway,
		otpSender: otpSender,
		logger:    logger,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RequestOTP выдаёт одноразовый код входа на номер телефона.
// Частота выдачи на номер ограничена счётчиком в хранилище.
func (s *Service) RequestOTP(ctx context.Context, phone string) error {
	normalized, ok := normalizePhone(phone)
	if !ok {
		return ErrValidation
	}

	count, err := s.repo.CountRecentOTPChallenges(ctx, normalized, s.now().Add(-otp.RequestWindow))
	if err != nil {
		return err
	}
	if count >= otp.MaxRequestsPerWindow {
		return ErrTooManyOTPRequests
	}

	code, err := otp.GenerateCode()
	if err != nil {
		return err
	}

	hash, err := otp.HashCode(code)
	if err != nil {
		return err
	}

	ch := model.OTPChallenge{
		ID:        uuid.New(),
		Phone:     normalized,
		CodeHash:  hash,
		ExpiresAt: s.now().Add(otp.CodeTTL),
	}

	if err := s.repo.CreateOTPChallenge(ctx, ch); err != nil {
		return err
	}

	return s.otpSender.SendCode(normalized, code)
}

// VerifyOTP проверяет код входа и возвращает пользователя, создавая его при
// первом входе. Необязательный referralPhone привязывает реферера к новому
// пользователю.
func (s *Service) VerifyOTP(ctx context.Context, phone, code, referralPhone string) (*model.User, error) {
	normalized, ok := normalizePhone(phone)
	if !ok {
		return nil, ErrValidation
	}

	ch, err := s.repo.GetActiveOTPChallenge(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrOTPChallengeNotFound) {
			return nil, ErrInvalidOTP
		}
		return nil, err
	}

	if ch.Attempts >= otp.MaxVerifyAttempts {
		return nil, ErrInvalidOTP
	}

	if !otp.VerifyCode(ch.CodeHash, code) {
		if _, err := s.repo.IncrementOTPAttempts(ctx, ch.ID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidOTP
	}

	if err := s.repo.MarkOTPUsed(ctx, ch.ID); err != nil {
		return nil, err
	}

	user, err := s.repo.GetOrCreateUserByPhone(ctx, normalized)
	if err != nil {
		return nil, err
	}

	if referralPhone != "" && user.ReferrerID == nil {
		if refPhone, ok := normalizePhone(referralPhone); ok && refPhone != normalized {
			referrer, err := s.repo.GetOrCreateUserByPhone(ctx, refPhone)
			if err == nil {
				if err := s.repo.SetUserReferrer(ctx, user.ID, referrer.ID); err == nil {
					user.ReferrerID = &referrer.ID
				}
			}
		}
	}

	return user, nil
}

// GetProducts возвращает активные товары каталога.
func (s *Service) GetProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.GetActiveProducts(ctx)
}

// GetUserStatistics возвращает накопительные счётчики пользователя.
func (s *Service) GetUserStatistics(ctx context.Context, userID int64) (*model.UserStatistics, error) {
	return s.repo.GetUserStatistics(ctx, userID)
}

// GetUserMissions возвращает прогресс пользователя по миссиям вместе с их конфигурацией.
func (s *Service) GetUserMissions(ctx context.Context, userID int64) ([]model.Mission, []model.UserMission, error) {
	missions, err := s.repo.ListMissions(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	progress, err := s.repo.GetUserMissions(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return missions, progress, nil
}

// CreateMission проверяет и сохраняет новую миссию.
func (s *Service) CreateMission(ctx context.Context, m *model.Mission) (int64, error) {
	if !validMission(m) {
		return 0, ErrValidation
	}
	return s.repo.CreateMission(ctx, m)
}

// UpdateMission проверяет и обновляет конфигурацию миссии.
func (s *Service) UpdateMission(ctx context.Context, m *model.Mission) error {
	if !validMission(m) {
		return ErrValidation
	}
	return s.repo.UpdateMission(ctx, m)
}

// DeleteMission деактивирует миссию.
func (s *Service) DeleteMission(ctx context.Context, id int64) error {
	return s.repo.DeleteMission(ctx, id)
}

// GetMission возвращает миссию по идентификатору.
func (s *Service) GetMission(ctx context.Context, id int64) (*model.Mission, error) {
	return s.repo.GetMission(ctx, id)
}

// ListMissions возвращает все миссии для административного интерфейса.
func (s *Service) ListMissions(ctx context.Context) ([]model.Mission, error) {
	return s.repo.ListMissions(ctx, false)
}

// adminTransitions перечисляет допустимые административные переходы статуса.
var adminTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPendingPayment: {model.OrderStatusCancelled},
	model.OrderStatusProcessing:     {model.OrderStatusReadyToShip, model.OrderStatusCancelled},
	model.OrderStatusReadyToShip:    {model.OrderStatusShipped},
	model.OrderStatusShipped:        {model.OrderStatusDelivered},
}

// AdminSetOrderStatus выполняет административный перевод заказа по жизненному
// циклу: единственный способ сменить статус вне сверки платежей.
func (s *Service) AdminSetOrderStatus(ctx context.Context, number string, status model.OrderStatus) (*model.Order, error) {
	order, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, next := range adminTransitions[order.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidTransition
	}

	if err := s.repo.UpdateOrderStatus(ctx, order.ID, status); err != nil {
		return nil, err
	}

	order.Status = status
	return order, nil
}

func validMission(m *model.Mission) bool {
	switch m.Type {
	case model.MissionTypeOrderCount, model.MissionTypeOrderValue,
		model.MissionTypeReferralCount, model.MissionTypeReferralEarnings:
	default:
		return false
	}

	switch m.RewardType {
	case model.RewardTypeReferralPercentage, model.RewardTypeGlobalDiscount, model.RewardTypeBoth:
	default:
		return false
	}

	return m.TargetValue.IsPositive() && m.RewardValue.IsPositive()
}

// normalizePhone приводит номер телефона к виду из цифр с необязательным
// ведущим плюсом. Номера короче восьми цифр отклоняются.
func normalizePhone(phone string) (string, bool) {
	var b strings.Builder
	digits := 0
	for i, ch := range strings.TrimSpace(phone) {
		switch {
		case ch == '+' && i == 0:
			b.WriteRune(ch)
		case unicode.IsDigit(ch):
			b.WriteRune(ch)
			digits++
		case ch == ' ' || ch == '-' || ch == '(' || ch == ')':
			// разделители отбрасываются
		default:
			return "", false
		}
	}

	if digits < 8 || digits > 15 {
		return "", false
	}

	return b.String(), true
}
