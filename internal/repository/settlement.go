package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/dkurganov/partsmarket/internal/ledger"
	"github.com/dkurganov/partsmarket/internal/model"
)

// Settlement описывает зачисленную шлюзом транзакцию, которую нужно
// применить к заказу.
type Settlement struct {
	OrderNumber   string
	TransactionID string
	Amount        decimal.Decimal
	PaymentMethod model.PaymentMethod
	SettledAt     time.Time
}

// ApplySettlement применяет зачисление к заказу в одной транзакции БД:
// журнал платежа, суммы и статус заказа, а при переходе в полностью
// оплаченный — статистика и миссии покупателя и реферера.
//
// Возвращает false, если транзакция уже была зачислена ранее: вставка в
// payment_logs по (order_id, transaction_id) — единственная граница
// идемпотентности, и проверки статуса могут повторяться сколько угодно.
// Строка заказа блокируется FOR UPDATE, поэтому конкурентные сверки одного
// заказа сериализуются.
func (r *PostgresRepository) ApplySettlement(ctx context.Context, s Settlement) (bool, error) {
	var applied bool
	err := r.withRetry(ctx, func() error {
		var err error
		applied, err = r.applySettlement(ctx, s)
		return err
	})
	return applied, err
}

func (r *PostgresRepository) applySettlement(ctx context.Context, s Settlement) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := getOrderForUpdate(ctx, tx, s.OrderNumber)
	if err != nil {
		return false, err
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO payment_logs (id, order_id, transaction_id, amount, payment_method, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (order_id, transaction_id) DO NOTHING`,
		uuid.New(), order.ID, s.TransactionID, s.Amount, string(s.PaymentMethod), s.SettledAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment log: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		// Транзакция уже зачислена: успех без мутаций.
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit tx: %w", err)
		}
		return false, nil
	}

	outcome := settleAmounts(order, s.Amount)

	_, err = tx.Exec(ctx,
		`UPDATE orders
		 SET amount_paid = $2, remaining_balance = $3, fully_paid = $4, status = $5,
		     payment_reference = NULL
		 WHERE id = $1`,
		order.ID, outcome.AmountPaid, outcome.RemainingBalance, outcome.FullyPaid,
		string(outcome.Status),
	)
	if err != nil {
		return false, fmt.Errorf("update order: %w", err)
	}

	if outcome.RunRewardLedger {
		if err := applyRewardLedger(ctx, tx, order, s.SettledAt); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// settlementOutcome — новое состояние заказа после зачисления суммы.
type settlementOutcome struct {
	AmountPaid       decimal.Decimal
	RemainingBalance decimal.Decimal
	FullyPaid        bool
	Status           model.OrderStatus
	RunRewardLedger  bool
}

// settleAmounts применяет зачисленную сумму к заказу. Остаток не опускается
// ниже нуля; оплата из PENDING_PAYMENT (полная или частичная) переводит заказ
// в PROCESSING, прочие статусы не трогаются — заказ в READY_TO_SHIP остаётся
// ждать ручной отправки. Каскад наград запускается ровно при первом переходе
// заказа в полностью оплаченный.
func settleAmounts(order *model.Order, amount decimal.Decimal) settlementOutcome {
	newPaid := order.AmountPaid.Add(amount)
	newRemaining := order.Total.Sub(newPaid)
	if newRemaining.IsNegative() {
		newRemaining = decimal.Zero
	}

	nowFullyPaid := newRemaining.LessThanOrEqual(decimal.Zero)

	newStatus := order.Status
	if order.Status == model.OrderStatusPendingPayment {
		newStatus = model.OrderStatusProcessing
	}

	return settlementOutcome{
		AmountPaid:       newPaid,
		RemainingBalance: newRemaining,
		FullyPaid:        nowFullyPaid,
		Status:           newStatus,
		RunRewardLedger:  nowFullyPaid && !order.FullyPaid,
	}
}

// applyRewardLedger выполняется ровно один раз за жизнь заказа — при первом
// переходе remaining_balance через ноль, внутри той же транзакции, что и
// зачисление платежа.
func applyRewardLedger(ctx context.Context, tx pgx.Tx, order *model.Order, now time.Time) error {
	purchaser, err := getUserForUpdate(ctx, tx, order.UserID)
	if err != nil {
		return err
	}

	// До обновления счётчиков реферера: был ли у покупателя ранее
	// завершённый заказ. Первая конверсия засчитывается рефереру один раз.
	firstCompleted, err := isFirstCompletedOrder(ctx, tx, order)
	if err != nil {
		return err
	}

	purchaserStats, err := upsertStatistics(ctx, tx,
		`INSERT INTO user_statistics (user_id, total_orders, total_spent)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (user_id) DO UPDATE
		 SET total_orders = user_statistics.total_orders + 1,
		     total_spent = user_statistics.total_spent + EXCLUDED.total_spent
		 RETURNING user_id, total_orders, total_spent, total_referrals,
		           total_referral_orders, total_referral_earnings, available_balance`,
		order.UserID, order.Total,
	)
	if err != nil {
		return err
	}

	missions, err := getActiveMissions(ctx, tx)
	if err != nil {
		return err
	}

	if err := advanceMissions(ctx, tx, purchaser, missions, order.Total, purchaserStats, now, false); err != nil {
		return err
	}

	if order.ReferrerID == nil || !order.AffiliateCommission.IsPositive() {
		return nil
	}

	referrer, err := getUserForUpdate(ctx, tx, *order.ReferrerID)
	if err != nil {
		return err
	}

	referralsInc := int64(0)
	if firstCompleted {
		referralsInc = 1
	}

	referrerStats, err := upsertStatistics(ctx, tx,
		`INSERT INTO user_statistics (user_id, total_referrals, total_referral_orders,
		                              total_referral_earnings, available_balance)
		 VALUES ($1, $3, 1, $2, $2)
		 ON CONFLICT (user_id) DO UPDATE
		 SET total_referrals = user_statistics.total_referrals + $3,
		     total_referral_orders = user_statistics.total_referral_orders + 1,
		     total_referral_earnings = user_statistics.total_referral_earnings + EXCLUDED.total_referral_earnings,
		     available_balance = user_statistics.available_balance + EXCLUDED.available_balance
		 RETURNING user_id, total_orders, total_spent, total_referrals,
		           total_referral_orders, total_referral_earnings, available_balance`,
		*order.ReferrerID, order.AffiliateCommission, referralsInc,
	)
	if err != nil {
		return err
	}

	return advanceMissions(ctx, tx, referrer, missions, order.Total, referrerStats, now, true)
}

// advanceMissions прокручивает цикл миссий для пользователя и применяет награды.
// При referralOnly цикл ограничен реферальными типами миссий.
func advanceMissions(ctx context.Context, tx pgx.Tx, u *model.User, missions []model.Mission,
	orderTotal decimal.Decimal, stats *model.UserStatistics, now time.Time, referralOnly bool) error {

	rewarded := false
	for _, m := range missions {
		if referralOnly && !m.Type.IsReferral() {
			continue
		}

		um, err := getOrInitUserMission(ctx, tx, u.ID, m.ID)
		if err != nil {
			return err
		}

		// Достигнутые ранее миссии заморожены, строка не трогается.
		if um.Achieved {
			continue
		}

		updated, newlyAchieved := ledger.Advance(m, um, orderTotal, *stats, now)

		_, err = tx.Exec(ctx,
			`INSERT INTO user_missions (user_id, mission_id, progress, achieved, achieved_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, mission_id) DO UPDATE
			 SET progress = EXCLUDED.progress,
			     achieved = EXCLUDED.achieved,
			     achieved_at = EXCLUDED.achieved_at`,
			u.ID, m.ID, updated.Progress, updated.Achieved, updated.AchievedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert user mission: %w", err)
		}

		if newlyAchieved {
			ledger.ApplyReward(u, m)
			rewarded = true
		}
	}

	if !rewarded {
		return nil
	}

	_, err := tx.Exec(ctx,
		`UPDATE users SET max_referral_percentage = $2, global_discount_percentage = $3 WHERE id = $1`,
		u.ID, u.MaxReferralPercentage, u.GlobalDiscountPercentage,
	)
	if err != nil {
		return fmt.Errorf("update user rewards: %w", err)
	}

	return nil
}

func getOrderForUpdate(ctx context.Context, tx pgx.Tx, number string) (*model.Order, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE number = $1 AND enabled = TRUE FOR UPDATE`,
		number,
	)
	return scanOrder(row)
}

func getUserForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*model.User, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, phone, name, government_id, address, role, referrer_id,
		        max_referral_percentage, global_discount_percentage, created_at
		 FROM users WHERE id = $1 FOR UPDATE`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Phone, &u.Name, &u.GovernmentID, &u.Address, &u.Role,
		&u.ReferrerID, &u.MaxReferralPercentage, &u.GlobalDiscountPercentage, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user for update: %w", err)
	}

	return &u, nil
}

func isFirstCompletedOrder(ctx context.Context, tx pgx.Tx, order *model.Order) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM orders
		    WHERE user_id = $1 AND id <> $2
		      AND status IN ($3, $4, $5, $6)
		 )`,
		order.UserID, order.ID,
		string(model.OrderStatusProcessing), string(model.OrderStatusReadyToShip),
		string(model.OrderStatusShipped), string(model.OrderStatusDelivered),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check prior orders: %w", err)
	}
	return !exists, nil
}

func upsertStatistics(ctx context.Context, tx pgx.Tx, query string, args ...any) (*model.UserStatistics, error) {
	var s model.UserStatistics
	err := tx.QueryRow(ctx, query, args...).Scan(&s.UserID, &s.TotalOrders, &s.TotalSpent,
		&s.TotalReferrals, &s.TotalReferralOrders, &s.TotalReferralEarnings, &s.AvailableBalance)
	if err != nil {
		return nil, fmt.Errorf("upsert statistics: %w", err)
	}
	return &s, nil
}

func getActiveMissions(ctx context.Context, tx pgx.Tx) ([]model.Mission, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, type, target_value, reward_type, reward_value, sort_order, active
		 FROM missions
		 WHERE active = TRUE
		 ORDER BY sort_order, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select missions: %w", err)
	}
	defer rows.Close()

	return scanMissions(rows)
}

func getOrInitUserMission(ctx context.Context, tx pgx.Tx, userID, missionID int64) (model.UserMission, error) {
	row := tx.QueryRow(ctx,
		`SELECT user_id, mission_id, progress, achieved, achieved_at
		 FROM user_missions
		 WHERE user_id = $1 AND mission_id = $2`,
		userID, missionID,
	)

	var um model.UserMission
	err := row.Scan(&um.UserID, &um.MissionID, &um.Progress, &um.Achieved, &um.AchievedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserMission{
				UserID:    userID,
				MissionID: missionID,
				Progress:  decimal.Zero,
			}, nil
		}
		return model.UserMission{}, fmt.Errorf("get user mission: %w", err)
	}

	return um, nil
}
