// Package ledger реализует расчёт прогресса миссий и начисления наград.
// Функции чистые: чтение и запись строк выполняет вызывающая сторона
// внутри той же транзакции, что и сверка платежа.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dkurganov/partsmarket/internal/model"
)

// Advance пересчитывает прогресс пользователя по миссии после полностью
// оплаченного заказа и возвращает обновлённую строку и признак того, что
// миссия достигнута именно этим вызовом. Достигнутые ранее миссии заморожены.
//
// Счётчики ORDER_COUNT/ORDER_VALUE инкрементальные. REFERRAL_COUNT и
// REFERRAL_EARNINGS переприсваиваются абсолютным значением из статистики
// пользователя: эти типы отслеживают его в роли реферера, и пересчёт от
// ground truth исключает накопление дрейфа.
func Advance(m model.Mission, um model.UserMission, orderTotal decimal.Decimal, stats model.UserStatistics, now time.Time) (model.UserMission, bool) {
	if um.Achieved {
		return um, false
	}

	switch m.Type {
	case model.MissionTypeOrderCount:
		um.Progress = um.Progress.Add(decimal.NewFromInt(1))
	case model.MissionTypeOrderValue:
		um.Progress = um.Progress.Add(orderTotal)
	case model.MissionTypeReferralCount:
		um.Progress = decimal.NewFromInt(stats.TotalReferrals)
	case model.MissionTypeReferralEarnings:
		um.Progress = stats.TotalReferralEarnings
	default:
		return um, false
	}

	if um.Progress.GreaterThanOrEqual(m.TargetValue) {
		um.Achieved = true
		achievedAt := now
		um.AchievedAt = &achievedAt
		return um, true
	}

	return um, false
}

// ApplyReward начисляет награду достигнутой миссии на накопители пользователя.
// Награды строго аддитивны и никогда не отзываются; при типе BOTH одно и то же
// значение прибавляется к обоим накопителям.
func ApplyReward(u *model.User, m model.Mission) {
	switch m.RewardType {
	case model.RewardTypeReferralPercentage:
		u.MaxReferralPercentage = u.MaxReferralPercentage.Add(m.RewardValue)
	case model.RewardTypeGlobalDiscount:
		u.GlobalDiscountPercentage = u.GlobalDiscountPercentage.Add(m.RewardValue)
	case model.RewardTypeBoth:
		u.MaxReferralPercentage = u.MaxReferralPercentage.Add(m.RewardValue)
		u.GlobalDiscountPercentage = u.GlobalDiscountPercentage.Add(m.RewardValue)
	}
}
