// Package pricing реализует серверный расчёт стоимости заказа.
// Суммы всегда пересчитываются из каталога: присланные клиентом цены не участвуют.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/dkurganov/partsmarket/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Line описывает позицию корзины: товар из каталога и количество.
type Line struct {
	Product  model.Product
	Quantity int
}

// Quote содержит результат расчёта стоимости заказа.
type Quote struct {
	Subtotal            decimal.Decimal
	Discount            decimal.Decimal
	DiscountPercentage  decimal.Decimal
	AffiliateCommission decimal.Decimal
	Total               decimal.Decimal
	Products            []model.OrderProduct
}

// Calculate считает стоимость заказа из доверенных данных каталога.
// globalDiscountPct — персональная скидка покупателя; referrerMaxPct —
// потолок реферального процента реферера, nil если реферера нет.
// Комиссия по позиции: min(affiliatePercent, referrerMaxPct) от части позиции
// после применения глобальной скидки.
func Calculate(lines []Line, globalDiscountPct decimal.Decimal, referrerMaxPct *decimal.Decimal) Quote {
	q := Quote{
		Subtotal:            decimal.Zero,
		Discount:            decimal.Zero,
		DiscountPercentage:  globalDiscountPct,
		AffiliateCommission: decimal.Zero,
		Total:               decimal.Zero,
		Products:            make([]model.OrderProduct, 0, len(lines)),
	}

	globalFactor := decimal.NewFromInt(1).Sub(globalDiscountPct.Div(hundred))

	for _, line := range lines {
		p := line.Product
		qty := decimal.NewFromInt(int64(line.Quantity))

		priceAfterDiscount := p.Price.Mul(decimal.NewFromInt(1).Sub(p.DiscountPercent.Div(hundred)))
		lineSubtotal := priceAfterDiscount.Mul(qty).Round(2)

		q.Subtotal = q.Subtotal.Add(lineSubtotal)

		if referrerMaxPct != nil {
			rate := p.AffiliatePercent
			if referrerMaxPct.LessThan(rate) {
				rate = *referrerMaxPct
			}
			commissionBase := lineSubtotal.Mul(globalFactor)
			q.AffiliateCommission = q.AffiliateCommission.Add(commissionBase.Mul(rate.Div(hundred)))
		}

		q.Products = append(q.Products, model.OrderProduct{
			ProductID:          p.ID,
			Name:               p.Name,
			SKU:                p.SKU,
			Price:              p.Price,
			DiscountPercent:    p.DiscountPercent,
			AffiliatePercent:   p.AffiliatePercent,
			DownpaymentPercent: p.DownpaymentPercent,
			Quantity:           line.Quantity,
			Subtotal:           lineSubtotal,
		})
	}

	q.Discount = q.Subtotal.Mul(globalDiscountPct.Div(hundred)).Round(2)
	q.Total = q.Subtotal.Sub(q.Discount)
	q.AffiliateCommission = q.AffiliateCommission.Round(2)

	return q
}

// DownpaymentAmount возвращает сумму первого платежа по заказу: если у позиций
// задан процент предоплаты, платёж складывается из частичных сумм таких позиций
// и полных сумм остальных, иначе равен полной стоимости заказа.
func DownpaymentAmount(order *model.Order) decimal.Decimal {
	if !order.HasDownpayment() {
		return order.Total
	}

	globalFactor := decimal.NewFromInt(1).Sub(order.DiscountPercentage.Div(hundred))

	amount := decimal.Zero
	for _, p := range order.Products {
		lineTotal := p.Subtotal.Mul(globalFactor)
		if p.DownpaymentPercent.IsPositive() && p.DownpaymentPercent.LessThan(hundred) {
			amount = amount.Add(lineTotal.Mul(p.DownpaymentPercent.Div(hundred)))
			continue
		}
		amount = amount.Add(lineTotal)
	}

	return amount.Round(2)
}
