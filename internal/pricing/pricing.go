// Package pricing содержит чистый расчёт стоимости заказа.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/ovoronin/foodmarket-system/internal/model"
)

// Бизнес-константы расчёта стоимости.
var (
	// TaxRate — ставка налога от суммы позиций.
	TaxRate = decimal.NewFromFloat(0.075)
	// FreeDeliveryThreshold — сумма, свыше которой доставка бесплатна.
	FreeDeliveryThreshold = decimal.NewFromInt(50000)
	// FlatDeliveryFee — фиксированная стоимость доставки.
	FlatDeliveryFee = decimal.NewFromInt(1500)
)

// Price рассчитывает стоимостную раскладку заказа по сумме позиций
// и способу получения. Суммы остаются в полной точности.
func Price(subtotal decimal.Decimal, mode model.FulfillmentMode) model.OrderAmounts {
	deliveryFee := decimal.Zero
	if mode == model.FulfillmentDelivery && subtotal.LessThanOrEqual(FreeDeliveryThreshold) {
		deliveryFee = FlatDeliveryFee
	}

	tax := subtotal.Mul(TaxRate)

	return model.OrderAmounts{
		Subtotal:    subtotal,
		DeliveryFee: deliveryFee,
		Tax:         tax,
		GrandTotal:  subtotal.Add(deliveryFee).Add(tax),
	}
}

// MinorUnits переводит сумму в минорные единицы валюты.
// Округление выполняется только здесь, на границе с платёжным шлюзом.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
