// Package model содержит доменные сущности сервиса фудмаркет.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FulfillmentMode описывает способ получения заказа.
type FulfillmentMode string

const (
	FulfillmentDelivery FulfillmentMode = "DELIVERY"
	FulfillmentPickup   FulfillmentMode = "PICKUP"
)

// PaymentMethod описывает способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodTransfer PaymentMethod = "transfer"
)

// PickupSentinel подставляется вместо идентификатора адреса при самовывозе.
const PickupSentinel = "PICKUP"

// User представляет зарегистрированного покупателя.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Address описывает адрес доставки покупателя.
type Address struct {
	ID         string
	Line1      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
	IsDefault  bool
}

// OrderAmounts содержит стоимостную раскладку заказа.
// Суммы хранятся в полной точности, округление до минорных единиц
// выполняется только на границе с платёжным шлюзом.
type OrderAmounts struct {
	Subtotal    decimal.Decimal
	DeliveryFee decimal.Decimal
	Tax         decimal.Decimal
	GrandTotal  decimal.Decimal
}

// OrderDraft описывает заказ, отправляемый в систему управления заказами.
type OrderDraft struct {
	DestinationID string
	PaymentMethod PaymentMethod
	PickupSlot    string
	Notes         string
	Lines         []CartLine
	Amounts       OrderAmounts
}

// CheckoutState описывает состояние попытки оформления заказа.
type CheckoutState string

const (
	CheckoutStateValidating       CheckoutState = "VALIDATING"
	CheckoutStateResolvingAddress CheckoutState = "RESOLVING_ADDRESS"
	CheckoutStateCreatingOrder    CheckoutState = "CREATING_ORDER"
	CheckoutStateAwaitingPayment  CheckoutState = "AWAITING_PAYMENT"
	CheckoutStateVerifying        CheckoutState = "VERIFYING_PAYMENT"
	CheckoutStateSettled          CheckoutState = "SETTLED"
	CheckoutStateAwaitingTransfer CheckoutState = "AWAITING_TRANSFER"
	CheckoutStateFailed           CheckoutState = "FAILED"
	CheckoutStateCancelled        CheckoutState = "CANCELLED"
)

// IsTerminal сообщает, завершена ли попытка оформления.
func (s CheckoutState) IsTerminal() bool {
	switch s {
	case CheckoutStateSettled, CheckoutStateAwaitingTransfer, CheckoutStateFailed, CheckoutStateCancelled:
		return true
	}
	return false
}

// String возвращает строковое представление состояния (для логирования).
func (s CheckoutState) String() string {
	return string(s)
}

// CheckoutAttempt описывает попытку оформления заказа пользователем.
type CheckoutAttempt struct {
	Reference  string
	UserID     int64
	State      CheckoutState
	OrderID    string
	PaymentURL string
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
