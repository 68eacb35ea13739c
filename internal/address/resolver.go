// Package address содержит разрешение адреса получения заказа.
package address

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ovoronin/foodmarket-system/internal/model"
)

// Ошибки разрешения адреса.
var (
	// ErrAddressIncomplete возвращается, если обязательные поля адреса не заполнены.
	ErrAddressIncomplete = errors.New("address is incomplete")
	// ErrInvalidTimeSlot возвращается при неизвестном слоте самовывоза.
	ErrInvalidTimeSlot = errors.New("invalid pickup time slot")
)

// PickupSlots — фиксированный набор слотов самовывоза.
var PickupSlots = []string{"asap", "30min", "1hour", "2hours"}

// AddressStore описывает операции системы заказов, нужные для сохранения адреса.
type AddressStore interface {
	CreateAddress(ctx context.Context, addr model.Address) (string, error)
	SetDefaultAddress(ctx context.Context, addressID string) error
}

// Selection описывает выбор получателя: существующий адрес, новый адрес
// или слот самовывоза.
type Selection struct {
	AddressID   string
	Address     model.Address
	SaveAsNew   bool
	MakeDefault bool
	PickupSlot  string
}

// Resolver сопоставляет выбор пользователя идентификатору адреса доставки
// либо сентинелу самовывоза.
type Resolver struct {
	store  AddressStore
	logger *zap.Logger
}

// NewResolver создаёт резолвер адресов поверх указанного хранилища.
func NewResolver(store AddressStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// Resolve возвращает идентификатор адреса доставки или сентинел самовывоза.
//
// Для доставки: выбранный сохранённый адрес возвращается как есть, без
// сетевых вызовов; новый адрес валидируется и сохраняется, затем при
// необходимости отдельным вызовом помечается адресом по умолчанию.
// Два вызова не атомарны — окно рассинхронизации принято осознанно.
func (r *Resolver) Resolve(ctx context.Context, mode model.FulfillmentMode, sel Selection) (string, error) {
	if mode == model.FulfillmentPickup {
		if !isValidSlot(sel.PickupSlot) {
			return "", ErrInvalidTimeSlot
		}
		return model.PickupSentinel, nil
	}

	if sel.AddressID != "" && !sel.SaveAsNew {
		return sel.AddressID, nil
	}

	if isBlank(sel.Address.Line1) || isBlank(sel.Address.City) ||
		isBlank(sel.Address.Region) || isBlank(sel.Address.PostalCode) {
		return "", ErrAddressIncomplete
	}

	id, err := r.store.CreateAddress(ctx, sel.Address)
	if err != nil {
		return "", err
	}

	if sel.MakeDefault {
		// Неудача не срывает оформление: адрес уже сохранён
		if err := r.store.SetDefaultAddress(ctx, id); err != nil {
			r.logger.Warn("set default address failed", zap.String("addressID", id), zap.Error(err))
		}
	}

	return id, nil
}

func isValidSlot(slot string) bool {
	for _, s := range PickupSlots {
		if s == slot {
			return true
		}
	}
	return false
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
