package model

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidQuantity возвращается при попытке установить количество меньше единицы.
var ErrInvalidQuantity = errors.New("quantity must be at least 1")

// CartLine описывает позицию корзины: снимок товара на момент добавления.
type CartLine struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Cart — агрегат корзины. Позиции уникальны по ProductID,
// порядок добавления сохраняется.
type Cart struct {
	lines []CartLine
}

// NewCart создаёт корзину из набора позиций (например, загруженных из хранилища).
func NewCart(lines []CartLine) *Cart {
	c := &Cart{}
	c.lines = append(c.lines, lines...)
	return c
}

// Add добавляет позицию. Если товар уже есть в корзине,
// количество увеличивается на входящее значение.
func (c *Cart) Add(line CartLine) error {
	if line.Quantity < 1 {
		return ErrInvalidQuantity
	}

	for i := range c.lines {
		if c.lines[i].ProductID == line.ProductID {
			c.lines[i].Quantity += line.Quantity
			return nil
		}
	}

	c.lines = append(c.lines, line)
	return nil
}

// Remove удаляет позицию. Отсутствующий товар — не ошибка.
func (c *Cart) Remove(productID string) {
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			return
		}
	}
}

// SetQuantity устанавливает количество для позиции.
// Значение меньше единицы — ошибка; ноль от внешнего вызова трактуется как удаление.
func (c *Cart) SetQuantity(productID string, n int) error {
	if n == 0 {
		c.Remove(productID)
		return nil
	}
	if n < 1 {
		return ErrInvalidQuantity
	}

	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines[i].Quantity = n
			return nil
		}
	}
	return nil
}

// Subtotal возвращает сумму по всем позициям. Пересчитывается при каждом чтении.
func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}

// Clear очищает корзину. Повторный вызов безвреден.
func (c *Cart) Clear() {
	c.lines = nil
}

// IsEmpty сообщает, пуста ли корзина.
func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// Lines возвращает копию позиций корзины в порядке добавления.
func (c *Cart) Lines() []CartLine {
	res := make([]CartLine, len(c.lines))
	copy(res, c.lines)
	return res
}
