// Package cart holds the pricing rules for an in-progress sale. Nothing here
// touches storage; a Cart is owned by exactly one checkout session.
package cart

import (
	"errors"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
)

var (
	ErrLineOutOfRange  = errors.New("cart line index out of range")
	ErrInvalidQuantity = errors.New("cart quantity must be positive")
)

var hundred = decimal.NewFromInt(100)

type Cart struct {
	lines []domain.CartLine
}

func New() *Cart {
	return &Cart{lines: make([]domain.CartLine, 0, 8)}
}

// FromLines rebuilds a cart from already priced lines, recomputing each line
// total and dropping lines with a non-positive quantity.
func FromLines(lines []domain.CartLine) *Cart {
	c := New()
	for _, line := range lines {
		if line.Quantity < 1 {
			continue
		}
		line.Total = lineTotal(line.UnitPrice, line.Quantity)
		c.lines = append(c.lines, line)
	}
	return c
}

// AddLine adds one unit of product. A product already in the cart has its
// line incremented and keeps the price snapshotted when it was first added.
func (c *Cart) AddLine(product domain.Product) domain.CartLine {
	line, _ := c.AddUnits(product, 1)
	return line
}

// AddUnits adds qty units of product priced at its effective catalog price,
// merging into an existing line the same way AddLine does.
func (c *Cart) AddUnits(product domain.Product, qty int) (domain.CartLine, error) {
	if qty < 1 {
		return domain.CartLine{}, ErrInvalidQuantity
	}
	for i := range c.lines {
		if c.lines[i].ProductID == product.ID {
			c.lines[i].Quantity += qty
			c.lines[i].Total = lineTotal(c.lines[i].UnitPrice, c.lines[i].Quantity)
			return c.lines[i], nil
		}
	}

	price := product.EffectivePrice()
	line := domain.CartLine{
		ProductID:   product.ID,
		ProductName: product.Name,
		Quantity:    qty,
		UnitPrice:   price,
		Total:       lineTotal(price, qty),
	}
	c.lines = append(c.lines, line)
	return line, nil
}

// SetQuantity sets the quantity of the line at index; qty <= 0 removes it.
func (c *Cart) SetQuantity(index int, qty int) error {
	if index < 0 || index >= len(c.lines) {
		return ErrLineOutOfRange
	}
	if qty <= 0 {
		c.lines = append(c.lines[:index], c.lines[index+1:]...)
		return nil
	}
	c.lines[index].Quantity = qty
	c.lines[index].Total = lineTotal(c.lines[index].UnitPrice, qty)
	return nil
}

func (c *Cart) RemoveLine(index int) error {
	if index < 0 || index >= len(c.lines) {
		return ErrLineOutOfRange
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return nil
}

func (c *Cart) Clear() {
	c.lines = c.lines[:0]
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Empty() bool {
	return len(c.lines) == 0
}

// Lines returns a copy of the cart lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Totals(taxRate decimal.Decimal, discount decimal.Decimal) domain.Totals {
	return Totals(c.lines, taxRate, discount)
}

// Totals prices a set of lines. The discount is clamped into [0, subtotal] and
// tax is charged on the discounted base, rounded to two places.
func Totals(lines []domain.CartLine, taxRate decimal.Decimal, discount decimal.Decimal) domain.Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(lineTotal(line.UnitPrice, line.Quantity))
	}

	applied := ClampDiscount(discount, subtotal)
	tax := subtotal.Sub(applied).Mul(taxRate).Div(hundred).Round(2)

	return domain.Totals{
		Subtotal:       subtotal,
		TaxRate:        taxRate,
		TaxAmount:      tax,
		DiscountAmount: applied,
		Total:          subtotal.Add(tax).Sub(applied),
	}
}

func ClampDiscount(discount decimal.Decimal, subtotal decimal.Decimal) decimal.Decimal {
	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		return subtotal
	}
	return discount
}

func lineTotal(unitPrice decimal.Decimal, qty int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(qty)))
}
