// Package item defines the structured invoice line item produced by extraction.
package item

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Parsed is one extracted line item. Values are never mutated after construction.
type Parsed struct {
	Name       string
	Quantity   Quantity
	UnitPrice  decimal.Decimal
	Unit       string
	Confidence float64
}

// Quantity is a positive decimal, or the unknown marker when the utterance gave none.
type Quantity struct {
	value decimal.Decimal
	known bool
}

// Unknown is the caller-visible marker for a quantity that could not be determined.
var Unknown = Quantity{}

// QuantityOf returns a known quantity. Non-positive values collapse to Unknown.
func QuantityOf(d decimal.Decimal) Quantity {
	if !d.IsPositive() {
		return Unknown
	}
	return Quantity{value: d, known: true}
}

// Known reports whether the quantity carries a value.
func (q Quantity) Known() bool {
	return q.known
}

// Value returns the quantity and whether it is known.
func (q Quantity) Value() (decimal.Decimal, bool) {
	return q.value, q.known
}

func (q Quantity) String() string {
	if !q.known {
		return "unknown"
	}
	return q.value.String()
}

// Validate enforces line-item invariants.
func (p Parsed) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("item name must not be blank")
	}
	if p.UnitPrice.IsNegative() {
		return fmt.Errorf("unit price must be >= 0, got %s", p.UnitPrice)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1], got %v", p.Confidence)
	}
	if p.Quantity.known && !p.Quantity.value.IsPositive() {
		return fmt.Errorf("quantity must be > 0, got %s", p.Quantity.value)
	}
	return nil
}

// LineTotal returns quantity * unit price when the quantity is known.
func (p Parsed) LineTotal() (decimal.Decimal, bool) {
	qty, ok := p.Quantity.Value()
	if !ok {
		return decimal.Zero, false
	}
	return qty.Mul(p.UnitPrice), true
}

type wireItem struct {
	Name       string           `json:"name"`
	Quantity   *decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal  `json:"unit_price"`
	Unit       string           `json:"unit,omitempty"`
	Confidence float64          `json:"confidence"`
	LineTotal  *decimal.Decimal `json:"line_total"`
}

// MarshalJSON renders the hand-off form consumed by the invoice form. Unknown quantity is null.
func (p Parsed) MarshalJSON() ([]byte, error) {
	w := wireItem{
		Name:       p.Name,
		UnitPrice:  p.UnitPrice,
		Unit:       p.Unit,
		Confidence: p.Confidence,
	}
	if qty, ok := p.Quantity.Value(); ok {
		w.Quantity = &qty
	}
	if total, ok := p.LineTotal(); ok {
		w.LineTotal = &total
	}
	return json.Marshal(w)
}

func (p Parsed) String() string {
	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteString(" x")
	b.WriteString(p.Quantity.String())
	if p.Unit != "" {
		b.WriteString(" ")
		b.WriteString(p.Unit)
	}
	b.WriteString(" @ ")
	b.WriteString(p.UnitPrice.String())
	return b.String()
}
