package domain

import "fmt"

// Amount is a fixed-precision monetary value stored as an integer count of
// the smallest currency unit, never a float. Conversion to/from the human
// unit happens only at the boundary (Design Notes §9), grounded on the
// teacher's finance.Money shape.
type Amount struct {
	Minor int64 // smallest unit, e.g. wei-scaled integer cents
	Scale int8  // number of decimal digits Minor represents
}

// NewAmount constructs an Amount with the given minor-unit count and scale.
func NewAmount(minor int64, scale int8) Amount {
	return Amount{Minor: minor, Scale: scale}
}

func (a Amount) Add(b Amount) (Amount, error) {
	if a.Scale != b.Scale {
		return Amount{}, fmt.Errorf("amount scale mismatch: %d != %d", a.Scale, b.Scale)
	}
	return Amount{Minor: a.Minor + b.Minor, Scale: a.Scale}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Scale != b.Scale {
		return Amount{}, fmt.Errorf("amount scale mismatch: %d != %d", a.Scale, b.Scale)
	}
	return Amount{Minor: a.Minor - b.Minor, Scale: a.Scale}, nil
}

func (a Amount) IsZero() bool     { return a.Minor == 0 }
func (a Amount) IsPositive() bool { return a.Minor > 0 }
func (a Amount) IsNegative() bool { return a.Minor < 0 }

func (a Amount) GreaterOrEqual(b Amount) bool { return a.Scale == b.Scale && a.Minor >= b.Minor }
func (a Amount) LessThan(b Amount) bool       { return a.Scale == b.Scale && a.Minor < b.Minor }

// Human converts to the human-readable decimal unit. Used only for display;
// invariants and comparisons must never use this representation.
func (a Amount) Human() float64 {
	div := 1.0
	for i := int8(0); i < a.Scale; i++ {
		div *= 10
	}
	return float64(a.Minor) / div
}

// AbsDiffHuman returns |a-b| in human units, used only by the reconciler's
// amount-mismatch check (spec.md §4.12: "> 0.01 human units").
func AbsDiffHuman(a, b Amount) float64 {
	d := a.Human() - b.Human()
	if d < 0 {
		d = -d
	}
	return d
}
