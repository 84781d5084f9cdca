// Package variance computes counted-versus-expected deltas for stock count lines.
package variance

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// valuePlaces is the precision monetary variance is stored at.
const valuePlaces = 4

const tolerance = 1e-9

// Result holds the derived variance fields for one count line.
type Result struct {
	Quantity   float64         `json:"variance_quantity"`
	Percentage float64         `json:"variance_percentage"`
	Value      decimal.Decimal `json:"variance_value"`
}

// Compute derives variance from a counted quantity. A nil expected quantity counts
// as zero, and a zero expected quantity yields a zero percentage. Non-finite
// inputs count as zero. A quantity beyond float64 range is clamped to the
// largest finite value; the monetary value is exact.
func Compute(counted float64, expected *float64, unitCost decimal.NullDecimal) Result {
	exp := 0.0
	if expected != nil {
		exp = finite(*expected)
	}
	delta := decimal.NewFromFloat(finite(counted)).Sub(decimal.NewFromFloat(exp))
	qty := clamp(delta.InexactFloat64())

	pct := 0.0
	if exp != 0 {
		pct = clamp(qty * 100 / exp)
	}

	cost := decimal.Zero
	if unitCost.Valid {
		cost = unitCost.Decimal
	}
	value := delta.Mul(cost).Round(valuePlaces)

	return Result{Quantity: qty, Percentage: pct, Value: value}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	}
	return v
}

// Mismatch lists derived fields whose submitted value disagrees with the recomputed one.
type Mismatch struct {
	Fields   []string
	Expected Result
	Got      Result
}

func (m *Mismatch) Error() string {
	return "variance mismatch on " + strings.Join(m.Fields, ", ")
}

// Verify recomputes variance and compares it with a submitted result. It always
// returns the recomputed result; the mismatch is nil when every field agrees.
func Verify(submitted Result, counted float64, expected *float64, unitCost decimal.NullDecimal) (Result, *Mismatch) {
	want := Compute(counted, expected, unitCost)

	var fields []string
	if math.Abs(submitted.Quantity-want.Quantity) > tolerance {
		fields = append(fields, "variance_quantity")
	}
	if math.Abs(submitted.Percentage-want.Percentage) > tolerance {
		fields = append(fields, "variance_percentage")
	}
	if !submitted.Value.Round(valuePlaces).Equal(want.Value) {
		fields = append(fields, "variance_value")
	}
	if len(fields) == 0 {
		return want, nil
	}
	return want, &Mismatch{Fields: fields, Expected: want, Got: submitted}
}
