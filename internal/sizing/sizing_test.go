package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeOrder(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		price  float64
		minQty float64
		step   float64
		want   float64
	}{
		{"exact multiple", 100, 50000, 0.001, 0.001, 0.002},
		{"floors to step", 130, 50000, 0.001, 0.001, 0.002},
		{"below minimum", 10, 50000, 0.001, 0.001, 0},
		{"exactly minimum", 50, 50000, 0.001, 0.001, 0.001},
		{"coarse step", 1000, 3, 1, 1, 333},
		{"fine step", 25, 0.37, 1, 0.1, 67.5},
		{"zero price", 100, 0, 0.001, 0.001, 0},
		{"negative price", 100, -1, 0.001, 0.001, 0},
		{"zero amount", 0, 50000, 0.001, 0.001, 0},
		{"no step filter", 100, 40000, 0.001, 0, 0.0025},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SizeOrder(tt.amount, tt.price, tt.minQty, tt.step), 1e-12)
		})
	}
}

func TestSizeOrder_ResultIsStepMultiple(t *testing.T) {
	amounts := []float64{11, 57.3, 100, 999.99, 12345.6}
	prices := []float64{0.5123, 3.3, 1700.25, 64012.5}
	steps := []float64{0.001, 0.01, 0.1, 1}

	for _, a := range amounts {
		for _, p := range prices {
			for _, s := range steps {
				q := SizeOrder(a, p, s, s)
				if q == 0 {
					assert.Less(t, a/p, s+1e-9, "zero only below the minimum")
					continue
				}
				rem := decimal.NewFromFloat(q).Mod(decimal.NewFromFloat(s))
				assert.True(t, rem.IsZero(), "q=%v step=%v", q, s)
				assert.GreaterOrEqual(t, q, s)
				assert.LessOrEqual(t, q*p, a+1e-9)
			}
		}
	}
}

func TestSizeOrder_Idempotent(t *testing.T) {
	q := SizeOrder(1234.56, 2.71, 0.1, 0.1)
	require.NotZero(t, q)
	assert.Equal(t, 455.5, q)

	// A quantity already on the step grid is left unchanged.
	assert.Equal(t, q, SizeOrder(q, 1, 0.1, 0.1))
}

func TestMinimumAmount(t *testing.T) {
	assert.Equal(t, 50.0, MinimumAmount(0.001, 50000))
	assert.Equal(t, "$50.00", FormatUSD(MinimumAmount(0.001, 50000)))
	assert.Equal(t, "$5.10", FormatUSD(5.1))
}

func TestFormatQuantity(t *testing.T) {
	assert.Equal(t, "0.002", FormatQuantity(0.002))
	assert.Equal(t, "67.5", FormatQuantity(67.5))
	assert.Equal(t, "333", FormatQuantity(333))
}
