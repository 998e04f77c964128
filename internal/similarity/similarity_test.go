package similarity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAmount(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		want float64
	}{
		{"both zero", 0, 0, 1.0},
		{"one zero", 0, 12.5, 0.0},
		{"transfer signature", 100.0, -100.0, 1.0},
		{"duplicate signature", 100.0, 100.0, 1.0},
		{"within tolerance", -45.00, -45.005, 1.0},
		{"opposite within tolerance", -45.00, 44.995, 1.0},
		{"ten percent apart", 100, 90, 0.9},
		{"magnitude only", -100, 50, 0.5},
		{"floored at zero never negative", 1, 1000, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Amount(tt.a, tt.b), 1e-9)
		})
	}
}

func TestAmount_Symmetric(t *testing.T) {
	values := []float64{0, 0.01, -0.01, 1, -1, 12.34, -12.34, 99.99, 100, -100, 250.5, -1e6}
	for _, a := range values {
		for _, b := range values {
			if Amount(a, b) != Amount(b, a) {
				t.Errorf("Amount(%v, %v) = %v, Amount(%v, %v) = %v", a, b, Amount(a, b), b, a, Amount(b, a))
			}
		}
	}
}

func TestTime(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		delta time.Duration
		want  float64
	}{
		{"same instant", 0, 1.0},
		{"thirty seconds", 30 * time.Second, 1.0},
		{"one minute", time.Minute, 1.0},
		{"five minutes", 5 * time.Minute, 0.9},
		{"one hour", time.Hour, 0.9},
		{"two hours", 2 * time.Hour, 0.7},
		{"one day", 24 * time.Hour, 0.7},
		{"three days", 72 * time.Hour, 0.3},
		{"seven days", 7 * 24 * time.Hour, 0.3},
		{"ten days", 10 * 24 * time.Hour, 0.0},
		{"thirty days", 30 * 24 * time.Hour, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Time(base, base.Add(tt.delta)))
			assert.Equal(t, tt.want, Time(base.Add(tt.delta), base), "order must not matter")
		})
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		name   string
		s1, s2 string
		want   float64
	}{
		{"both empty", "", "", 1.0},
		{"whitespace only counts as empty", "   ", "", 1.0},
		{"one empty", "Coffee Co", "", 0.0},
		{"identical", "Coffee Co", "Coffee Co", 1.0},
		{"case insensitive", "COFFEE co", "coffee CO", 1.0},
		{"partial overlap", "card payment coffee", "coffee shop", 0.25},
		{"disjoint", "rent", "groceries", 0.0},
		{"duplicate words collapse", "a a b", "a b", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Text(tt.s1, tt.s2), 1e-9)
		})
	}
}

func TestEdit(t *testing.T) {
	assert.Equal(t, 1.0, Edit("Netflix", "NETFLIX"))
	assert.Equal(t, 1.0, Edit("", ""))
	assert.InDelta(t, 1-1.0/11, Edit("netflix.com", "netflix com"), 1e-9)
	assert.Equal(t, 0.0, Edit("abc", "xyz"))
}

func TestCoefficientOfVariation(t *testing.T) {
	assert.Equal(t, 0.0, CoefficientOfVariation(nil))
	assert.Equal(t, 0.0, CoefficientOfVariation([]float64{42}))
	assert.Equal(t, 0.0, CoefficientOfVariation([]float64{-50, -50, -50}))
	assert.Equal(t, 0.0, CoefficientOfVariation([]float64{-1, 1}), "zero mean is guarded")

	// population std of {29, 30, 31} is sqrt(2/3)
	assert.InDelta(t, 0.027216, CoefficientOfVariation([]float64{30, 31, 29}), 1e-6)
	assert.InDelta(t, 0.5, CoefficientOfVariation([]float64{-5, -15}), 1e-9)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.3))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.42, Clamp01(0.42))
}
