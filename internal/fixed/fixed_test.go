package fixed_test

import (
	"SynthPool/internal/fixed"
	"math/big"
	"testing"
)

func TestMulDiv_Exact(t *testing.T) {
	// 1000.000000 * 10.000000 / Scale = 10_000.000000
	got := fixed.MulDiv(1000*fixed.Scale, 10*fixed.Scale, fixed.Scale)
	want := int64(10_000 * fixed.Scale)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestMulDiv_NoOverflowAtInt64Boundary(t *testing.T) {
	// a*b overflows int64; the 128-bit intermediate must not.
	a := int64(3_000_000_000_000) // 3M units at scale 1e6
	b := int64(5_000_000_000)     // 5k price at scale 1e6
	got := fixed.MulDiv(a, b, fixed.Scale)
	want := int64(15_000_000_000_000_000) // 15B at scale 1e6
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestDiv128_BankersRounding(t *testing.T) {
	tests := []struct {
		name      string
		numerator int64
		denom     int64
		want      int64
	}{
		{"round down below half", 14, 10, 1},
		{"round up above half", 16, 10, 2},
		{"half rounds to even (down)", 25, 10, 2},
		{"half rounds to even (up)", 35, 10, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fixed.Div128(big.NewInt(tt.numerator), tt.denom, fixed.RoundHalfEven)
			if got != tt.want {
				t.Errorf("Div128(%d, %d): got %d, want %d", tt.numerator, tt.denom, got, tt.want)
			}
		})
	}
}

func TestDiv128_RoundDown(t *testing.T) {
	got := fixed.Div128(big.NewInt(19), 10, fixed.RoundDown)
	if got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

func TestDiv128_RoundUp(t *testing.T) {
	got := fixed.Div128(big.NewInt(11), 10, fixed.RoundUp)
	if got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestValue(t *testing.T) {
	// 100 GOLD at price 20 = 2000 USD
	got := fixed.Value(100*fixed.Scale, 20*fixed.Scale)
	if got != 2000*fixed.Scale {
		t.Errorf("got %d, want %d", got, int64(2000*fixed.Scale))
	}
}

func TestRatio(t *testing.T) {
	// 10000 / 2000 = 5.0
	got := fixed.Ratio(10_000*fixed.Scale, 2_000*fixed.Scale)
	if got != 5*fixed.Scale {
		t.Errorf("got %d, want %d", got, int64(5*fixed.Scale))
	}
}
