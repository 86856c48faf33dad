package chunkstore

import (
	"math"
	"testing"
)

func TestFloat16Roundtrip(t *testing.T) {
	// Values exactly representable in half precision roundtrip losslessly.
	exact := []float64{0, 1, -1, 0.5, 0.25, 2, 1024, -2048, 65504}
	for _, v := range exact {
		if got := float16value(float16bits(v)); got != v {
			t.Errorf("float16 roundtrip %v = %v", v, got)
		}
	}
}

func TestFloat16Precision(t *testing.T) {
	// Normalized grid intensities live in [0, 1]; half precision keeps
	// roughly three decimal digits there.
	for _, v := range []float64{0.1, 0.33, 0.77, 0.999} {
		got := float16value(float16bits(v))
		if math.Abs(got-v) > 1e-3 {
			t.Errorf("float16(%v) = %v, error %v", v, got, math.Abs(got-v))
		}
	}
}

func TestFloat16Extremes(t *testing.T) {
	if got := float16value(float16bits(1e6)); !math.IsInf(got, 1) {
		t.Errorf("overflow should map to +Inf, got %v", got)
	}
	if got := float16value(float16bits(-1e6)); !math.IsInf(got, -1) {
		t.Errorf("negative overflow should map to -Inf, got %v", got)
	}
	if got := float16value(float16bits(math.NaN())); !math.IsNaN(got) {
		t.Errorf("NaN should survive, got %v", got)
	}
	if got := float16value(float16bits(1e-10)); got != 0 {
		t.Errorf("underflow should map to zero, got %v", got)
	}
	// Subnormal range survives with reduced precision.
	if got := float16value(float16bits(6e-5)); math.Abs(got-6e-5) > 1e-6 {
		t.Errorf("subnormal 6e-5 = %v", got)
	}
}

func TestDTypeParseRoundtrip(t *testing.T) {
	for _, d := range []DType{Float16, Float32, Float64, Bool} {
		got, err := ParseDType(d.String())
		if err != nil {
			t.Fatalf("ParseDType(%s): %v", d, err)
		}
		if got != d {
			t.Errorf("ParseDType(%s) = %v", d, got)
		}
	}
	if _, err := ParseDType("int32"); err == nil {
		t.Error("ParseDType should reject unknown names")
	}
}
