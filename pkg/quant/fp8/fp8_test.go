package fp8

import (
	"errors"
	"math"
	"testing"

	"github.com/ewof/aphrodite-engine/pkg/quant"
	"github.com/ewof/aphrodite-engine/pkg/tensor"
)

func TestEncodeDecodeExactValues(t *testing.T) {
	cases := []struct {
		v    float32
		bits uint8
	}{
		{0, 0x00},
		{1, 0x38},     // exp 7, mantissa 0
		{1.75, 0x3E},  // exp 7, mantissa 6
		{448, 0x7E},   // largest finite
		{-448, 0xFE},
		{0x1p-9, 0x01}, // smallest subnormal
	}
	for _, c := range cases {
		if got := Encode(c.v); got != c.bits {
			t.Fatalf("Encode(%v): got 0x%02X want 0x%02X", c.v, got, c.bits)
		}
		if got := Decode(c.bits); got != c.v {
			t.Fatalf("Decode(0x%02X): got %v want %v", c.bits, got, c.v)
		}
	}
}

func TestEncodeSaturatesWithoutInf(t *testing.T) {
	for _, v := range []float32{449, 1e6, float32(math.Inf(1))} {
		got := Decode(Encode(v))
		if got != MaxValue {
			t.Fatalf("Encode(%v) must saturate to %v, decoded %v", v, float32(MaxValue), got)
		}
	}
	if got := Decode(Encode(float32(math.Inf(-1)))); got != -MaxValue {
		t.Fatalf("negative overflow must saturate to %v, got %v", float32(-MaxValue), got)
	}
	if !math.IsNaN(float64(Decode(Encode(float32(math.NaN()))))) {
		t.Fatal("NaN must stay NaN")
	}
}

func TestEncodeRoundsToNearest(t *testing.T) {
	// Neighbors of 1.0: next code up is 1.125. 1.05 is closer to 1.
	if got := Decode(Encode(1.05)); got != 1 {
		t.Fatalf("1.05 must round to 1, got %v", got)
	}
	if got := Decode(Encode(1.1)); got != 1.125 {
		t.Fatalf("1.1 must round to 1.125, got %v", got)
	}
}

func TestRoundTripErrorBounded(t *testing.T) {
	// Relative error of E4M3 normals is at most 2^-4.
	for v := float32(0.01); v < 400; v *= 1.37 {
		got := Decode(Encode(v))
		rel := math.Abs(float64(got-v)) / float64(v)
		if rel > 1.0/16 {
			t.Fatalf("round-trip of %v gives %v, relative error %v", v, got, rel)
		}
	}
}

func TestStaticScaledQuant(t *testing.T) {
	input := tensor.NewMat(3, 8)
	tensor.FillRand(&input, 1)

	const scale = 1.0 / 256
	out := make([]uint8, 3*8)
	if err := StaticScaledQuant(out, &input, scale); err != nil {
		t.Fatal(err)
	}

	back := make([]float32, len(out))
	Dequant(back, out, scale)
	for i, v := range input.Data {
		rel := math.Abs(float64(back[i]-v)) / math.Max(math.Abs(float64(v)), 1e-3)
		if rel > 1.0/8 {
			t.Fatalf("element %d: %v round-trips to %v", i, v, back[i])
		}
	}
}

func TestDynamicScaledQuant(t *testing.T) {
	input := tensor.NewMat(2, 8)
	tensor.FillRand(&input, 2)
	input.Data[5] = 3.5 // absmax

	out := make([]uint8, 2*8)
	scale, err := DynamicScaledQuant(out, &input)
	if err != nil {
		t.Fatal(err)
	}
	if want := float32(3.5) / MaxValue; math.Abs(float64(scale-want)) > 1e-7 {
		t.Fatalf("scale %v, want %v", scale, want)
	}
	// The absmax element must land on the top code.
	if Decode(out[5]) != MaxValue {
		t.Fatalf("absmax element decodes to %v, want %v", Decode(out[5]), float32(MaxValue))
	}
}

func TestDynamicScaledQuantZeroInput(t *testing.T) {
	input := tensor.NewMat(2, 4)
	out := make([]uint8, 2*4)
	scale, err := DynamicScaledQuant(out, &input)
	if err != nil {
		t.Fatal(err)
	}
	if scale != 1 {
		t.Fatalf("all-zero input must get scale 1, got %v", scale)
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d is 0x%02X, want zero", i, b)
		}
	}
}

func TestQuantRejectsBadShapes(t *testing.T) {
	input := tensor.NewMat(2, 4)
	if err := StaticScaledQuant(make([]uint8, 7), &input, 1); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("short out must fail, got %v", err)
	}
	if err := StaticScaledQuant(make([]uint8, 8), &input, -1); !errors.Is(err, quant.ErrConfig) {
		t.Fatalf("negative scale must fail, got %v", err)
	}
	for _, scale := range []float32{float32(math.NaN()), float32(math.Inf(1))} {
		if err := StaticScaledQuant(make([]uint8, 8), &input, scale); !errors.Is(err, quant.ErrConfig) {
			t.Fatalf("scale %v must fail, got %v", scale, err)
		}
	}
}
