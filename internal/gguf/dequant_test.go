package gguf

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestFloat16Conversion(t *testing.T) {
	tests := []struct {
		name string
		bits uint16
		want float32
	}{
		{"one", 0x3C00, 1},
		{"minus two", 0xC000, -2},
		{"half", 0x3800, 0.5},
		{"max", 0x7BFF, 65504},
		{"smallest subnormal", 0x0001, float32(math.Ldexp(1, -24))},
		{"zero", 0x0000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Float16ToFloat32(tt.bits); got != tt.want {
				t.Errorf("Float16ToFloat32(%#04x) = %v, want %v", tt.bits, got, tt.want)
			}
			if got := Float32ToFloat16(tt.want); got != tt.bits {
				t.Errorf("Float32ToFloat16(%v) = %#04x, want %#04x", tt.want, got, tt.bits)
			}
		})
	}

	if !math.IsInf(float64(Float16ToFloat32(0x7C00)), 1) {
		t.Error("0x7C00 should decode to +Inf")
	}
	if !math.IsNaN(float64(Float16ToFloat32(0x7E00))) {
		t.Error("0x7E00 should decode to NaN")
	}
	if Float32ToFloat16(1e6) != 0x7C00 {
		t.Error("overflow should saturate to +Inf")
	}
}

func TestDequantizeQ4K(t *testing.T) {
	block := make([]byte, blockBytesQ4K)
	binary.LittleEndian.PutUint16(block[0:], 0x3C00) // d = 1
	binary.LittleEndian.PutUint16(block[2:], 0x3800) // dmin = 0.5
	scales := block[4:16]
	for j := 0; j < 4; j++ {
		scales[j] = 1   // sc for sub-blocks 0..3
		scales[j+4] = 2 // min for sub-blocks 0..3
		scales[j+8] = 0x21
	}
	for i := 16; i < blockBytesQ4K; i++ {
		block[i] = 0x31 // low nibble 1, high nibble 3
	}

	out, err := DequantizeQ4K(block, BlockSizeQ4K)
	if err != nil {
		t.Fatal(err)
	}
	// sub-blocks 0..3: sc=1, m=2 -> 1*q - 1
	// sub-blocks 4..7: sc=1, m=2 -> 1*q - 1
	for chunk := 0; chunk < 4; chunk++ {
		for l := 0; l < 32; l++ {
			if got := out[chunk*64+l]; got != 0 {
				t.Fatalf("chunk %d low[%d] = %v, want 0", chunk, l, got)
			}
			if got := out[chunk*64+32+l]; got != 2 {
				t.Fatalf("chunk %d high[%d] = %v, want 2", chunk, l, got)
			}
		}
	}

	if _, err := DequantizeQ4K(block, 100); err == nil {
		t.Error("expected error for partial block")
	}
}

func TestDequantizeQ6K(t *testing.T) {
	block := make([]byte, blockBytesQ6K)
	for i := 192; i < 208; i++ {
		block[i] = 2
	}
	binary.LittleEndian.PutUint16(block[208:], 0x3800) // d = 0.5

	out, err := DequantizeQ6K(block, BlockSizeQ6K)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != -32 {
			t.Fatalf("out[%d] = %v, want -32", i, v)
		}
	}

	for i := 0; i < 192; i++ {
		block[i] = 0xFF
	}
	out, err = DequantizeQ6K(block, BlockSizeQ6K)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != 31 {
			t.Fatalf("out[%d] = %v, want 31", i, v)
		}
	}
}

func TestQuantizeQ8_0ZeroBlock(t *testing.T) {
	packed := QuantizeQ8_0(make([]float32, BlockSizeQ8_0))
	out, err := DequantizeQ8_0(packed, BlockSizeQ8_0)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want 0", i, v)
		}
	}
}

func TestFloat32sUnsupportedType(t *testing.T) {
	ti := &TensorInfo{Name: "x", Dimensions: []uint64{32}, Type: GGMLTypeQ4_0, Data: make([]byte, 18)}
	if _, err := ti.Float32s(); err == nil {
		t.Error("expected unsupported type error")
	}
}
