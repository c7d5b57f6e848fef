package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	BlockSizeQ4K  = 256
	BlockSizeQ6K  = 256
	blockBytesQ4K = 144
	blockBytesQ6K = 210
)

// Float32s decodes the tensor into a fresh float32 slice in ne order.
func (t *TensorInfo) Float32s() ([]float32, error) {
	n := int(t.NumElements())
	need := int(t.SizeBytes())
	if need == 0 {
		return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}
	if len(t.Data) < need {
		return nil, fmt.Errorf("tensor %s: have %d bytes, need %d", t.Name, len(t.Data), need)
	}
	data := t.Data[:need]

	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return out, nil
	case GGMLTypeQ8_0:
		return DequantizeQ8_0(data, n)
	case GGMLTypeQ4_K:
		return DequantizeQ4K(data, n)
	case GGMLTypeQ6_K:
		return DequantizeQ6K(data, n)
	default:
		return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}
}

// DequantizeQ8_0 expands blocks of {f16 d, int8 qs[32]}.
func DequantizeQ8_0(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ8_0 != 0 {
		return nil, fmt.Errorf("q8_0: %d elements is not a multiple of %d", numElements, BlockSizeQ8_0)
	}
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQ8_0; b++ {
		block := data[b*BlockBytesQ8_0 : (b+1)*BlockBytesQ8_0]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block))
		for i, q := range block[2:] {
			out[b*BlockSizeQ8_0+i] = d * float32(int8(q))
		}
	}
	return out, nil
}

// DequantizeQ4K expands super-blocks of 256 weights:
// d (f16), dmin (f16), 12 bytes of packed 6-bit scales/mins, 128 bytes of nibbles.
func DequantizeQ4K(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ4K != 0 {
		return nil, fmt.Errorf("q4_k: %d elements is not a multiple of %d", numElements, BlockSizeQ4K)
	}
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQ4K; b++ {
		block := data[b*blockBytesQ4K : (b+1)*blockBytesQ4K]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:]))
		dmin := Float16ToFloat32(binary.LittleEndian.Uint16(block[2:]))
		scales := block[4:16]
		qs := block[16:]
		y := out[b*BlockSizeQ4K:]

		for chunk := 0; chunk < 4; chunk++ {
			sc1, m1 := scaleMinK4(2*chunk, scales)
			sc2, m2 := scaleMinK4(2*chunk+1, scales)
			d1, min1 := d*float32(sc1), dmin*float32(m1)
			d2, min2 := d*float32(sc2), dmin*float32(m2)
			q := qs[chunk*32 : chunk*32+32]
			base := chunk * 64
			for l := 0; l < 32; l++ {
				y[base+l] = d1*float32(q[l]&0x0F) - min1
				y[base+32+l] = d2*float32(q[l]>>4) - min2
			}
		}
	}
	return out, nil
}

func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	return (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4), (q[j+4] >> 4) | ((q[j] >> 6) << 4)
}

// DequantizeQ6K expands super-blocks of 256 weights:
// ql[128] low nibbles, qh[64] high bit pairs, int8 scales[16], d (f16).
func DequantizeQ6K(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ6K != 0 {
		return nil, fmt.Errorf("q6_k: %d elements is not a multiple of %d", numElements, BlockSizeQ6K)
	}
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQ6K; b++ {
		block := data[b*blockBytesQ6K : (b+1)*blockBytesQ6K]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[208:]))

		for half := 0; half < 2; half++ {
			ql := block[half*64 : half*64+64]
			qh := block[128+half*32 : 128+half*32+32]
			sc := block[192+half*8 : 192+half*8+8]
			y := out[b*BlockSizeQ6K+half*128:]
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
				q2 := int8((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
				q3 := int8((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
				q4 := int8((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
				y[l] = d * float32(int8(sc[is])) * float32(q1)
				y[l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
		}
	}
	return out, nil
}

// Float16ToFloat32 converts IEEE 754 half precision bits.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	frac := uint32(h & 0x03FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: frac * 2^-24
		v := float32(frac) * float32(math.Ldexp(1, -24))
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

// Float32ToFloat16 rounds to nearest even half precision.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xFF) - 127 + 15
	frac := bits & 0x7FFFFF

	switch {
	case bits&0x7FFFFFFF == 0:
		return sign
	case bits>>23&0xFF == 0xFF:
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(frac >> shift)
		rem := frac & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | half
	}

	half := sign | uint16(exp)<<10 | uint16(frac>>13)
	rem := frac & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}
	return half
}
