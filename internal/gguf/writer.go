package gguf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Writer assembles a GGUF v3 image. Keys and tensors are written in the
// order they were added.
type Writer struct {
	kv        bytes.Buffer
	kvCount   uint64
	tensors   []pendingTensor
	alignment uint64
	err       error
}

type pendingTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func NewWriter() *Writer {
	return &Writer{alignment: DefaultAlignment}
}

func (w *Writer) key(k string, typ GGUFMetadataValueType) {
	writeString(&w.kv, k)
	_ = binary.Write(&w.kv, binary.LittleEndian, uint32(typ))
	w.kvCount++
}

func (w *Writer) AddString(k, v string) {
	w.key(k, GGUFMetadataValueTypeString)
	writeString(&w.kv, v)
}

func (w *Writer) AddUint32(k string, v uint32) {
	w.key(k, GGUFMetadataValueTypeUint32)
	_ = binary.Write(&w.kv, binary.LittleEndian, v)
}

func (w *Writer) AddFloat32(k string, v float32) {
	w.key(k, GGUFMetadataValueTypeFloat32)
	_ = binary.Write(&w.kv, binary.LittleEndian, math.Float32bits(v))
}

func (w *Writer) AddStringArray(k string, vs []string) {
	w.key(k, GGUFMetadataValueTypeArray)
	_ = binary.Write(&w.kv, binary.LittleEndian, uint32(GGUFMetadataValueTypeString))
	_ = binary.Write(&w.kv, binary.LittleEndian, uint64(len(vs)))
	for _, v := range vs {
		writeString(&w.kv, v)
	}
}

// AddTensor stores values with the given type. dims are ne order
// (fastest-varying first), as in the file format.
func (w *Writer) AddTensor(name string, dims []uint64, typ GGMLType, values []float32) {
	if w.err != nil {
		return
	}
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	if n != uint64(len(values)) {
		w.err = fmt.Errorf("tensor %s: dims %v hold %d values, got %d", name, dims, n, len(values))
		return
	}

	var buf []byte
	switch typ {
	case GGMLTypeF32:
		buf = make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	case GGMLTypeF16:
		buf = make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[i*2:], Float32ToFloat16(v))
		}
	case GGMLTypeQ8_0:
		if len(values)%BlockSizeQ8_0 != 0 {
			w.err = fmt.Errorf("tensor %s: %d values is not a multiple of %d", name, len(values), BlockSizeQ8_0)
			return
		}
		buf = QuantizeQ8_0(values)
	default:
		w.err = ErrUnsupportedType{Tensor: name, Type: typ}
		return
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, dims: dims, typ: typ, data: buf})
}

// QuantizeQ8_0 packs values into Q8_0 blocks with per-block absmax scaling.
func QuantizeQ8_0(values []float32) []byte {
	blocks := len(values) / BlockSizeQ8_0
	out := make([]byte, blocks*BlockBytesQ8_0)
	for b := 0; b < blocks; b++ {
		src := values[b*BlockSizeQ8_0 : (b+1)*BlockSizeQ8_0]
		var amax float32
		for _, v := range src {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		var inv float32
		if d != 0 {
			inv = 1 / d
		}
		dst := out[b*BlockBytesQ8_0:]
		binary.LittleEndian.PutUint16(dst, Float32ToFloat16(d))
		for i, v := range src {
			dst[2+i] = byte(int8(math.Round(float64(v * inv))))
		}
	}
	return out
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	var head bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&head, le, uint32(GGUFMagic))
	_ = binary.Write(&head, le, uint32(GGUFVersion))
	_ = binary.Write(&head, le, uint64(len(w.tensors)))
	_ = binary.Write(&head, le, w.kvCount)
	head.Write(w.kv.Bytes())

	offset := uint64(0)
	offsets := make([]uint64, len(w.tensors))
	for i, t := range w.tensors {
		offsets[i] = offset
		writeString(&head, t.name)
		_ = binary.Write(&head, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(&head, le, d)
		}
		_ = binary.Write(&head, le, uint32(t.typ))
		_ = binary.Write(&head, le, offset)
		offset = alignUp(offset+uint64(len(t.data)), w.alignment)
	}
	head.Write(make([]byte, alignUp(uint64(head.Len()), w.alignment)-uint64(head.Len())))

	n, err := out.Write(head.Bytes())
	total := int64(n)
	if err != nil {
		return total, err
	}
	for i, t := range w.tensors {
		pad := offsets[i] + uint64(len(t.data))
		n, err = out.Write(t.data)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if i < len(w.tensors)-1 {
			n, err = out.Write(make([]byte, alignUp(pad, w.alignment)-pad))
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}
