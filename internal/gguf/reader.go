package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/quarrel-patch/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
// Tensor data stays in the mapping until Close.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.unmap = syscall.Munmap
	return file, nil
}

// Parse reads a GGUF image that is already in memory.
func Parse(data []byte) (*GGUFFile, error) {
	r := &cursor{data: data}
	file := &GGUFFile{
		Data:   data,
		KV:     make(map[string]interface{}),
		byName: make(map[string]*TensorInfo),
	}

	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}
	file.Header.Magic = r.u32()
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	file.Header.Version = r.u32()
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	file.Header.TensorCount = r.u64()
	file.Header.KVCount = r.u64()

	logger.Log.Debug("GGUF header", "version", file.Header.Version, "tensors", file.Header.TensorCount, "kv", file.Header.KVCount)

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key := r.str()
		typ := GGUFMetadataValueType(r.u32())
		val := r.value(typ)
		if r.err != nil {
			return nil, fmt.Errorf("kv %d (%q): %w", i, key, r.err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name := r.str()
		nDims := r.u32()
		if r.err == nil && nDims > 4 {
			return nil, fmt.Errorf("tensor %q: %d dimensions", name, nDims)
		}
		dims := make([]uint64, nDims)
		for j := range dims {
			dims[j] = r.u64()
		}
		typ := GGMLType(r.u32())
		off := r.u64()
		if r.err != nil {
			return nil, fmt.Errorf("tensor info %d: %w", i, r.err)
		}
		t := &TensorInfo{Name: name, Dimensions: dims, Type: typ, Offset: off}
		file.Tensors = append(file.Tensors, t)
		file.byName[name] = t
	}

	alignment := uint64(getKVInt(file.KV, "general.alignment"))
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	file.DataOffset = alignUp(r.off, alignment)

	for _, t := range file.Tensors {
		start := file.DataOffset + t.Offset
		end := start + t.SizeBytes()
		if start > uint64(len(data)) || end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d,%d) out of bounds (%d bytes)", t.Name, start, end, len(data))
		}
		t.Data = data[start:end]
	}

	return file, nil
}

func (f *GGUFFile) Close() error {
	if f.unmap == nil {
		return nil
	}
	unmap := f.unmap
	f.unmap = nil
	return unmap(f.Data)
}

func alignUp(off, alignment uint64) uint64 {
	if rem := off % alignment; rem != 0 {
		return off + alignment - rem
	}
	return off
}

// cursor is a bounds-checked little-endian reader. The first short read
// sets err and every later read returns zero values.
type cursor struct {
	data []byte
	off  uint64
	err  error
}

func (c *cursor) take(n uint64) []byte {
	if c.err != nil {
		return nil
	}
	if c.off+n > uint64(len(c.data)) || c.off+n < c.off {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) str() string {
	n := c.u64()
	return string(c.take(n))
}

func (c *cursor) value(typ GGUFMetadataValueType) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return c.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(c.u8())
	case GGUFMetadataValueTypeUint16:
		return c.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(c.u16())
	case GGUFMetadataValueTypeUint32:
		return c.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(c.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(c.u32())
	case GGUFMetadataValueTypeBool:
		return c.u8() != 0
	case GGUFMetadataValueTypeString:
		return c.str()
	case GGUFMetadataValueTypeUint64:
		return c.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(c.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(c.u64())
	case GGUFMetadataValueTypeArray:
		elemType := GGUFMetadataValueType(c.u32())
		n := c.u64()
		if c.err != nil {
			return nil
		}
		if n > uint64(len(c.data)) {
			c.err = fmt.Errorf("array length %d exceeds file size", n)
			return nil
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n && c.err == nil; i++ {
			arr = append(arr, c.value(elemType))
		}
		return arr
	default:
		if c.err == nil {
			c.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}
