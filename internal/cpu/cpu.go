package cpu

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Data  []float32
	Shape []int
}

func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Data: make([]float32, n), Shape: append([]int(nil), shape...)}
}

// FromSlice wraps data without copying.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Data: append([]float32(nil), t.Data...), Shape: append([]int(nil), t.Shape...)}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if t == nil || o == nil || len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Row returns row i of a tensor viewed as [Shape[0], rest].
func (t *Tensor) Row(i int) []float32 {
	w := len(t.Data) / t.Shape[0]
	return t.Data[i*w : (i+1)*w]
}

// parallelFor splits [0,n) into contiguous chunks, one goroutine each.
func parallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	parallelism := runtime.NumCPU()
	if parallelism > n {
		parallelism = n
	}
	if parallelism <= 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(i, end)
	}
	wg.Wait()
}

// Linear computes out[r][o] = bias[o] + sum_i in[r][i] * w[o][i].
// w is stored as outDim rows of inDim values. bias may be nil.
func Linear(in []float32, rows, inDim int, w, bias []float32, outDim int, out []float32) {
	parallelFor(outDim, func(start, end int) {
		for o := start; o < end; o++ {
			wRow := w[o*inDim : (o+1)*inDim]
			var b float32
			if bias != nil {
				b = bias[o]
			}
			for r := 0; r < rows; r++ {
				x := in[r*inDim : (r+1)*inDim]
				var sum float32
				for i, v := range x {
					sum += v * wRow[i]
				}
				out[r*outDim+o] = sum + b
			}
		}
	})
}

// LayerNorm normalizes each row to zero mean and unit variance, then
// applies the affine weight and bias.
func LayerNorm(in, out []float32, rows, cols int, weight, bias []float32, eps float32) {
	for r := 0; r < rows; r++ {
		x := in[r*cols : (r+1)*cols]
		y := out[r*cols : (r+1)*cols]
		var mean float64
		for _, v := range x {
			mean += float64(v)
		}
		mean /= float64(cols)
		var variance float64
		for _, v := range x {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range x {
			y[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
		}
	}
}

// GeLU applies the tanh approximation used by GPT-2, in place.
func GeLU(x []float32) {
	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Tanh(c*(f+0.044715*f*f*f))))
	}
}

func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Softmax normalizes x in place. The max is subtracted first so large
// logits do not overflow.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i := range x {
		e := math.Exp(float64(x[i] - max))
		x[i] = float32(e)
		sum += e
	}
	if sum > 0 {
		inv := float32(1 / sum)
		for i := range x {
			x[i] *= inv
		}
	}
}

// SoftmaxF64 returns a float64 distribution over logits.
func SoftmaxF64(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	max := float64(logits[0])
	for _, v := range logits {
		if float64(v) > max {
			max = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// CausalAttention runs scaled dot-product attention for n positions.
// q, k, v and z are [n][heads][headDim]; pattern is [heads][n][n] and
// holds the post-softmax weights (zero above the diagonal).
func CausalAttention(q, k, v []float32, n, heads, headDim int, pattern, z []float32) {
	AttentionPattern(q, k, n, heads, headDim, pattern)
	AttentionMix(pattern, v, n, heads, headDim, z)
}

// AttentionPattern fills pattern with causal softmax(q·k/sqrt(headDim)).
func AttentionPattern(q, k []float32, n, heads, headDim int, pattern []float32) {
	dim := heads * headDim
	scale := float32(1 / math.Sqrt(float64(headDim)))

	parallelFor(heads, func(start, end int) {
		for h := start; h < end; h++ {
			for i := 0; i < n; i++ {
				row := pattern[(h*n+i)*n : (h*n+i+1)*n]
				qi := q[i*dim+h*headDim : i*dim+(h+1)*headDim]
				for j := 0; j < n; j++ {
					if j > i {
						row[j] = 0
						continue
					}
					kj := k[j*dim+h*headDim : j*dim+(h+1)*headDim]
					var s float32
					for d := range qi {
						s += qi[d] * kj[d]
					}
					row[j] = s * scale
				}
				Softmax(row[:i+1])
			}
		}
	})
}

// AttentionMix writes z[i][h] = sum_j pattern[h][i][j] * v[j][h].
func AttentionMix(pattern, v []float32, n, heads, headDim int, z []float32) {
	dim := heads * headDim

	parallelFor(heads, func(start, end int) {
		for h := start; h < end; h++ {
			for i := 0; i < n; i++ {
				row := pattern[(h*n+i)*n : (h*n+i+1)*n]
				zi := z[i*dim+h*headDim : i*dim+(h+1)*headDim]
				for d := range zi {
					zi[d] = 0
				}
				for j, p := range row {
					if p == 0 {
						continue
					}
					vj := v[j*dim+h*headDim : j*dim+(h+1)*headDim]
					for d := range zi {
						zi[d] += p * vj[d]
					}
				}
			}
		}
	})
}

// Stats summarizes a buffer, skipping NaN and Inf values.
type Stats struct {
	Max, Min, Mean, RMS float32
	NaN, Inf            int
}

func Summarize(x []float32) Stats {
	s := Stats{Max: float32(math.Inf(-1)), Min: float32(math.Inf(1))}
	var sum, sumSq float64
	finite := 0
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) {
			s.NaN++
			continue
		}
		if math.IsInf(f, 0) {
			s.Inf++
			continue
		}
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
		sum += f
		sumSq += f * f
		finite++
	}
	if finite == 0 {
		return Stats{NaN: s.NaN, Inf: s.Inf}
	}
	s.Mean = float32(sum / float64(finite))
	s.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	return s
}
