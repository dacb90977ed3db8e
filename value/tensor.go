package value

import (
	"errors"
	"fmt"
	"math"
)

// DType names the element type a tensor carries. Elements are always held as
// float64 on the host side; the dtype is preserved across the boundary.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int64   DType = "int64"
)

var errShape = errors.New("tensor shape does not match data length")

// Tensor is an opaque dense numeric array.
type Tensor struct {
	DType DType
	Shape []int
	Data  []float64
}

// NewTensor validates that len(data) matches the product of shape.
func NewTensor(dtype DType, shape []int, data []float64) (*Tensor, error) {
	switch dtype {
	case Float32, Float64, Int64:
	default:
		return nil, fmt.Errorf("%w: dtype %q", ErrUnrepresentable, dtype)
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension %d", errShape, d)
		}
		if d != 0 && n > math.MaxInt/d {
			return nil, fmt.Errorf("%w: shape %v overflows the element count", errShape, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, got %d", errShape, shape, n, len(data))
	}
	return &Tensor{
		DType: dtype,
		Shape: append([]int(nil), shape...),
		Data:  append([]float64(nil), data...),
	}, nil
}

// Ones returns a float32 tensor of the given shape filled with 1.
func Ones(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = 1
	}
	return &Tensor{DType: Float32, Shape: append([]int(nil), shape...), Data: data}
}

// Numel is the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		DType: t.DType,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

func (t *Tensor) sameShape(o *Tensor) bool {
	if t.DType != o.DType || len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Equal reports exact element-wise equality.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.sameShape(o) {
		return false
	}
	for i := range t.Data {
		a, b := t.Data[i], o.Data[i]
		if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
			return false
		}
	}
	return true
}

// AllClose reports |a-b| <= atol + rtol*|b| for every element pair.
func (t *Tensor) AllClose(o *Tensor, rtol, atol float64) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.sameShape(o) {
		return false
	}
	for i := range t.Data {
		a, b := t.Data[i], o.Data[i]
		if math.Abs(a-b) > atol+rtol*math.Abs(b) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	if t == nil {
		return "tensor(nil)"
	}
	return fmt.Sprintf("tensor(%s, %v)", t.DType, t.Shape)
}
