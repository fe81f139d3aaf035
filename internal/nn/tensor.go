package nn

import "fmt"

// Tensor is a dense float64 array with a row-major flat backing. The first
// dimension always indexes samples.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
	}
}

// Rank is the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Len is the number of samples.
func (t *Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// stride is the number of values per sample.
func (t *Tensor) stride() int {
	s := 1
	for _, d := range t.Shape[1:] {
		s *= d
	}
	return s
}

// Sample returns the backing values of sample i. The slice aliases Data.
func (t *Tensor) Sample(i int) []float64 {
	s := t.stride()
	return t.Data[i*s : (i+1)*s]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

func checkShape(x *Tensor, rank int) error {
	if x == nil {
		return fmt.Errorf("nil input tensor")
	}
	if x.Rank() != rank {
		return fmt.Errorf("input rank %d, want %d (shape %v)", x.Rank(), rank, x.Shape)
	}
	for i, d := range x.Shape {
		if d <= 0 {
			return fmt.Errorf("input dimension %d is %d (shape %v)", i, d, x.Shape)
		}
	}
	if len(x.Data) != x.Len()*x.stride() {
		return fmt.Errorf("input backing has %d values, shape %v needs %d", len(x.Data), x.Shape, x.Len()*x.stride())
	}
	return nil
}

func checkTargets(x *Tensor, y [][]float64) (int, error) {
	if len(y) != x.Len() {
		return 0, fmt.Errorf("%d targets for %d samples", len(y), x.Len())
	}
	width := len(y[0])
	if width == 0 {
		return 0, fmt.Errorf("empty target vector")
	}
	for i, row := range y {
		if len(row) != width {
			return 0, fmt.Errorf("target %d has %d values, want %d", i, len(row), width)
		}
	}
	return width, nil
}

func sameTail(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 1; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
