package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	tensor, err := NewTensor([]int{2, 3, 4}, Float32, CPU, nil)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}

	if tensor.NumElems != 24 {
		t.Errorf("Expected 24 elements, got %d", tensor.NumElems)
	}

	expectedStrides := []int{12, 4, 1}
	if !reflect.DeepEqual(tensor.Strides, expectedStrides) {
		t.Errorf("Expected strides %v, got %v", expectedStrides, tensor.Strides)
	}

	if _, err := NewTensor([]int{2, 0}, Float32, CPU, nil); err == nil {
		t.Error("Expected error for zero dimension")
	}

	if _, err := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3}); err == nil {
		t.Error("Expected error for data length mismatch")
	}
}

func TestCreationHelpers(t *testing.T) {
	ones, err := Ones([]int{2, 2}, Float32, CPU)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	if !reflect.DeepEqual(ones.Data.([]float32), []float32{1, 1, 1, 1}) {
		t.Errorf("Unexpected Ones data %v", ones.Data)
	}

	hot, err := OneHot([]int{1, 4}, 2)
	if err != nil {
		t.Fatalf("OneHot failed: %v", err)
	}
	if !reflect.DeepEqual(hot.Data.([]float32), []float32{0, 0, 1, 0}) {
		t.Errorf("Unexpected OneHot data %v", hot.Data)
	}

	if _, err := OneHot([]int{1, 4}, 4); err == nil {
		t.Error("Expected error for out of range one-hot index")
	}
}

func TestReshape(t *testing.T) {
	a, _ := NewTensor([]int{2, 6}, Float32, CPU, make([]float32, 12))

	b, err := a.Reshape([]int{3, -1})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !reflect.DeepEqual(b.Shape, []int{3, 4}) {
		t.Errorf("Expected shape [3 4], got %v", b.Shape)
	}

	// Reshape shares storage
	b.Data.([]float32)[5] = 7
	if a.Data.([]float32)[5] != 7 {
		t.Error("Reshape should share the underlying data")
	}

	if _, err := a.Reshape([]int{5, 2}); err == nil {
		t.Error("Expected error for incompatible reshape")
	}
	if _, err := a.Reshape([]int{-1, -1}); err == nil {
		t.Error("Expected error for two inferred dimensions")
	}
}

func TestAtSetAt(t *testing.T) {
	a, _ := Zeros([]int{2, 3}, Float32, CPU)
	if err := a.SetAt(5, 1, 2); err != nil {
		t.Fatalf("SetAt failed: %v", err)
	}
	v, err := a.At(1, 2)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if v != 5 {
		t.Errorf("Expected 5, got %f", v)
	}
	if a.Data.([]float32)[5] != 5 {
		t.Error("SetAt wrote to the wrong position")
	}
	if _, err := a.At(2, 0); err == nil {
		t.Error("Expected out of bounds error")
	}
}

func TestElementwise(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{-2, -0.5, 0, 3})
	b, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 4})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !reflect.DeepEqual(sum.Data.([]float32), []float32{-1, 1.5, 3, 7}) {
		t.Errorf("Unexpected Add result %v", sum.Data)
	}

	relu, err := ReLU(a)
	if err != nil {
		t.Fatalf("ReLU failed: %v", err)
	}
	if !reflect.DeepEqual(relu.Data.([]float32), []float32{0, 0, 0, 3}) {
		t.Errorf("Unexpected ReLU result %v", relu.Data)
	}

	scaled, _ := Scale(b, 0.5)
	if !reflect.DeepEqual(scaled.Data.([]float32), []float32{0.5, 1, 1.5, 2}) {
		t.Errorf("Unexpected Scale result %v", scaled.Data)
	}

	c, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	if _, err := Add(a, c); err == nil {
		t.Error("Expected shape mismatch error")
	}

	zero, _ := Zeros([]int{4}, Float32, CPU)
	if _, err := Div(a, zero); err == nil {
		t.Error("Expected division by zero error")
	}
}

func TestSumAndMean(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	s0, err := Sum(a, 0, false)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if !reflect.DeepEqual(s0.Shape, []int{3}) || !reflect.DeepEqual(s0.Data.([]float32), []float32{5, 7, 9}) {
		t.Errorf("Unexpected Sum(dim=0): shape %v data %v", s0.Shape, s0.Data)
	}

	s1, err := Sum(a, 1, true)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if !reflect.DeepEqual(s1.Shape, []int{2, 1}) || !reflect.DeepEqual(s1.Data.([]float32), []float32{6, 15}) {
		t.Errorf("Unexpected Sum(dim=1, keepDim): shape %v data %v", s1.Shape, s1.Data)
	}

	// Spatial mean of a [1, 2, 2, 2] map, the shape Grad-CAM weights use
	m, _ := NewTensor([]int{1, 2, 2, 2}, Float32, CPU, []float32{1, 2, 3, 4, 10, 20, 30, 40})
	mean, err := Mean(m, []int{-1, -2}, true)
	if err != nil {
		t.Fatalf("Mean failed: %v", err)
	}
	if !reflect.DeepEqual(mean.Shape, []int{1, 2, 1, 1}) {
		t.Errorf("Expected shape [1 2 1 1], got %v", mean.Shape)
	}
	if !reflect.DeepEqual(mean.Data.([]float32), []float32{2.5, 25}) {
		t.Errorf("Unexpected mean %v", mean.Data)
	}

	if _, err := Sum(a, 2, false); err == nil {
		t.Error("Expected out of range dim error")
	}
}

func TestSoftmaxAndArgMax(t *testing.T) {
	logits, _ := NewTensor([]int{1, 3}, Float32, CPU, []float32{0, float32(math.Log(2)), 0})
	probs, err := Softmax(logits)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}

	expected := []float32{0.25, 0.5, 0.25}
	for i, p := range probs.Data.([]float32) {
		if math.Abs(float64(p-expected[i])) > 1e-6 {
			t.Errorf("Softmax[%d] = %f, expected %f", i, p, expected[i])
		}
	}

	idx, err := ArgMax(probs)
	if err != nil {
		t.Fatalf("ArgMax failed: %v", err)
	}
	if idx != 1 {
		t.Errorf("Expected argmax 1, got %d", idx)
	}

	order := ArgSortDescending([]float32{0.1, 0.7, 0.1, 0.05, 0.7})
	if !reflect.DeepEqual(order, []int{1, 4, 0, 2, 3}) {
		t.Errorf("Unexpected descending order %v", order)
	}

	min, max, err := MinMax(logits)
	if err != nil {
		t.Fatalf("MinMax failed: %v", err)
	}
	if min != 0 || math.Abs(float64(max)-math.Log(2)) > 1e-6 {
		t.Errorf("Unexpected MinMax (%f, %f)", min, max)
	}
}

func TestBroadcastTensor(t *testing.T) {
	w, _ := NewTensor([]int{1, 2, 1, 1}, Float32, CPU, []float32{3, 5})
	b, err := BroadcastTensor(w, []int{1, 2, 2, 2})
	if err != nil {
		t.Fatalf("BroadcastTensor failed: %v", err)
	}
	expected := []float32{3, 3, 3, 3, 5, 5, 5, 5}
	if !reflect.DeepEqual(b.Data.([]float32), expected) {
		t.Errorf("Expected %v, got %v", expected, b.Data)
	}

	if _, err := BroadcastTensor(w, []int{1, 3, 2, 2}); err == nil {
		t.Error("Expected error for incompatible broadcast")
	}

	shape, err := BroadcastShapes([]int{4, 1}, []int{3})
	if err != nil || !reflect.DeepEqual(shape, []int{4, 3}) {
		t.Errorf("Expected [4 3], got %v (err %v)", shape, err)
	}
}

func TestMatMulAndTranspose(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{7, 8, 9, 10, 11, 12})

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	if !reflect.DeepEqual(c.Data.([]float32), []float32{58, 64, 139, 154}) {
		t.Errorf("Unexpected MatMul result %v", c.Data)
	}

	at, err := Transpose(a, 0, 1)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if !reflect.DeepEqual(at.Shape, []int{3, 2}) || !reflect.DeepEqual(at.Data.([]float32), []float32{1, 4, 2, 5, 3, 6}) {
		t.Errorf("Unexpected transpose: shape %v data %v", at.Shape, at.Data)
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("Expected dimension mismatch error")
	}
}

func TestWorkers(t *testing.T) {
	prev := Workers()
	defer SetWorkers(prev)

	SetWorkers(0)
	if Workers() != 1 {
		t.Errorf("Expected workers clamped to 1, got %d", Workers())
	}

	SetWorkers(3)
	seen := make([]int, 10)
	if err := parallelFor(10, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			seen[i]++
		}
	}); err != nil {
		t.Fatalf("parallelFor failed: %v", err)
	}
	for i, n := range seen {
		if n != 1 {
			t.Errorf("Index %d visited %d times", i, n)
		}
	}
}

func TestUnaryMath(t *testing.T) {
	x, _ := NewTensor([]int{3}, Float32, CPU, []float32{-1, 0, 2})

	tests := []struct {
		name string
		fn   func(*Tensor) (*Tensor, error)
		ref  func(float64) float64
	}{
		{"Sigmoid", Sigmoid, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }},
		{"Exp", Exp, math.Exp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.fn(x)
			if err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			for i, v := range x.Data.([]float32) {
				want := tt.ref(float64(v))
				if got := float64(out.Data.([]float32)[i]); math.Abs(got-want) > 1e-6*math.Max(1, want) {
					t.Errorf("%s(%v) = %v, want %v", tt.name, v, got, want)
				}
			}
		})
	}
}

func TestRandom(t *testing.T) {
	a, err := Random([]int{4, 5}, rand.New(rand.NewSource(3)), CPU)
	if err != nil {
		t.Fatalf("Random failed: %v", err)
	}
	for i, v := range a.Data.([]float32) {
		if v < 0 || v >= 1 {
			t.Errorf("value %d = %v outside [0, 1)", i, v)
		}
	}

	b, _ := Random([]int{4, 5}, rand.New(rand.NewSource(3)), CPU)
	if eq, _ := a.Equal(b); !eq {
		t.Error("Random should be deterministic for a seed")
	}

	if _, err := Random([]int{0}, rand.New(rand.NewSource(3)), CPU); err == nil {
		t.Error("Expected error for zero dimension")
	}
}

func TestItem(t *testing.T) {
	one, _ := NewTensor([]int{1, 1}, Float32, CPU, []float32{2.5})
	v, err := one.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if v != 2.5 {
		t.Errorf("Expected 2.5, got %v", v)
	}

	two, _ := Zeros([]int{2}, Float32, CPU)
	if _, err := two.Item(); err == nil {
		t.Error("Expected error for a tensor with two elements")
	}
}
