package nn

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.KernelSize != 2 {
		t.Errorf("KernelSize = %d, want 2", cfg.KernelSize)
	}
	if cfg.Epochs != 50 {
		t.Errorf("Epochs = %d, want 50", cfg.Epochs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero filters", func(c *Config) { c.Filters = 0 }},
		{"zero kernel", func(c *Config) { c.KernelSize = 0 }},
		{"zero hidden", func(c *Config) { c.Hidden = 0 }},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"negative learning rate", func(c *Config) { c.LearningRate = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

// toyData returns inputs in [0, 1] and targets that are a fixed linear
// mix of them.
func toyData(n int, shape ...int) (*Tensor, [][]float64) {
	rng := rand.New(rand.NewSource(7))
	x := NewTensor(append([]int{n}, shape...)...)
	for i := range x.Data {
		x.Data[i] = rng.Float64()
	}
	y := make([][]float64, n)
	for i := range y {
		s := x.Sample(i)
		y[i] = []float64{s[0], 0.5*s[len(s)-1] + 0.25, (s[0] + s[len(s)-1]) / 2}
	}
	return x, y
}

func mse(pred, y [][]float64) float64 {
	var sum float64
	var n int
	for i := range y {
		for j := range y[i] {
			d := pred[i][j] - y[i][j]
			sum += d * d
			n++
		}
	}
	return sum / float64(n)
}

func TestFit_ReducesError(t *testing.T) {
	tests := []struct {
		name  string
		new   func(Config) Regressor
		shape []int
	}{
		{"cnn", NewCNN, []int{10, 1}},
		{"lstm", NewLSTM, []int{1, 10}},
		{"cnn-lstm", NewCNNLSTM, []int{1, 10, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := toyData(20, tt.shape...)

			short := DefaultConfig()
			short.Epochs = 1
			base := tt.new(short)
			if err := base.Fit(context.Background(), x, y); err != nil {
				t.Fatalf("Fit(epochs=1): %v", err)
			}
			basePred, err := base.Predict(x)
			if err != nil {
				t.Fatalf("Predict: %v", err)
			}

			long := DefaultConfig()
			long.Epochs = 200
			trained := tt.new(long)
			if err := trained.Fit(context.Background(), x, y); err != nil {
				t.Fatalf("Fit(epochs=200): %v", err)
			}
			pred, err := trained.Predict(x)
			if err != nil {
				t.Fatalf("Predict: %v", err)
			}

			if len(pred) != 20 || len(pred[0]) != 3 {
				t.Fatalf("Predict shape = %dx%d, want 20x3", len(pred), len(pred[0]))
			}
			if got, before := mse(pred, y), mse(basePred, y); got >= before {
				t.Errorf("mse after 200 epochs = %v, not below 1 epoch %v", got, before)
			}
		})
	}
}

func TestFit_Deterministic(t *testing.T) {
	x, y := toyData(8, 1, 10)
	cfg := DefaultConfig()
	cfg.Epochs = 5

	a, b := NewLSTM(cfg), NewLSTM(cfg)
	if err := a.Fit(context.Background(), x, y); err != nil {
		t.Fatal(err)
	}
	if err := b.Fit(context.Background(), x, y); err != nil {
		t.Fatal(err)
	}
	pa, _ := a.Predict(x)
	pb, _ := b.Predict(x)
	for i := range pa {
		for j := range pa[i] {
			if pa[i][j] != pb[i][j] {
				t.Fatalf("prediction[%d][%d] differs: %v vs %v", i, j, pa[i][j], pb[i][j])
			}
		}
	}
}

func TestPredict_NotFitted(t *testing.T) {
	x, _ := toyData(2, 10, 1)
	if _, err := NewCNN(DefaultConfig()).Predict(x); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Predict before Fit = %v, want ErrNotFitted", err)
	}
}

func TestFit_ShapeErrors(t *testing.T) {
	x3, y := toyData(4, 10, 1)
	x4, _ := toyData(4, 1, 10, 1)

	if err := NewCNN(DefaultConfig()).Fit(context.Background(), x4, y); err == nil {
		t.Error("CNN.Fit with rank-4 input = nil, want error")
	}
	if err := NewCNNLSTM(DefaultConfig()).Fit(context.Background(), x3, y); err == nil {
		t.Error("CNNLSTM.Fit with rank-3 input = nil, want error")
	}
	if err := NewLSTM(DefaultConfig()).Fit(context.Background(), x3, y[:2]); err == nil {
		t.Error("Fit with fewer targets than samples = nil, want error")
	}

	cfg := DefaultConfig()
	cfg.Epochs = 1
	m := NewCNN(cfg)
	if err := m.Fit(context.Background(), x3, y); err != nil {
		t.Fatal(err)
	}
	other, _ := toyData(4, 12, 1)
	if _, err := m.Predict(other); err == nil {
		t.Error("Predict with different feature length = nil, want error")
	}
}

func TestFit_Cancelled(t *testing.T) {
	x, y := toyData(4, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewCNN(DefaultConfig()).Fit(ctx, x, y); !errors.Is(err, context.Canceled) {
		t.Errorf("Fit with cancelled context = %v, want context.Canceled", err)
	}
}

func TestKernelClampedToLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KernelSize = 5
	cfg.Epochs = 1
	x, y := toyData(3, 2, 1)
	m := NewCNN(cfg)
	if err := m.Fit(context.Background(), x, y); err != nil {
		t.Fatalf("Fit with kernel longer than input: %v", err)
	}
}

func TestChannelsFirst(t *testing.T) {
	// 2 steps × 3 positions × 2 channels, value = 100*step + 10*pos + channel
	var in []float64
	for st := 0; st < 2; st++ {
		for l := 0; l < 3; l++ {
			for c := 0; c < 2; c++ {
				in = append(in, float64(100*st+10*l+c))
			}
		}
	}
	want := []float64{
		0, 10, 20, 1, 11, 21,
		100, 110, 120, 101, 111, 121,
	}
	got := channelsFirst(in, 2, 3, 2)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channelsFirst = %v, want %v", got, want)
		}
	}
}

func TestFit_Refit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epochs = 2
	m := NewCNNLSTM(cfg)
	x, y := toyData(5, 2, 10, 1)
	for i := 0; i < 2; i++ {
		if err := m.Fit(context.Background(), x, y); err != nil {
			t.Fatalf("Fit #%d: %v", i+1, err)
		}
	}
	pred, err := m.Predict(x)
	if err != nil {
		t.Fatal(err)
	}
	for i, row := range pred {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("prediction[%d][%d] = %v", i, j, v)
			}
		}
	}
}
