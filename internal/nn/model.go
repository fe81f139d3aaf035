// Package nn provides small trainable regressors for windowed time-series
// input: a 1-D convolutional network, an LSTM and a convolutional LSTM, all
// built as gorgonia expression graphs.
package nn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrNotFitted is returned by Predict before a successful Fit.
var ErrNotFitted = errors.New("model not fitted")

// Regressor is a multi-output model trained on a tensor of samples.
type Regressor interface {
	Fit(ctx context.Context, x *Tensor, y [][]float64) error
	Predict(x *Tensor) ([][]float64, error)
}

// Config holds model hyperparameters.
type Config struct {
	Filters      int
	KernelSize   int
	Hidden       int
	Epochs       int
	LearningRate float64
	Seed         int64
}

// DefaultConfig returns sensible defaults for small tables.
func DefaultConfig() Config {
	return Config{
		Filters:      16,
		KernelSize:   2,
		Hidden:       32,
		Epochs:       50,
		LearningRate: 0.005,
		Seed:         42,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Filters < 1:
		return fmt.Errorf("filters must be positive, got %d", c.Filters)
	case c.KernelSize < 1:
		return fmt.Errorf("kernel size must be positive, got %d", c.KernelSize)
	case c.Hidden < 1:
		return fmt.Errorf("hidden size must be positive, got %d", c.Hidden)
	case c.Epochs < 1:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	return nil
}

// body builds the architecture-specific part of a graph for one sample of
// the given shape (samples dimension excluded). It returns the input node,
// the feature vector the dense head reads, and a function that lays out a
// sample's values in the input node's order.
type body func(l *layers, shape []int) (x, features *gorgonia.Node, feed func([]float64) []float64)

// model wraps a lazily compiled graph with the shared fit/predict plumbing.
type model struct {
	cfg  Config
	rank int
	body body

	mu    sync.Mutex
	net   *graph
	shape []int
}

// Fit compiles a graph for x's shape and trains it with Adam on mean squared
// error, one sample per update, in a seeded shuffled order.
func (m *model) Fit(ctx context.Context, x *Tensor, y [][]float64) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	if err := checkShape(x, m.rank); err != nil {
		return err
	}
	outputs, err := checkTargets(x, y)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rng := rand.New(rand.NewSource(m.cfg.Seed))
	net, err := compile(m.body, x.Shape[1:], outputs, rng)
	if err != nil {
		return fmt.Errorf("compile graph: %w", err)
	}
	solver := gorgonia.NewAdamSolver(gorgonia.WithLearnRate(m.cfg.LearningRate))

	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			net.close()
			return err
		}
		for _, i := range rng.Perm(x.Len()) {
			if err := net.run(x.Sample(i), y[i], nil); err != nil {
				net.close()
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			if err := solver.Step(gorgonia.NodesToValueGrads(net.learnables)); err != nil {
				net.close()
				return fmt.Errorf("epoch %d: solver step: %w", epoch, err)
			}
		}
	}

	if m.net != nil {
		m.net.close()
	}
	m.net = net
	m.shape = append([]int(nil), x.Shape...)
	return nil
}

// Predict runs the fitted graph over every sample of x.
func (m *model) Predict(x *Tensor) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.net == nil {
		return nil, ErrNotFitted
	}
	if err := checkShape(x, m.rank); err != nil {
		return nil, err
	}
	if !sameTail(x.Shape, m.shape) {
		return nil, fmt.Errorf("input shape %v does not match fitted shape %v", x.Shape, m.shape)
	}

	out := make([][]float64, x.Len())
	for i := range out {
		if err := m.net.run(x.Sample(i), nil, func(pred []float64) {
			out[i] = append([]float64(nil), pred...)
		}); err != nil {
			return nil, fmt.Errorf("predict sample %d: %w", i, err)
		}
	}
	return out, nil
}

// NewCNN returns a convolutional regressor over rank-3 input
// (samples, length, channels).
func NewCNN(cfg Config) Regressor {
	return &model{cfg: cfg, rank: 3, body: func(l *layers, shape []int) (*gorgonia.Node, *gorgonia.Node, func([]float64) []float64) {
		length, channels := shape[0], shape[1]
		x := gorgonia.NewTensor(l.g, tensor.Float64, 4, gorgonia.WithShape(1, channels, 1, length), gorgonia.WithName("x"))
		maps := l.conv(x, channels, length, cfg.Filters, cfg.KernelSize)
		flat := gorgonia.Must(gorgonia.Reshape(maps, tensor.Shape{maps.Shape().TotalSize()}))
		return x, flat, func(s []float64) []float64 { return channelsFirst(s, 1, length, channels) }
	}}
}

// NewLSTM returns a recurrent regressor over rank-3 input
// (samples, timesteps, features).
func NewLSTM(cfg Config) Regressor {
	return &model{cfg: cfg, rank: 3, body: func(l *layers, shape []int) (*gorgonia.Node, *gorgonia.Node, func([]float64) []float64) {
		steps, features := shape[0], shape[1]
		x := gorgonia.NewMatrix(l.g, tensor.Float64, gorgonia.WithShape(steps, features), gorgonia.WithName("x"))
		h := l.lstm(x, steps, features, cfg.Hidden)
		return x, h, func(s []float64) []float64 { return append([]float64(nil), s...) }
	}}
}

// NewCNNLSTM returns a regressor over rank-4 input
// (samples, timesteps, length, channels) that convolves each timestep and
// feeds the feature maps through an LSTM.
func NewCNNLSTM(cfg Config) Regressor {
	return &model{cfg: cfg, rank: 4, body: func(l *layers, shape []int) (*gorgonia.Node, *gorgonia.Node, func([]float64) []float64) {
		steps, length, channels := shape[0], shape[1], shape[2]
		// Timesteps ride the batch axis of the convolution.
		x := gorgonia.NewTensor(l.g, tensor.Float64, 4, gorgonia.WithShape(steps, channels, 1, length), gorgonia.WithName("x"))
		maps := l.conv(x, channels, length, cfg.Filters, cfg.KernelSize)
		width := maps.Shape().TotalSize() / steps
		seq := gorgonia.Must(gorgonia.Reshape(maps, tensor.Shape{steps, width}))
		h := l.lstm(seq, steps, width, cfg.Hidden)
		return x, h, func(s []float64) []float64 { return channelsFirst(s, steps, length, channels) }
	}}
}

// channelsFirst reorders steps×length×channels values into the
// steps×channels×1×length layout the convolution expects.
func channelsFirst(s []float64, steps, length, channels int) []float64 {
	out := make([]float64, len(s))
	for t := 0; t < steps; t++ {
		base := t * length * channels
		for l := 0; l < length; l++ {
			for c := 0; c < channels; c++ {
				out[base+c*length+l] = s[base+l*channels+c]
			}
		}
	}
	return out
}
