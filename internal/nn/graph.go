package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// graph is a compiled per-sample network with its loss and gradients.
type graph struct {
	g          *gorgonia.ExprGraph
	x, y       *gorgonia.Node
	pred       *gorgonia.Node
	learnables gorgonia.Nodes
	feed       func([]float64) []float64
	vm         gorgonia.VM
}

// compile builds the body, a dense head with outputs units and an MSE cost,
// then differentiates the cost with respect to every learnable.
func compile(b body, shape []int, outputs int, rng *rand.Rand) (net *graph, err error) {
	defer func() {
		if p := recover(); p != nil {
			net, err = nil, fmt.Errorf("%v", p)
		}
	}()

	l := &layers{g: gorgonia.NewGraph(), rng: rng}
	x, features, feed := b(l, shape)

	w := l.weight("out_w", features.Shape().TotalSize(), outputs, outputs, features.Shape().TotalSize())
	bias := l.zeros("out_b", outputs)
	pred := gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Mul(w, features)), bias))

	y := gorgonia.NewVector(l.g, tensor.Float64, gorgonia.WithShape(outputs), gorgonia.WithName("y"))
	cost := gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(gorgonia.Must(gorgonia.Sub(pred, y))))))

	if _, err := gorgonia.Grad(cost, l.learnables...); err != nil {
		return nil, fmt.Errorf("gradient: %w", err)
	}

	return &graph{
		g:          l.g,
		x:          x,
		y:          y,
		pred:       pred,
		learnables: l.learnables,
		feed:       feed,
		vm:         gorgonia.NewTapeMachine(l.g, gorgonia.BindDualValues(l.learnables...)),
	}, nil
}

// run evaluates the graph on one sample. A nil target is fed as zeros. read,
// when set, receives the prediction before the machine is reset.
func (n *graph) run(sample, target []float64, read func([]float64)) error {
	defer n.vm.Reset()

	xv := tensor.New(tensor.WithShape(n.x.Shape()...), tensor.WithBacking(n.feed(sample)))
	if err := gorgonia.Let(n.x, xv); err != nil {
		return fmt.Errorf("bind input: %w", err)
	}
	yb := make([]float64, n.y.Shape().TotalSize())
	copy(yb, target)
	if err := gorgonia.Let(n.y, tensor.New(tensor.WithShape(len(yb)), tensor.WithBacking(yb))); err != nil {
		return fmt.Errorf("bind target: %w", err)
	}

	if err := n.vm.RunAll(); err != nil {
		return fmt.Errorf("run graph: %w", err)
	}
	if read != nil {
		pred, ok := n.pred.Value().Data().([]float64)
		if !ok {
			return fmt.Errorf("unexpected prediction type %T", n.pred.Value().Data())
		}
		read(pred)
	}
	return nil
}

func (n *graph) close() {
	n.vm.Close()
}

// layers creates learnable nodes on one graph with seeded Xavier weights.
type layers struct {
	g          *gorgonia.ExprGraph
	rng        *rand.Rand
	learnables gorgonia.Nodes
}

func (l *layers) weight(name string, fanIn, fanOut int, shape ...int) *gorgonia.Node {
	size := 1
	for _, d := range shape {
		size *= d
	}
	scale := math.Sqrt(2.0 / float64(fanIn+fanOut))
	backing := make([]float64, size)
	for i := range backing {
		backing[i] = (l.rng.Float64()*2 - 1) * scale
	}
	n := gorgonia.NewTensor(l.g, tensor.Float64, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))),
	)
	l.learnables = append(l.learnables, n)
	return n
}

func (l *layers) zeros(name string, size int) *gorgonia.Node {
	n := l.constant(name, size)
	l.learnables = append(l.learnables, n)
	return n
}

// constant is a zero vector that is not trained.
func (l *layers) constant(name string, size int) *gorgonia.Node {
	return gorgonia.NewVector(l.g, tensor.Float64,
		gorgonia.WithShape(size),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(size), tensor.WithBacking(make([]float64, size)))),
	)
}

// conv applies a valid 1-D convolution with ReLU along the last axis of an
// (n, channels, 1, length) input. The kernel is clamped to length.
func (l *layers) conv(x *gorgonia.Node, channels, length, filters, kernel int) *gorgonia.Node {
	if kernel > length {
		kernel = length
	}
	w := l.weight("conv_w", kernel*channels, filters, filters, channels, 1, kernel)
	maps := gorgonia.Must(gorgonia.Conv2d(x, w, tensor.Shape{1, kernel}, []int{0, 0}, []int{1, 1}, []int{1, 1}))
	return gorgonia.Must(gorgonia.Rectify(maps))
}

type gate struct {
	w, u, b *gorgonia.Node
}

func (l *layers) gate(name string, in, hidden int) gate {
	return gate{
		w: l.weight(name+"_w", in, hidden, hidden, in),
		u: l.weight(name+"_u", hidden, hidden, hidden, hidden),
		b: l.zeros(name+"_b", hidden),
	}
}

func (g gate) preact(x, h *gorgonia.Node) *gorgonia.Node {
	wx := gorgonia.Must(gorgonia.Mul(g.w, x))
	uh := gorgonia.Must(gorgonia.Mul(g.u, h))
	return gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Add(wx, uh)), g.b))
}

// lstm runs a single LSTM layer over the rows of seq (steps × in) from a zero
// state and returns the last hidden state.
func (l *layers) lstm(seq *gorgonia.Node, steps, in, hidden int) *gorgonia.Node {
	ig := l.gate("lstm_i", in, hidden)
	fg := l.gate("lstm_f", in, hidden)
	og := l.gate("lstm_o", in, hidden)
	cg := l.gate("lstm_c", in, hidden)

	h := l.constant("h0", hidden)
	c := l.constant("c0", hidden)
	for t := 0; t < steps; t++ {
		xt := gorgonia.Must(gorgonia.Slice(seq, gorgonia.S(t)))
		i := gorgonia.Must(gorgonia.Sigmoid(ig.preact(xt, h)))
		f := gorgonia.Must(gorgonia.Sigmoid(fg.preact(xt, h)))
		o := gorgonia.Must(gorgonia.Sigmoid(og.preact(xt, h)))
		cand := gorgonia.Must(gorgonia.Tanh(cg.preact(xt, h)))

		c = gorgonia.Must(gorgonia.Add(
			gorgonia.Must(gorgonia.HadamardProd(f, c)),
			gorgonia.Must(gorgonia.HadamardProd(i, cand)),
		))
		h = gorgonia.Must(gorgonia.HadamardProd(o, gorgonia.Must(gorgonia.Tanh(c))))
	}
	return h
}
