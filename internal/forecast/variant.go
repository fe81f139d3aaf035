package forecast

import (
	"fmt"

	"github.com/lox/waterquality/internal/dataset"
	"github.com/lox/waterquality/internal/nn"
)

type Architecture string

const (
	CNN     Architecture = "CNN"
	LSTM    Architecture = "LSTM"
	CNNLSTM Architecture = "CNN-LSTM"
)

// Variant is one architecture trained on one feature set.
type Variant struct {
	Arch     Architecture
	Features dataset.FeatureSet
}

// Name is the display name used in the output tables.
func (v Variant) Name() string {
	if v.Features == dataset.WaterExternal {
		return string(v.Arch) + " + External"
	}
	return string(v.Arch)
}

func (v Variant) String() string {
	return v.Name()
}

// Variants lists every variant in output order.
var Variants = []Variant{
	{CNN, dataset.WaterOnly},
	{CNN, dataset.WaterExternal},
	{LSTM, dataset.WaterOnly},
	{LSTM, dataset.WaterExternal},
	{CNNLSTM, dataset.WaterOnly},
	{CNNLSTM, dataset.WaterExternal},
}

// VariantNames returns the display names of Variants in order.
func VariantNames() []string {
	names := make([]string, len(Variants))
	for i, v := range Variants {
		names[i] = v.Name()
	}
	return names
}

// NewModel returns an untrained regressor for arch.
func NewModel(arch Architecture, cfg nn.Config) (nn.Regressor, error) {
	switch arch {
	case CNN:
		return nn.NewCNN(cfg), nil
	case LSTM:
		return nn.NewLSTM(cfg), nil
	case CNNLSTM:
		return nn.NewCNNLSTM(cfg), nil
	}
	return nil, fmt.Errorf("unknown architecture %q", arch)
}

// Reshape lays windows out in the tensor shape arch expects:
//
//	CNN       (n, length*features, 1)
//	LSTM      (n, length, features)
//	CNN-LSTM  (n, length, features, 1)
func Reshape(arch Architecture, w *dataset.Windows) (*nn.Tensor, error) {
	n, length, width := w.Len(), w.Length, w.Width()
	if n == 0 {
		return nil, fmt.Errorf("reshape %s: no windows", arch)
	}

	var t *nn.Tensor
	switch arch {
	case CNN:
		t = nn.NewTensor(n, length*width, 1)
	case LSTM:
		t = nn.NewTensor(n, length, width)
	case CNNLSTM:
		t = nn.NewTensor(n, length, width, 1)
	default:
		return nil, fmt.Errorf("reshape: unknown architecture %q", arch)
	}

	for i, window := range w.Inputs {
		if len(window) != length {
			return nil, fmt.Errorf("reshape %s: window %d has %d steps, want %d", arch, i, len(window), length)
		}
		sample := t.Sample(i)
		for k, step := range window {
			if len(step) != width {
				return nil, fmt.Errorf("reshape %s: window %d step %d has %d features, want %d", arch, i, k, len(step), width)
			}
			copy(sample[k*width:], step)
		}
	}
	return t, nil
}
