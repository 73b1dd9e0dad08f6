// Package engine executes compiled layer specifications on the CPU: parameter storage,
// forward and backward passes, the training loss and weight snapshots.
package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/layers"
)

// ErrNonFiniteLoss is returned when a batch produces a NaN or infinite loss. The model
// parameters are left untouched in that case.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Param is a learnable tensor with its gradient
type Param struct {
	Name  string // "<layer>.<kind>"
	Layer string
	Kind  string // "weight", "bias", "gamma", "beta"
	Shape []int
	Data  []float32
	Grad  []float32
	L2    float32 // regularization strength, zero for unregularized tensors
}

func newParam(layer, kind string, shape []int, l2 float32) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  layer + "." + kind,
		Layer: layer,
		Kind:  kind,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
		L2:    l2,
	}
}

// Updater applies accumulated gradients to parameters
type Updater interface {
	Step(params []*Param) error
}

// BatchResult summarizes one forward pass over a batch
type BatchResult struct {
	LossSum        float64 // summed cross-entropy over the batch
	Regularization float64 // L2 penalty of the current weights
	Correct        int
	Size           int
}

// Loss returns the mean cross-entropy plus the regularization penalty
func (r BatchResult) Loss() float64 {
	if r.Size == 0 {
		return r.Regularization
	}
	return r.LossSum/float64(r.Size) + r.Regularization
}

// Accuracy returns the fraction of correctly classified samples
func (r BatchResult) Accuracy() float64 {
	if r.Size == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Size)
}

// Model is a trainable classifier materialized from a compiled ModelSpec
type Model struct {
	spec   *layers.ModelSpec
	layers []layer
	params []*Param
	norms  map[string]*batchNorm

	channels, height, width int
	classes                 int
	rng                     *rand.Rand
}

// NewModel creates a model with freshly initialized weights. Kernels use Glorot-uniform
// initialization drawn from seed; biases and BatchNorm shifts start at zero and scales at one.
func NewModel(spec *layers.ModelSpec, seed int64) (*Model, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model spec: %w", err)
	}

	m := &Model{
		spec:     spec,
		norms:    make(map[string]*batchNorm),
		channels: spec.InputShape[1],
		height:   spec.InputShape[2],
		width:    spec.InputShape[3],
		classes:  spec.OutputWidth(),
		rng:      rand.New(rand.NewSource(seed)),
	}

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		l, err := m.buildLayer(ls)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, ls.Name, err)
		}
		m.layers = append(m.layers, l)
		m.params = append(m.params, l.params()...)
	}

	return m, nil
}

func (m *Model) buildLayer(ls *layers.LayerSpec) (layer, error) {
	switch ls.Type {
	case layers.Conv2D:
		inC := ls.IntParam("input_channels", 0)
		outC := ls.IntParam("output_channels", 0)
		k := ls.IntParam("kernel_size", 0)
		l := &conv2d{
			inC:    inC,
			outC:   outC,
			k:      k,
			stride: ls.IntParam("stride", 1),
			pad:    ls.IntParam("padding", 0),
			weight: newParam(ls.Name, "weight", []int{outC, inC, k, k}, ls.L2()),
		}
		m.glorot(l.weight.Data, inC*k*k, outC*k*k)
		if ls.BoolParam("use_bias", true) {
			l.bias = newParam(ls.Name, "bias", []int{outC}, 0)
		}
		return l, nil

	case layers.Dense:
		in := ls.IntParam("input_size", 0)
		out := ls.IntParam("output_size", 0)
		l := &dense{
			in:     in,
			out:    out,
			weight: newParam(ls.Name, "weight", []int{in, out}, ls.L2()),
		}
		m.glorot(l.weight.Data, in, out)
		if ls.BoolParam("use_bias", true) {
			l.bias = newParam(ls.Name, "bias", []int{out}, 0)
		}
		return l, nil

	case layers.BatchNorm:
		f := ls.IntParam("num_features", 0)
		l := &batchNorm{
			features:    f,
			eps:         ls.FloatParam("eps", 1e-3),
			momentum:    ls.FloatParam("momentum", 0.99),
			gamma:       newParam(ls.Name, "gamma", []int{f}, 0),
			beta:        newParam(ls.Name, "beta", []int{f}, 0),
			runningMean: make([]float32, f),
			runningVar:  make([]float32, f),
		}
		for i := 0; i < f; i++ {
			l.gamma.Data[i] = 1
			l.runningVar[i] = 1
		}
		m.norms[ls.Name] = l
		return l, nil

	case layers.MaxPool2D:
		size := ls.IntParam("pool_size", 2)
		return &maxPool2d{size: size, stride: ls.IntParam("stride", size)}, nil

	case layers.ReLU:
		return &relu{}, nil

	case layers.Dropout:
		return &dropout{rate: ls.FloatParam("rate", 0), rng: m.rng}, nil

	case layers.Flatten:
		return &flatten{}, nil

	case layers.Softmax:
		return &softmax{}, nil

	default:
		return nil, fmt.Errorf("unsupported layer type: %s", ls.Type)
	}
}

// glorot fills w uniformly in [-limit, limit] with limit = sqrt(6 / (fanIn + fanOut))
func (m *Model) glorot(w []float32, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = float32((m.rng.Float64()*2 - 1) * limit)
	}
}

// Spec returns the compiled specification the model was built from
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// NumClasses returns the width of the output layer
func (m *Model) NumClasses() int {
	return m.classes
}

// Params returns the learnable tensors in layer order
func (m *Model) Params() []*Param {
	return m.params
}

// ParameterCount returns the number of learnable values
func (m *Model) ParameterCount() int {
	n := 0
	for _, p := range m.params {
		n += len(p.Data)
	}
	return n
}

// L2Penalty returns sum(l2 * w^2) over every regularized tensor
func (m *Model) L2Penalty() float64 {
	var penalty float64
	for _, p := range m.params {
		if p.L2 == 0 {
			continue
		}
		var sq float64
		for _, v := range p.Data {
			sq += float64(v) * float64(v)
		}
		penalty += float64(p.L2) * sq
	}
	return penalty
}

func (m *Model) input(images []float32, n int) (*blob, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch must contain at least one image")
	}
	want := n * m.channels * m.height * m.width
	if len(images) != want {
		return nil, fmt.Errorf("expected %d values for %d images of %dx%dx%d, got %d",
			want, n, m.channels, m.height, m.width, len(images))
	}
	return &blob{data: images, shape: []int{n, m.channels, m.height, m.width}}, nil
}

func (m *Model) checkLabels(labels []int) error {
	for i, label := range labels {
		if label < 0 || label >= m.classes {
			return fmt.Errorf("label %d of sample %d outside [0, %d)", label, i, m.classes)
		}
	}
	return nil
}

// logits runs every layer except the final softmax
func (m *Model) logits(x *blob, training bool) *blob {
	for _, l := range m.layers[:len(m.layers)-1] {
		x = l.forward(x, training)
	}
	return x
}

// TrainBatch runs a forward and backward pass in training mode and applies one optimizer
// step. BatchNorm running statistics are updated as a side effect, but only for batches whose
// loss is finite.
func (m *Model) TrainBatch(images []float32, labels []int, opt Updater) (BatchResult, error) {
	x, err := m.input(images, len(labels))
	if err != nil {
		return BatchResult{}, err
	}
	if err := m.checkLabels(labels); err != nil {
		return BatchResult{}, err
	}

	for _, p := range m.params {
		clear(p.Grad)
	}

	logits := m.logits(x, true)
	lossSum, correct, grad := softmaxCrossEntropy(logits, labels)

	result := BatchResult{
		LossSum:        lossSum,
		Regularization: m.L2Penalty(),
		Correct:        correct,
		Size:           len(labels),
	}
	if loss := result.Loss(); math.IsNaN(loss) || math.IsInf(loss, 0) {
		for _, bn := range m.norms {
			bn.batchMean, bn.batchVar = nil, nil
		}
		return result, ErrNonFiniteLoss
	}
	for _, bn := range m.norms {
		bn.commitStats()
	}

	for i := len(m.layers) - 2; i >= 0; i-- {
		grad = m.layers[i].backward(grad)
	}

	for _, p := range m.params {
		if p.L2 == 0 {
			continue
		}
		k := 2 * p.L2
		for i, v := range p.Data {
			p.Grad[i] += k * v
		}
	}

	if err := opt.Step(m.params); err != nil {
		return result, fmt.Errorf("optimizer step failed: %w", err)
	}
	return result, nil
}

// EvaluateBatch computes loss and accuracy in inference mode without changing any state
func (m *Model) EvaluateBatch(images []float32, labels []int) (BatchResult, error) {
	x, err := m.input(images, len(labels))
	if err != nil {
		return BatchResult{}, err
	}
	if err := m.checkLabels(labels); err != nil {
		return BatchResult{}, err
	}

	lossSum, correct, _ := softmaxCrossEntropy(m.logits(x, false), labels)
	return BatchResult{
		LossSum:        lossSum,
		Regularization: m.L2Penalty(),
		Correct:        correct,
		Size:           len(labels),
	}, nil
}

// Predict returns class probabilities, n rows of NumClasses values
func (m *Model) Predict(images []float32, n int) ([]float32, error) {
	x, err := m.input(images, n)
	if err != nil {
		return nil, err
	}
	for _, l := range m.layers {
		x = l.forward(x, false)
	}
	return x.data, nil
}

// Weights returns a deep copy of every learnable tensor and BatchNorm running statistic
func (m *Model) Weights() []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for i, l := range m.layers {
		name := m.spec.Layers[i].Name
		for _, p := range l.params() {
			out = append(out, checkpoints.WeightTensor{
				Name:  p.Name,
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float32(nil), p.Data...),
				Layer: p.Layer,
				Type:  p.Kind,
			})
		}
		if bn, ok := l.(*batchNorm); ok {
			out = append(out,
				checkpoints.WeightTensor{
					Name:  name + ".running_mean",
					Shape: []int{bn.features},
					Data:  append([]float32(nil), bn.runningMean...),
					Layer: name,
					Type:  "running_mean",
				},
				checkpoints.WeightTensor{
					Name:  name + ".running_var",
					Shape: []int{bn.features},
					Data:  append([]float32(nil), bn.runningVar...),
					Layer: name,
					Type:  "running_var",
				},
			)
		}
	}
	return out
}

// LoadWeights restores a snapshot taken with Weights. Every tensor of the model must be
// present with a matching shape.
func (m *Model) LoadWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	assign := func(name string, shape []int, dst []float32) error {
		w, ok := byName[name]
		if !ok {
			return fmt.Errorf("missing weight %s", name)
		}
		if !equalShape(w.Shape, shape) || len(w.Data) != len(dst) {
			return fmt.Errorf("shape mismatch for weight %s: model %v vs snapshot %v", name, shape, w.Shape)
		}
		return nil
	}

	// validate everything before mutating anything
	for _, p := range m.params {
		if err := assign(p.Name, p.Shape, p.Data); err != nil {
			return err
		}
	}
	for name, bn := range m.norms {
		shape := []int{bn.features}
		if err := assign(name+".running_mean", shape, bn.runningMean); err != nil {
			return err
		}
		if err := assign(name+".running_var", shape, bn.runningVar); err != nil {
			return err
		}
	}

	for _, p := range m.params {
		copy(p.Data, byName[p.Name].Data)
	}
	for name, bn := range m.norms {
		copy(bn.runningMean, byName[name+".running_mean"].Data)
		copy(bn.runningVar, byName[name+".running_var"].Data)
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Summary returns a human-readable description of the model
func (m *Model) Summary() string {
	return m.spec.Summary()
}
