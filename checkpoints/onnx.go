package checkpoints

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/BenmansourYahia/SignLanguage-Project/layers"
	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataset"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	// QuantizationScheme names the weight encoding recorded in the artifact metadata
	QuantizationScheme = "int8-symmetric-per-tensor"

	// Artifact metadata keys
	MetaLabels       = "labels"
	MetaClassCount   = "class_count"
	MetaResolution   = "resolution"
	MetaQuantization = "quantization"
	MetaInputLayout  = "input_layout"
	MetaRunID        = "run_id"

	inputName  = "input"
	outputName = "probabilities"
)

// ErrExportContract is matched by every artifact shape or label mismatch
var ErrExportContract = errors.New("export contract violated")

// ContractError describes one mismatch between the exported artifact and what was trained
type ContractError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%v: %s: expected %s, got %s", ErrExportContract, e.Field, e.Expected, e.Actual)
}

func (e *ContractError) Unwrap() error {
	return ErrExportContract
}

// ExportInput is everything the exporter needs from a finished run
type ExportInput struct {
	Spec       *layers.ModelSpec
	Weights    []WeightTensor
	Labels     *dataset.ClassIndex
	Resolution int
	RunID      string
}

// ExportInputFromCheckpoint rebuilds the export input of a saved checkpoint
func ExportInputFromCheckpoint(cp *Checkpoint) (ExportInput, error) {
	labels := dataset.NewClassIndex(cp.Labels)
	if !dataset.EqualLabels(labels.Names(), cp.Labels) {
		return ExportInput{}, fmt.Errorf("checkpoint labels are not in sorted order: %v", cp.Labels)
	}
	return ExportInput{
		Spec:       cp.ModelSpec,
		Weights:    cp.Weights,
		Labels:     labels,
		Resolution: cp.Resolution,
		RunID:      cp.Metadata.RunID,
	}, nil
}

// Artifact describes a written and verified export
type Artifact struct {
	Path       string
	LabelsPath string
	Info       *ModelInfo
}

// Exporter converts a trained model into a quantized ONNX artifact
type Exporter struct {
	dir          string
	artifactName string
	labelsName   string
	logger       logrus.FieldLogger
}

// NewExporter creates an exporter writing model.onnx and labels.txt into dir
func NewExporter(dir string, logger logrus.FieldLogger) *Exporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{
		dir:          dir,
		artifactName: "model.onnx",
		labelsName:   "labels.txt",
		logger:       logger,
	}
}

// Export builds the artifact, writes it next to the label list, then reloads both from disk and
// checks that the artifact accepts a (1, R, R, 3) image and emits one probability per label.
// Any mismatch is returned as a *ContractError.
func (e *Exporter) Export(ctx context.Context, in ExportInput) (*Artifact, error) {
	if in.Spec == nil {
		return nil, fmt.Errorf("model spec is required")
	}
	if in.Labels == nil || in.Labels.Len() == 0 {
		return nil, fmt.Errorf("class labels are required")
	}
	if in.Resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %d", in.Resolution)
	}
	if width := in.Spec.OutputWidth(); width != in.Labels.Len() {
		return nil, &ContractError{
			Field:    "output width",
			Expected: strconv.Itoa(in.Labels.Len()),
			Actual:   strconv.Itoa(width),
		}
	}

	model, err := buildONNXModel(in)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Path:       filepath.Join(e.dir, e.artifactName),
		LabelsPath: filepath.Join(e.dir, e.labelsName),
	}
	if err := writeFileAtomic(artifact.Path, model.marshal()); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := in.Labels.WriteLabels(artifact.LabelsPath); err != nil {
		return nil, err
	}

	info, err := Inspect(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload artifact: %w", err)
	}
	artifact.Info = info

	if err := checkContract(info, in); err != nil {
		return nil, err
	}

	written, err := dataset.ReadLabels(artifact.LabelsPath)
	if err != nil {
		return nil, err
	}
	if !written.Equal(in.Labels) {
		return nil, &ContractError{
			Field:    "labels file",
			Expected: fmt.Sprint(in.Labels.Names()),
			Actual:   fmt.Sprint(written.Names()),
		}
	}

	e.logger.WithFields(logrus.Fields{
		"path":      artifact.Path,
		"bytes":     info.Bytes,
		"classes":   len(info.Labels),
		"quantized": info.QuantizedTensors,
	}).Info("Exported model artifact")

	return artifact, nil
}

func checkContract(info *ModelInfo, in ExportInput) error {
	wantInput := []int{1, in.Resolution, in.Resolution, 3}
	if !equalInts(info.InputShape, wantInput) {
		return &ContractError{Field: "input shape", Expected: fmt.Sprint(wantInput), Actual: fmt.Sprint(info.InputShape)}
	}
	wantOutput := []int{1, in.Labels.Len()}
	if !equalInts(info.OutputShape, wantOutput) {
		return &ContractError{Field: "output shape", Expected: fmt.Sprint(wantOutput), Actual: fmt.Sprint(info.OutputShape)}
	}
	if !dataset.EqualLabels(info.Labels, in.Labels.Names()) {
		return &ContractError{Field: "embedded labels", Expected: fmt.Sprint(in.Labels.Names()), Actual: fmt.Sprint(info.Labels)}
	}
	return nil
}

func equalInts(a, b []int) bool {
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

// QuantizeSymmetric maps values onto int8 with a single scale so that q*scale approximates v.
// The largest magnitude maps to ±127; an all-zero tensor gets scale 1.
func QuantizeSymmetric(values []float32) ([]int8, float32) {
	var maxAbs float64
	for _, v := range values {
		maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
	}
	scale := float32(1)
	if maxAbs > 0 {
		scale = float32(maxAbs / 127)
	}

	q := make([]int8, len(values))
	for i, v := range values {
		r := math.Round(float64(v) / float64(scale))
		q[i] = int8(math.Max(-127, math.Min(127, r)))
	}
	return q, scale
}

// Dequantize reverses QuantizeSymmetric
func Dequantize(q []int8, scale float32) []float32 {
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(v) * scale
	}
	return out
}

// graphBuilder appends nodes and initializers while threading the current tensor name
type graphBuilder struct {
	graph     *graphProto
	weights   map[string]WeightTensor
	current   string
	quantized int
}

func buildONNXModel(in ExportInput) (*modelProto, error) {
	labelsJSON, err := json.Marshal(in.Labels.Names())
	if err != nil {
		return nil, err
	}

	graph, err := buildONNXGraph(in)
	if err != nil {
		return nil, err
	}

	return &modelProto{
		IRVersion:       onnxIRVersion,
		ProducerName:    Framework,
		ProducerVersion: FormatVersion,
		ModelVersion:    1,
		DocString:       "hand-sign image classifier",
		Graph:           graph,
		OpsetImport:     []opsetID{{Domain: "", Version: onnxOpset}},
		Metadata: []stringEntry{
			{Key: MetaLabels, Value: string(labelsJSON)},
			{Key: MetaClassCount, Value: strconv.Itoa(in.Labels.Len())},
			{Key: MetaResolution, Value: strconv.Itoa(in.Resolution)},
			{Key: MetaQuantization, Value: QuantizationScheme},
			{Key: MetaInputLayout, Value: "NHWC"},
			{Key: MetaRunID, Value: in.RunID},
		},
	}, nil
}

// buildONNXGraph creates the inference graph. The input is NHWC scaled to [0, 1] and is
// transposed to the NCHW layout the weights were trained in.
func buildONNXGraph(in ExportInput) (*graphProto, error) {
	r := int64(in.Resolution)
	if len(in.Spec.InputShape) != 4 || in.Spec.InputShape[2] != in.Resolution || in.Spec.InputShape[3] != in.Resolution {
		return nil, fmt.Errorf("model input %v does not match resolution %d", in.Spec.InputShape, in.Resolution)
	}

	b := &graphBuilder{
		graph:   &graphProto{Name: "signlang_classifier"},
		weights: make(map[string]WeightTensor, len(in.Weights)),
		current: inputName,
	}
	for _, w := range in.Weights {
		b.weights[w.Name] = w
	}

	b.graph.Inputs = append(b.graph.Inputs, valueInfo{
		Name:     inputName,
		ElemType: onnxFloat,
		Dims:     []int64{1, r, r, int64(in.Spec.InputShape[1])},
	})
	b.node("Transpose", "input_transpose", "input_nchw", []string{b.current}, intsAttr("perm", 0, 3, 1, 2))

	for i := range in.Spec.Layers {
		ls := &in.Spec.Layers[i]
		var err error
		switch ls.Type {
		case layers.Conv2D:
			err = b.conv(ls)
		case layers.Dense:
			err = b.dense(ls)
		case layers.BatchNorm:
			err = b.batchNorm(ls)
		case layers.ReLU:
			b.node("Relu", ls.Name, ls.Name+"_output", []string{b.current})
		case layers.MaxPool2D:
			size := int64(ls.IntParam("pool_size", 2))
			stride := int64(ls.IntParam("stride", int(size)))
			b.node("MaxPool", ls.Name, ls.Name+"_output", []string{b.current},
				intsAttr("kernel_shape", size, size), intsAttr("strides", stride, stride))
		case layers.Flatten:
			b.node("Flatten", ls.Name, ls.Name+"_output", []string{b.current}, intAttr("axis", 1))
		case layers.Dropout:
			// identity at inference
		case layers.Softmax:
			b.node("Softmax", ls.Name, outputName, []string{b.current}, intAttr("axis", -1))
		default:
			err = fmt.Errorf("unsupported layer type for ONNX export: %s", ls.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
		}
	}

	b.graph.Outputs = append(b.graph.Outputs, valueInfo{
		Name:     b.current,
		ElemType: onnxFloat,
		Dims:     []int64{1, int64(in.Spec.OutputWidth())},
	})
	return b.graph, nil
}

func (b *graphBuilder) node(op, name, output string, inputs []string, attrs ...attributeProto) {
	b.graph.Nodes = append(b.graph.Nodes, nodeProto{
		Inputs:     inputs,
		Outputs:    []string{output},
		Name:       name,
		OpType:     op,
		Attributes: attrs,
	})
	b.current = output
}

func (b *graphBuilder) weight(name string, shape []int) (WeightTensor, error) {
	w, ok := b.weights[name]
	if !ok {
		return WeightTensor{}, fmt.Errorf("missing weight %s", name)
	}
	if !equalInts(w.Shape, shape) {
		return WeightTensor{}, fmt.Errorf("weight %s has shape %v, expected %v", name, w.Shape, shape)
	}
	return w, nil
}

// floatInitializer adds a float32 tensor stored as little-endian raw data
func (b *graphBuilder) floatInitializer(name string, shape []int, data []float32) {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b.graph.Initializers = append(b.graph.Initializers, tensorProto{
		Dims:     dims64(shape),
		DataType: onnxFloat,
		Name:     name,
		RawData:  raw,
	})
}

// quantizedInitializer stores a kernel as int8 plus scale and returns the name of the
// dequantized float tensor
func (b *graphBuilder) quantizedInitializer(w WeightTensor) string {
	q, scale := QuantizeSymmetric(w.Data)
	raw := make([]byte, len(q))
	for i, v := range q {
		raw[i] = byte(v)
	}

	qName := w.Name + "_quantized"
	scaleName := w.Name + "_scale"
	b.graph.Initializers = append(b.graph.Initializers,
		tensorProto{Dims: dims64(w.Shape), DataType: onnxInt8, Name: qName, RawData: raw},
		tensorProto{DataType: onnxFloat, Name: scaleName, RawData: binary.LittleEndian.AppendUint32(nil, math.Float32bits(scale))},
	)
	b.graph.Nodes = append(b.graph.Nodes, nodeProto{
		Inputs:  []string{qName, scaleName},
		Outputs: []string{w.Name},
		Name:    w.Name + "_dequantize",
		OpType:  "DequantizeLinear",
	})
	b.quantized++
	return w.Name
}

func (b *graphBuilder) conv(ls *layers.LayerSpec) error {
	inC := ls.IntParam("input_channels", 0)
	outC := ls.IntParam("output_channels", 0)
	k := ls.IntParam("kernel_size", 0)
	stride := int64(ls.IntParam("stride", 1))
	pad := int64(ls.IntParam("padding", 0))

	kernel, err := b.weight(ls.Name+".weight", []int{outC, inC, k, k})
	if err != nil {
		return err
	}
	inputs := []string{b.current, b.quantizedInitializer(kernel)}
	if ls.BoolParam("use_bias", true) {
		bias, err := b.weight(ls.Name+".bias", []int{outC})
		if err != nil {
			return err
		}
		b.floatInitializer(bias.Name, bias.Shape, bias.Data)
		inputs = append(inputs, bias.Name)
	}

	b.node("Conv", ls.Name, ls.Name+"_output", inputs,
		intsAttr("kernel_shape", int64(k), int64(k)),
		intsAttr("strides", stride, stride),
		intsAttr("pads", pad, pad, pad, pad))
	return nil
}

func (b *graphBuilder) dense(ls *layers.LayerSpec) error {
	in := ls.IntParam("input_size", 0)
	out := ls.IntParam("output_size", 0)

	kernel, err := b.weight(ls.Name+".weight", []int{in, out})
	if err != nil {
		return err
	}

	if !ls.BoolParam("use_bias", true) {
		b.node("MatMul", ls.Name, ls.Name+"_output", []string{b.current, b.quantizedInitializer(kernel)})
		return nil
	}

	bias, err := b.weight(ls.Name+".bias", []int{out})
	if err != nil {
		return err
	}
	b.node("MatMul", ls.Name+"_matmul", ls.Name+"_matmul_output", []string{b.current, b.quantizedInitializer(kernel)})
	b.floatInitializer(bias.Name, bias.Shape, bias.Data)
	b.node("Add", ls.Name, ls.Name+"_output", []string{b.current, bias.Name})
	return nil
}

func (b *graphBuilder) batchNorm(ls *layers.LayerSpec) error {
	f := ls.IntParam("num_features", 0)
	inputs := []string{b.current}
	for _, kind := range []string{"gamma", "beta", "running_mean", "running_var"} {
		w, err := b.weight(ls.Name+"."+kind, []int{f})
		if err != nil {
			return err
		}
		b.floatInitializer(w.Name, w.Shape, w.Data)
		inputs = append(inputs, w.Name)
	}
	b.node("BatchNormalization", ls.Name, ls.Name+"_output", inputs,
		floatAttr("epsilon", ls.FloatParam("eps", 1e-3)),
		floatAttr("momentum", ls.FloatParam("momentum", 0.99)))
	return nil
}

func dims64(shape []int) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out
}

// ModelInfo is the decoded summary of an ONNX artifact
type ModelInfo struct {
	Path             string
	Bytes            int64
	IRVersion        int64
	Opset            int64
	Producer         string
	InputName        string
	InputShape       []int
	OutputName       string
	OutputShape      []int
	Labels           []string
	Metadata         map[string]string
	OpCounts         map[string]int
	Initializers     int
	QuantizedTensors int
	Parameters       int64
}

// Inspect decodes an ONNX artifact written by the exporter
func Inspect(path string) (*ModelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	model, err := unmarshalModel(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("artifact %s has no graph", path)
	}
	g := model.Graph
	if len(g.Inputs) != 1 || len(g.Outputs) != 1 {
		return nil, fmt.Errorf("artifact %s has %d inputs and %d outputs, expected one of each", path, len(g.Inputs), len(g.Outputs))
	}

	info := &ModelInfo{
		Path:         path,
		Bytes:        int64(len(data)),
		IRVersion:    model.IRVersion,
		Producer:     strings.TrimSpace(model.ProducerName + " " + model.ProducerVersion),
		InputName:    g.Inputs[0].Name,
		InputShape:   ints(g.Inputs[0].Dims),
		OutputName:   g.Outputs[0].Name,
		OutputShape:  ints(g.Outputs[0].Dims),
		Metadata:     make(map[string]string, len(model.Metadata)),
		OpCounts:     make(map[string]int),
		Initializers: len(g.Initializers),
	}
	for _, op := range model.OpsetImport {
		if op.Domain == "" {
			info.Opset = op.Version
		}
	}
	for _, kv := range model.Metadata {
		info.Metadata[kv.Key] = kv.Value
	}
	for _, n := range g.Nodes {
		info.OpCounts[n.OpType]++
	}
	for _, t := range g.Initializers {
		if t.DataType == onnxInt8 {
			info.QuantizedTensors++
		}
		n := int64(1)
		for _, d := range t.Dims {
			n *= d
		}
		info.Parameters += n
	}

	if raw, ok := info.Metadata[MetaLabels]; ok {
		if err := json.Unmarshal([]byte(raw), &info.Labels); err != nil {
			return nil, fmt.Errorf("artifact %s has malformed labels metadata: %w", path, err)
		}
	}

	return info, nil
}

func ints(dims []int64) []int {
	out := make([]int, len(dims))
	for i, d := range dims {
		out[i] = int(d)
	}
	return out
}

// String renders a human-readable summary
func (mi *ModelInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Artifact: %s (%d bytes)\n", mi.Path, mi.Bytes)
	fmt.Fprintf(&sb, "Producer: %s, IR %d, opset %d\n", mi.Producer, mi.IRVersion, mi.Opset)
	fmt.Fprintf(&sb, "Input:  %s %v\n", mi.InputName, mi.InputShape)
	fmt.Fprintf(&sb, "Output: %s %v\n", mi.OutputName, mi.OutputShape)
	fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(mi.Labels, ", "))
	fmt.Fprintf(&sb, "Initializers: %d (%d int8), %d values\n", mi.Initializers, mi.QuantizedTensors, mi.Parameters)

	ops := make([]string, 0, len(mi.OpCounts))
	for op := range mi.OpCounts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	sb.WriteString("Ops:")
	for _, op := range ops {
		fmt.Fprintf(&sb, " %s=%d", op, mi.OpCounts[op])
	}
	sb.WriteString("\n")
	return sb.String()
}
