package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// IntParam reads an integer parameter. Values that went through JSON come back as float64 and
// are converted.
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return defaultValue
}

// FloatParam reads a floating point parameter
func (ls *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	switch v := ls.Parameters[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}

// BoolParam reads a boolean parameter
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	if v, ok := ls.Parameters[key].(bool); ok {
		return v
	}
	return defaultValue
}

// L2 returns the kernel regularization strength of the layer, zero when unregularized
func (ls *LayerSpec) L2() float32 {
	return ls.FloatParam("l2", 0)
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: append([]int(nil), inputShape...),
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// WithL2 sets the kernel regularization strength of the most recently added layer
func (mb *ModelBuilder) WithL2(strength float32) *ModelBuilder {
	if n := len(mb.layers); n > 0 {
		mb.layers[n-1].Parameters["l2"] = strength
	}
	return mb
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	})
}

// AddMaxPool2D adds a max pooling layer without padding
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model
// num_features: channels for Conv layers, neurons for Dense layers
// eps: small value added to the variance for numerical stability
// momentum: weight of the previous running statistics in each update
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
		},
	})
}

// AddFlatten collapses every dimension but the batch dimension
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	for i, layer := range mb.layers {
		layer.Parameters = copyParams(layer.Parameters)
		model.Layers[i] = layer
	}

	// Compute shapes and parameter information
	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	case Dropout:
		rate := layer.FloatParam("rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, fmt.Errorf("dropout rate must be in [0, 1), got %v", rate)
		}
		return computeActivationInfo(inputShape)
	case ReLU, Softmax:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize := layer.IntParam("output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := layer.BoolParam("use_bias", true)

	// For 4D input [batch, channels, height, width]: input_size = channels * height * width
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := layer.IntParam("output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := layer.IntParam("kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := layer.IntParam("stride", 1)
	padding := layer.IntParam("padding", 0)
	useBias := layer.BoolParam("use_bias", true)

	batchSize := inputShape[0]
	inputChannels := inputShape[1]
	inputHeight := inputShape[2]
	inputWidth := inputShape[3]

	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %dx%d", kernelSize, inputHeight, inputWidth)
	}

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires at least 2D input")
	}

	numFeatures := layer.IntParam("num_features", 0)
	if numFeatures != inputShape[1] {
		return nil, nil, 0, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	outputShape := append([]int(nil), inputShape...)

	// gamma (scale) and beta (shift); running statistics are buffers, not parameters
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return outputShape, paramShapes, int64(numFeatures * 2), nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}
	poolSize := layer.IntParam("pool_size", 2)
	stride := layer.IntParam("stride", poolSize)
	if poolSize <= 0 || stride <= 0 {
		return nil, nil, 0, fmt.Errorf("pool size and stride must be positive")
	}

	outputHeight := (inputShape[2]-poolSize)/stride + 1
	outputWidth := (inputShape[3]-poolSize)/stride + 1
	if inputShape[2] < poolSize || inputShape[3] < poolSize {
		return nil, nil, 0, fmt.Errorf("pool %d does not fit input %dx%d", poolSize, inputShape[2], inputShape[3])
	}

	return []int{inputShape[0], inputShape[1], outputHeight, outputWidth}, [][]int{}, 0, nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("flatten requires at least 2D input")
	}
	features := 1
	for _, d := range inputShape[1:] {
		features *= d
	}
	return []int{inputShape[0], features}, [][]int{}, 0, nil
}

// computeActivationInfo computes activation layer information (no parameters)
func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	return append([]int(nil), inputShape...), [][]int{}, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&sb, "  Config: %v\n", layer.Parameters)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// OutputWidth returns the size of the last dimension of the model output
func (ms *ModelSpec) OutputWidth() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// Validate checks that a compiled model can be trained as a classifier: a 4D input, every
// layer type supported, and a Softmax as the final layer
func (ms *ModelSpec) Validate() error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}
	if len(ms.InputShape) != 4 {
		return fmt.Errorf("classifier input must be 4D [batch, channels, height, width], got %v", ms.InputShape)
	}
	for i, layer := range ms.Layers {
		if layer.Type.String() == "Unknown" {
			return fmt.Errorf("layer %d (%s): unsupported layer type %d", i, layer.Name, int(layer.Type))
		}
	}
	last := ms.Layers[len(ms.Layers)-1]
	if last.Type != Softmax {
		return fmt.Errorf("final layer must be Softmax, got %s", last.Type)
	}
	if len(ms.OutputShape) != 2 {
		return fmt.Errorf("classifier output must be 2D [batch, classes], got %v", ms.OutputShape)
	}
	return nil
}
