package engine

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// blob is an activation tensor, row-major with the batch as the first dimension
type blob struct {
	data  []float32
	shape []int
}

func newBlob(shape ...int) *blob {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &blob{data: make([]float32, n), shape: shape}
}

// features is the number of values per sample
func (b *blob) features() int {
	n := 1
	for _, d := range b.shape[1:] {
		n *= d
	}
	return n
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// layer is one executable stage of a model. forward caches whatever backward needs; backward
// accumulates parameter gradients and returns the gradient with respect to the layer input.
type layer interface {
	forward(x *blob, training bool) *blob
	backward(grad *blob) *blob
	params() []*Param
}

// conv2d is a 2D convolution over NCHW input computed as im2col followed by one GEMM per sample
type conv2d struct {
	inC, outC, k, stride, pad int
	weight, bias              *Param

	input      *blob
	outH, outW int
}

func (l *conv2d) params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

func (l *conv2d) forward(x *blob, training bool) *blob {
	n, h, w := x.shape[0], x.shape[2], x.shape[3]
	l.outH = (h+2*l.pad-l.k)/l.stride + 1
	l.outW = (w+2*l.pad-l.k)/l.stride + 1
	l.input = x

	kk := l.inC * l.k * l.k
	p := l.outH * l.outW
	out := newBlob(n, l.outC, l.outH, l.outW)
	cols := make([]float32, kk*p)
	inSize := l.inC * h * w

	for i := 0; i < n; i++ {
		l.im2col(x.data[i*inSize:(i+1)*inSize], h, w, cols)
		dst := out.data[i*l.outC*p : (i+1)*l.outC*p]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			general(l.outC, kk, l.weight.Data), general(kk, p, cols), 0, general(l.outC, p, dst))
		if l.bias != nil {
			for c := 0; c < l.outC; c++ {
				b := l.bias.Data[c]
				row := dst[c*p : (c+1)*p]
				for j := range row {
					row[j] += b
				}
			}
		}
	}
	return out
}

func (l *conv2d) backward(grad *blob) *blob {
	x := l.input
	n, h, w := x.shape[0], x.shape[2], x.shape[3]
	kk := l.inC * l.k * l.k
	p := l.outH * l.outW
	inSize := l.inC * h * w

	dx := newBlob(x.shape...)
	cols := make([]float32, kk*p)
	dcols := make([]float32, kk*p)
	dW := general(l.outC, kk, l.weight.Grad)
	W := general(l.outC, kk, l.weight.Data)

	for i := 0; i < n; i++ {
		l.im2col(x.data[i*inSize:(i+1)*inSize], h, w, cols)
		dy := general(l.outC, p, grad.data[i*l.outC*p:(i+1)*l.outC*p])

		blas32.Gemm(blas.NoTrans, blas.Trans, 1, dy, general(kk, p, cols), 1, dW)
		if l.bias != nil {
			for c := 0; c < l.outC; c++ {
				var s float32
				for _, v := range dy.Data[c*p : (c+1)*p] {
					s += v
				}
				l.bias.Grad[c] += s
			}
		}

		blas32.Gemm(blas.Trans, blas.NoTrans, 1, W, dy, 0, general(kk, p, dcols))
		l.col2im(dcols, h, w, dx.data[i*inSize:(i+1)*inSize])
	}
	return dx
}

// im2col lays out every receptive field as a column; row r = (c*k+ki)*k+kj matches the
// [out, in, k, k] weight layout
func (l *conv2d) im2col(src []float32, h, w int, cols []float32) {
	p := l.outH * l.outW
	for c := 0; c < l.inC; c++ {
		plane := src[c*h*w : (c+1)*h*w]
		for ki := 0; ki < l.k; ki++ {
			for kj := 0; kj < l.k; kj++ {
				row := cols[((c*l.k+ki)*l.k+kj)*p:][:p]
				for oy := 0; oy < l.outH; oy++ {
					iy := oy*l.stride - l.pad + ki
					for ox := 0; ox < l.outW; ox++ {
						ix := ox*l.stride - l.pad + kj
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[oy*l.outW+ox] = 0
						} else {
							row[oy*l.outW+ox] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: overlapping contributions are summed into dst
func (l *conv2d) col2im(cols []float32, h, w int, dst []float32) {
	p := l.outH * l.outW
	for c := 0; c < l.inC; c++ {
		plane := dst[c*h*w : (c+1)*h*w]
		for ki := 0; ki < l.k; ki++ {
			for kj := 0; kj < l.k; kj++ {
				row := cols[((c*l.k+ki)*l.k+kj)*p:][:p]
				for oy := 0; oy < l.outH; oy++ {
					iy := oy*l.stride - l.pad + ki
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < l.outW; ox++ {
						ix := ox*l.stride - l.pad + kj
						if ix < 0 || ix >= w {
							continue
						}
						plane[iy*w+ix] += row[oy*l.outW+ox]
					}
				}
			}
		}
	}
}

// dense computes y = x·W + b with W stored as [in, out]
type dense struct {
	in, out      int
	weight, bias *Param
	input        *blob
}

func (l *dense) params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

func (l *dense) forward(x *blob, training bool) *blob {
	n := x.shape[0]
	l.input = x
	out := newBlob(n, l.out)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(n, l.in, x.data), general(l.in, l.out, l.weight.Data), 0, general(n, l.out, out.data))
	if l.bias != nil {
		for i := 0; i < n; i++ {
			row := out.data[i*l.out : (i+1)*l.out]
			for j := range row {
				row[j] += l.bias.Data[j]
			}
		}
	}
	return out
}

func (l *dense) backward(grad *blob) *blob {
	x := l.input
	n := x.shape[0]
	dy := general(n, l.out, grad.data)

	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, l.in, x.data), dy, 1, general(l.in, l.out, l.weight.Grad))
	if l.bias != nil {
		for i := 0; i < n; i++ {
			for j := 0; j < l.out; j++ {
				l.bias.Grad[j] += grad.data[i*l.out+j]
			}
		}
	}

	dx := newBlob(x.shape...)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, dy, general(l.in, l.out, l.weight.Data), 0, general(n, l.in, dx.data))
	return dx
}

// batchNorm normalizes each channel (4D input) or feature (2D input) over the batch
type batchNorm struct {
	features    int
	eps         float32
	momentum    float32
	gamma, beta *Param

	runningMean []float32
	runningVar  []float32

	// cached for backward
	xhat   []float32
	invStd []float32
	shape  []int

	// statistics of the last training batch, folded into the running ones by commitStats
	batchMean []float32
	batchVar  []float32
}

func (l *batchNorm) params() []*Param { return []*Param{l.gamma, l.beta} }

// spatial returns the number of values per (sample, channel) pair
func spatial(shape []int) int {
	s := 1
	for _, d := range shape[2:] {
		s *= d
	}
	return s
}

func (l *batchNorm) forward(x *blob, training bool) *blob {
	n := x.shape[0]
	c := l.features
	sp := spatial(x.shape)
	out := newBlob(x.shape...)

	if !training {
		for ch := 0; ch < c; ch++ {
			inv := float32(1 / math.Sqrt(float64(l.runningVar[ch]+l.eps)))
			g, b, mean := l.gamma.Data[ch], l.beta.Data[ch], l.runningMean[ch]
			for i := 0; i < n; i++ {
				base := (i*c + ch) * sp
				for s := 0; s < sp; s++ {
					out.data[base+s] = g*(x.data[base+s]-mean)*inv + b
				}
			}
		}
		return out
	}

	m := float64(n * sp)
	l.shape = x.shape
	l.xhat = make([]float32, len(x.data))
	l.invStd = make([]float32, c)
	l.batchMean = make([]float32, c)
	l.batchVar = make([]float32, c)

	for ch := 0; ch < c; ch++ {
		var sum float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * sp
			for s := 0; s < sp; s++ {
				sum += float64(x.data[base+s])
			}
		}
		mean := sum / m

		var sq float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * sp
			for s := 0; s < sp; s++ {
				d := float64(x.data[base+s]) - mean
				sq += d * d
			}
		}
		variance := sq / m

		inv := 1 / math.Sqrt(variance+float64(l.eps))
		l.invStd[ch] = float32(inv)

		g, b := l.gamma.Data[ch], l.beta.Data[ch]
		for i := 0; i < n; i++ {
			base := (i*c + ch) * sp
			for s := 0; s < sp; s++ {
				xh := float32((float64(x.data[base+s]) - mean) * inv)
				l.xhat[base+s] = xh
				out.data[base+s] = g*xh + b
			}
		}

		l.batchMean[ch] = float32(mean)
		l.batchVar[ch] = float32(variance)
	}
	return out
}

// commitStats moves the running statistics toward those of the last training batch
func (l *batchNorm) commitStats() {
	if l.batchMean == nil {
		return
	}
	for ch := range l.runningMean {
		l.runningMean[ch] = l.momentum*l.runningMean[ch] + (1-l.momentum)*l.batchMean[ch]
		l.runningVar[ch] = l.momentum*l.runningVar[ch] + (1-l.momentum)*l.batchVar[ch]
	}
	l.batchMean, l.batchVar = nil, nil
}

func (l *batchNorm) backward(grad *blob) *blob {
	n := l.shape[0]
	c := l.features
	sp := spatial(l.shape)
	m := float32(n * sp)
	dx := newBlob(l.shape...)

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float32
		for i := 0; i < n; i++ {
			base := (i*c + ch) * sp
			for s := 0; s < sp; s++ {
				dy := grad.data[base+s]
				sumDy += dy
				sumDyXhat += dy * l.xhat[base+s]
			}
		}
		l.gamma.Grad[ch] += sumDyXhat
		l.beta.Grad[ch] += sumDy

		k := l.gamma.Data[ch] * l.invStd[ch] / m
		for i := 0; i < n; i++ {
			base := (i*c + ch) * sp
			for s := 0; s < sp; s++ {
				dx.data[base+s] = k * (m*grad.data[base+s] - sumDy - l.xhat[base+s]*sumDyXhat)
			}
		}
	}
	return dx
}

// maxPool2d takes the maximum over non-overlapping or strided windows without padding
type maxPool2d struct {
	size, stride int
	argmax       []int
	inShape      []int
}

func (l *maxPool2d) params() []*Param { return nil }

func (l *maxPool2d) forward(x *blob, training bool) *blob {
	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	oh := (h-l.size)/l.stride + 1
	ow := (w-l.size)/l.stride + 1
	out := newBlob(n, c, oh, ow)
	l.argmax = make([]int, len(out.data))
	l.inShape = x.shape

	for nc := 0; nc < n*c; nc++ {
		src := nc * h * w
		dst := nc * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := src + (oy*l.stride)*w + ox*l.stride
				for ky := 0; ky < l.size; ky++ {
					for kx := 0; kx < l.size; kx++ {
						idx := src + (oy*l.stride+ky)*w + ox*l.stride + kx
						if x.data[idx] > x.data[best] {
							best = idx
						}
					}
				}
				out.data[dst+oy*ow+ox] = x.data[best]
				l.argmax[dst+oy*ow+ox] = best
			}
		}
	}
	return out
}

func (l *maxPool2d) backward(grad *blob) *blob {
	dx := newBlob(l.inShape...)
	for i, g := range grad.data {
		dx.data[l.argmax[i]] += g
	}
	return dx
}

type relu struct {
	mask []bool
}

func (l *relu) params() []*Param { return nil }

func (l *relu) forward(x *blob, training bool) *blob {
	out := newBlob(x.shape...)
	l.mask = make([]bool, len(x.data))
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
			l.mask[i] = true
		}
	}
	return out
}

func (l *relu) backward(grad *blob) *blob {
	dx := newBlob(grad.shape...)
	for i, g := range grad.data {
		if l.mask[i] {
			dx.data[i] = g
		}
	}
	return dx
}

// dropout zeroes values with probability rate during training and rescales the survivors by
// 1/(1-rate); at inference it is the identity
type dropout struct {
	rate float32
	rng  *rand.Rand
	mask []float32
}

func (l *dropout) params() []*Param { return nil }

func (l *dropout) forward(x *blob, training bool) *blob {
	if !training || l.rate == 0 {
		l.mask = nil
		return x
	}
	scale := 1 / (1 - l.rate)
	out := newBlob(x.shape...)
	l.mask = make([]float32, len(x.data))
	for i, v := range x.data {
		if l.rng.Float32() >= l.rate {
			l.mask[i] = scale
			out.data[i] = v * scale
		}
	}
	return out
}

func (l *dropout) backward(grad *blob) *blob {
	if l.mask == nil {
		return grad
	}
	dx := newBlob(grad.shape...)
	for i, g := range grad.data {
		dx.data[i] = g * l.mask[i]
	}
	return dx
}

type flatten struct {
	inShape []int
}

func (l *flatten) params() []*Param { return nil }

func (l *flatten) forward(x *blob, training bool) *blob {
	l.inShape = x.shape
	return &blob{data: x.data, shape: []int{x.shape[0], x.features()}}
}

func (l *flatten) backward(grad *blob) *blob {
	return &blob{data: grad.data, shape: l.inShape}
}

// softmax normalizes each row. Training never calls backward on it: the loss gradient is taken
// directly with respect to the logits.
type softmax struct{}

func (l *softmax) params() []*Param { return nil }

func (l *softmax) forward(x *blob, training bool) *blob {
	out := newBlob(x.shape...)
	k := x.features()
	for i := 0; i < x.shape[0]; i++ {
		softmaxRow(x.data[i*k:(i+1)*k], out.data[i*k:(i+1)*k])
	}
	return out
}

func (l *softmax) backward(grad *blob) *blob {
	panic("engine: softmax backward is fused into the loss")
}

func softmaxRow(logits, dst []float32) {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for j, v := range logits {
		e := math.Exp(float64(v - maxVal))
		dst[j] = float32(e)
		sum += e
	}
	for j := range dst {
		dst[j] = float32(float64(dst[j]) / sum)
	}
}

// probabilityFloor keeps log(p) finite for saturated predictions
const probabilityFloor = 1e-7

// softmaxCrossEntropy returns the summed cross-entropy of a batch of logits against sparse
// labels, the number of correct argmax predictions, and the gradient of the mean loss with
// respect to the logits
func softmaxCrossEntropy(logits *blob, labels []int) (lossSum float64, correct int, grad *blob) {
	n := logits.shape[0]
	k := logits.features()
	grad = newBlob(logits.shape...)
	probs := make([]float32, k)

	for i := 0; i < n; i++ {
		softmaxRow(logits.data[i*k:(i+1)*k], probs)

		label := labels[i]
		p := math.Max(float64(probs[label]), probabilityFloor)
		lossSum -= math.Log(p)

		if argmax(probs) == label {
			correct++
		}

		g := grad.data[i*k : (i+1)*k]
		for j := range g {
			g[j] = probs[j] / float32(n)
		}
		g[label] -= 1 / float32(n)
	}
	return lossSum, correct, grad
}

func argmax(v []float32) int {
	best := 0
	for j := 1; j < len(v); j++ {
		if v[j] > v[best] {
			best = j
		}
	}
	return best
}
