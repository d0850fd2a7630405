package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	segScopeName  = "segmenter"
	discScopeName = "discriminator"
)

var (
	segmenterWidths     = []int{64, 128, 256}
	discriminatorWidths = []int{64, 128, 256, 512}
)

// nhwc reorders a batch from the loader's [N,C,H,W] layout into the
// channels-last layout the convolution stack works in.
func nhwc(x *Node) *Node {
	return TransposeAllDims(x, 0, 2, 3, 1)
}

// segmenterGraph builds the dense-prediction network: a strided
// convolutional encoder followed by a 1x1 classifier, with the logits
// bilinearly upsampled back to the input resolution. Returns logits
// shaped [batch, height, width, numClasses].
func segmenterGraph(ctx *context.Context, images *Node, numClasses int) *Node {
	x := nhwc(images)
	dims := x.Shape().Dimensions
	for i, width := range segmenterWidths {
		scope := ctx.In(fmt.Sprintf("conv%d", i+1))
		x = layers.Convolution(scope, x).Filters(width).KernelSize(3).Strides(2).PadSame().Done()
		x = activations.Relu(x)
	}
	x = layers.Convolution(ctx.In("conv4"), x).Filters(256).KernelSize(3).PadSame().Done()
	x = activations.Relu(x)
	logits := layers.Convolution(ctx.In("classifier"), x).Filters(numClasses).KernelSize(1).Done()
	logits = Interpolate(logits, -1, dims[1], dims[2], -1).Bilinear().Done()
	logits.AssertDims(dims[0], dims[1], dims[2], numClasses)
	return logits
}

// discriminatorGraph scores a segmentation probability map: a stack of
// stride-2 convolutions with leaky activations ending in a one-channel
// logit map. Positive logits read as target-domain.
func discriminatorGraph(ctx *context.Context, probs *Node) *Node {
	x := probs
	for i, width := range discriminatorWidths {
		scope := ctx.In(fmt.Sprintf("conv%d", i+1))
		x = layers.Convolution(scope, x).Filters(width).KernelSize(4).Strides(2).PadSame().Done()
		x = leakyRelu(x, 0.2)
	}
	return layers.Convolution(ctx.In("classifier"), x).Filters(1).KernelSize(4).Strides(2).PadSame().Done()
}

func leakyRelu(x *Node, alpha float64) *Node {
	return Max(x, MulScalar(x, alpha))
}

// maskedCrossEntropy averages the per-pixel cross entropy of logits
// [N,H,W,C] against labels [N,H,W], skipping pixels carrying the
// ignore id. Labels outside [0, C) contribute nothing.
func maskedCrossEntropy(logits, labels *Node, ignore uint8) *Node {
	g := logits.Graph()
	dims := logits.Shape().Dimensions
	logProbs := LogSoftmax(logits, -1)
	classIota := Iota(g, shapes.Make(dtypes.Int32, dims...), 3)
	wide := Reshape(labels, dims[0], dims[1], dims[2], 1)
	oneHot := ConvertDType(Equal(classIota, wide), dtypes.Float32)
	picked := ReduceSum(Mul(logProbs, oneHot), -1)
	mask := ConvertDType(NotEqual(labels, Const(g, int32(ignore))), dtypes.Float32)
	total := ReduceAllSum(Mul(Neg(picked), mask))
	count := Max(ReduceAllSum(mask), Const(g, float32(1)))
	return Div(total, count)
}

func softplus(x *Node) *Node {
	return Add(Max(x, ZerosLike(x)), Log(AddScalar(Exp(Neg(Abs(x))), 1)))
}

// domainLoss is the binary cross entropy of discriminator logits
// against a constant domain label, 0 for source and 1 for target.
func domainLoss(logits *Node, target bool) *Node {
	if target {
		return ReduceAllMean(softplus(Neg(logits)))
	}
	return ReduceAllMean(softplus(logits))
}

// warmGraph runs both networks forward once so that every variable
// exists before the training graphs compile and latch trainability.
func (b *AdversarialBackend) warmGraph(ctx *context.Context, inputs []*Node) []*Node {
	logits := segmenterGraph(ctx.In(segScopeName), inputs[0], b.numClasses)
	score := discriminatorGraph(ctx.In(discScopeName), Softmax(logits, -1))
	return []*Node{ReduceAllMean(score)}
}

// discGraph is one discriminator update: score current segmenter
// outputs on both domains and push source toward 0, target toward 1.
// The segmenter forward is detached, only discriminator variables are
// trainable while this graph compiles.
func (b *AdversarialBackend) discGraph(ctx *context.Context, inputs []*Node) []*Node {
	src, tgt := inputs[0], inputs[1]
	srcProbs := StopGradient(Softmax(segmenterGraph(ctx.In(segScopeName), src, b.numClasses), -1))
	tgtProbs := StopGradient(Softmax(segmenterGraph(ctx.In(segScopeName), tgt, b.numClasses), -1))
	srcScore := discriminatorGraph(ctx.In(discScopeName), srcProbs)
	tgtScore := discriminatorGraph(ctx.In(discScopeName), tgtProbs)
	loss := MulScalar(Add(domainLoss(srcScore, false), domainLoss(tgtScore, true)), 0.5)
	b.discOpt.UpdateGraph(ctx, loss.Graph(), loss)
	return []*Node{loss}
}

// segGraph is one segmenter update: supervised cross entropy on the
// labeled source batch plus the adversarial term that pushes target
// outputs toward the discriminator's source side. Discriminator
// variables are frozen while this graph compiles, so the adversarial
// gradient flows through them into the segmenter only.
func (b *AdversarialBackend) segGraph(ctx *context.Context, inputs []*Node) []*Node {
	src, labels, tgt := inputs[0], inputs[1], inputs[2]
	srcLogits := segmenterGraph(ctx.In(segScopeName), src, b.numClasses)
	segLoss := maskedCrossEntropy(srcLogits, labels, b.ignore)
	tgtLogits := segmenterGraph(ctx.In(segScopeName), tgt, b.numClasses)
	tgtScore := discriminatorGraph(ctx.In(discScopeName), Softmax(tgtLogits, -1))
	advLoss := domainLoss(tgtScore, false)
	total := Add(segLoss, MulScalar(advLoss, b.lambda))
	b.segOpt.UpdateGraph(ctx, total.Graph(), total)
	return []*Node{segLoss, advLoss}
}

// predictGraph maps images to per-pixel class ids.
func (b *AdversarialBackend) predictGraph(ctx *context.Context, inputs []*Node) []*Node {
	logits := segmenterGraph(ctx.In(segScopeName), inputs[0], b.numClasses)
	return []*Node{ArgMax(logits, -1, dtypes.Int32)}
}
