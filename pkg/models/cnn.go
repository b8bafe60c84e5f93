package models

// This file implements the two convolutional models, which share the same convolutional stack.

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// CnnModelGraph applies the convolutional stack (ParamCNNFilters), flattens it and adds one hidden
// layer of ParamCNNHiddenNodes before the readout.
func CnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model") // Create the model by default under the "/model" scope.
	embeddings := CnnEmbeddings(ctx, inputs[0])
	x := layers.DenseWithBias(ctx.In("hidden"), embeddings, context.GetParamOr(ctx, ParamCNNHiddenNodes, DefaultCNNHiddenNodes))
	x = activations.Relu(x)
	logits := layers.DenseWithBias(ctx.In("readout"), x, 1)
	return []*Node{logits}
}

// Cnn2ModelGraph is like CnnModelGraph, but applies dropout (ParamCNN2DropoutRate) to the output of
// the convolutions and uses a wider hidden layer (ParamCNN2HiddenNodes).
func Cnn2ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model") // Create the model by default under the "/model" scope.
	images := inputs[0]
	embeddings := cnnConvolutions(ctx, images)
	dropoutRate := context.GetParamOr(ctx, ParamCNN2DropoutRate, DefaultCNN2DropoutRate)
	if dropoutRate < 0 || dropoutRate >= 1 {
		exceptions.Panicf("%s must be in the interval [0, 1), got %g", ParamCNN2DropoutRate, dropoutRate)
	}
	if dropoutRate > 0 {
		embeddings = layers.Dropout(ctx.In("dropout"), embeddings, Scalar(images.Graph(), images.DType(), dropoutRate))
	}
	embeddings = Reshape(embeddings, embeddings.Shape().Dimensions[0], -1)
	x := layers.DenseWithBias(ctx.In("hidden"), embeddings, context.GetParamOr(ctx, ParamCNN2HiddenNodes, DefaultCNN2HiddenNodes))
	x = activations.Relu(x)
	logits := layers.DenseWithBias(ctx.In("readout"), x, 1)
	return []*Node{logits}
}

// CnnEmbeddings returns the flattened output of the convolutional stack, shaped [batch_size, -1].
func CnnEmbeddings(ctx *context.Context, images *Node) *Node {
	x := cnnConvolutions(ctx, images)
	return Reshape(x, x.Shape().Dimensions[0], -1)
}

// cnnConvolutions applies, for each entry of ParamCNNFilters, a convolution without padding, relu and
// a 2x2 max-pooling without padding.
func cnnConvolutions(ctx *context.Context, images *Node) *Node {
	checkImages(images)
	batchSize := images.Shape().Dimensions[0]
	kernelSize := context.GetParamOr(ctx, ParamCNNKernelSize, DefaultCNNKernelSize)
	x := images
	for convIdx, numFilters := range context.GetParamOr(ctx, ParamCNNFilters, DefaultCNNFilters) {
		imgSize := x.Shape().Dimensions[1]
		if imgSize-kernelSize+1 < 2 {
			exceptions.Panicf("image too small for %d convolutions with kernel size %d: only %dx%d left before convolution #%d",
				len(context.GetParamOr(ctx, ParamCNNFilters, DefaultCNNFilters)), kernelSize, imgSize, imgSize, convIdx)
		}
		x = layers.Convolution(ctx.Inf("%03d_conv", convIdx), x).
			Channels(numFilters).
			KernelSize(kernelSize).
			NoPadding().
			Done()
		x = activations.Relu(x)
		x = MaxPool(x).Window(2).NoPadding().Done()
		imgSize = (imgSize - kernelSize + 1) / 2
		x.AssertDims(batchSize, imgSize, imgSize, numFilters)
	}
	return x
}

// ConvolutionsOutputSize returns the width (and height) of the output of the convolutional stack for
// images of the given size.
func ConvolutionsOutputSize(imageSize, numConvolutions, kernelSize int) int {
	for range numConvolutions {
		imageSize = (imageSize - kernelSize + 1) / 2
	}
	return imageSize
}
