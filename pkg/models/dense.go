package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DenseModelGraph flattens the images and applies fully connected layers with relu activations
// (ParamDenseHiddenNodes), followed by a linear readout.
func DenseModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model") // Create the model by default under the "/model" scope.
	images := inputs[0]
	checkImages(images)
	batchSize := images.Shape().Dimensions[0]
	x := Reshape(images, batchSize, -1)
	for ii, numNodes := range context.GetParamOr(ctx, ParamDenseHiddenNodes, DefaultDenseHiddenNodes) {
		x = layers.DenseWithBias(ctx.Inf("%03d_dense", ii), x, numNodes)
		x = activations.Relu(x)
	}
	logits := layers.DenseWithBias(ctx.In("readout"), x, 1)
	return []*Node{logits}
}
