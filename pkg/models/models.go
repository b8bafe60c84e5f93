/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package models defines the cats vs dogs classifiers: a fully connected network and two
// convolutional networks.
//
// All models take one input, the grayscale images shaped [batch_size, size, size, 1], and return
// one logit per image shaped [batch_size, 1]: positive values predict Dog.
package models

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Hyperparameters of the models. See CreateDefaultContext in package catsvsdogs for the defaults.
const (
	// ParamDenseHiddenNodes is the list of hidden layer widths of the Dense model.
	ParamDenseHiddenNodes = "dense_hidden_nodes"

	// ParamCNNFilters is the list of the number of filters of each convolution of the CNN models.
	// Each convolution is followed by a 2x2 max-pooling.
	ParamCNNFilters = "cnn_filters"

	// ParamCNNKernelSize is the kernel size of the convolutions.
	ParamCNNKernelSize = "cnn_kernel_size"

	// ParamCNNHiddenNodes is the width of the hidden layer on top of the convolutions of the CNN model.
	ParamCNNHiddenNodes = "cnn_hidden_nodes"

	// ParamCNN2HiddenNodes is the width of the hidden layer on top of the convolutions of the CNN2 model.
	ParamCNN2HiddenNodes = "cnn2_hidden_nodes"

	// ParamCNN2DropoutRate is the dropout rate applied to the convolutions output of the CNN2 model.
	ParamCNN2DropoutRate = "cnn2_dropout_rate"
)

// Defaults of the scalar hyperparameters.
const (
	DefaultCNNKernelSize   = 3
	DefaultCNNHiddenNodes  = 100
	DefaultCNN2HiddenNodes = 250
	DefaultCNN2DropoutRate = 0.5
)

var (
	// DefaultDenseHiddenNodes used if ParamDenseHiddenNodes is not set.
	DefaultDenseHiddenNodes = []int{150, 150}

	// DefaultCNNFilters used if ParamCNNFilters is not set.
	DefaultCNNFilters = []int{32, 64, 128}
)

// ModelsFns maps a model name to its train model function.
// Models are trained in the order given by ModelNames.
var ModelsFns = map[string]train.ModelFn{
	"dense": DenseModelGraph,
	"cnn":   CnnModelGraph,
	"cnn2":  Cnn2ModelGraph,
}

// ModelNames lists the models in ModelsFns in their canonical order.
var ModelNames = []string{"dense", "cnn", "cnn2"}

var displayNames = map[string]string{
	"dense": "Dense",
	"cnn":   "CNN",
	"cnn2":  "CNN2",
}

// DisplayName returns the name of the model used in plots and reports.
func DisplayName(model string) string {
	if name, found := displayNames[model]; found {
		return name
	}
	return model
}

// Get returns the model function registered under name.
func Get(name string) (train.ModelFn, error) {
	modelFn, found := ModelsFns[name]
	if !found {
		return nil, errors.Errorf("unknown model %q, valid values are %q", name, slices.Sorted(maps.Keys(ModelsFns)))
	}
	return modelFn, nil
}

// checkImages checks images are shaped [batch_size, size, size, 1].
func checkImages(images *Node) {
	if images.Rank() != 4 || images.Shape().Dimensions[3] != 1 {
		exceptions.Panicf("models expect grayscale images shaped [batch_size, size, size, 1], got %s", images.Shape())
	}
}

// Predict returns the probability of each image being a Dog, using the model weights in ctx.
// images must be shaped [batch_size, size, size, 1].
func Predict(backend backends.Backend, ctx *context.Context, model string, images *tensors.Tensor) (probabilities []float32, err error) {
	modelFn, err := Get(model)
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		ctx := ctx.Reuse()
		probsT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
			logits := modelFn(ctx, nil, []*Node{images})[0]
			return Reshape(Sigmoid(logits), -1)
		}, images)
		probabilities = tensors.MustCopyFlatData[float32](probsT)
		probsT.MustFinalizeAll()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to predict with model %q", model)
	}
	return probabilities, nil
}
