package models

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomImages returns a tensor shaped [batchSize, size, size, 1] with pseudo-random values in [0, 1].
func randomImages(batchSize, size int) *tensors.Tensor {
	flat := make([]float32, batchSize*size*size)
	for i := range flat {
		flat[i] = float32((i*7919)%256) / 255.0
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, size, size, 1)
}

func TestModelsOutputShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, name := range ModelNames {
		t.Run(name, func(t *testing.T) {
			ctx := context.New()
			modelFn, err := Get(name)
			require.NoError(t, err)
			logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
				return modelFn(ctx, nil, []*Node{images})[0]
			}, randomImages(3, 32))
			assert.Equal(t, []int{3, 1}, logits.Shape().Dimensions)
			assert.Greater(t, ctx.NumParameters(), 0)
			for v := range ctx.IterVariables() {
				assert.Contains(t, v.Scope(), "/model")
			}
		})
	}
}

func TestDenseNumParameters(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return DenseModelGraph(ctx, nil, []*Node{images})[0]
	}, randomImages(2, 8))
	want := (64*150 + 150) + (150*150 + 150) + (150 + 1)
	assert.Equal(t, want, ctx.NumParameters())

	ctx = context.New()
	ctx.SetParam(ParamDenseHiddenNodes, []int{10})
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return DenseModelGraph(ctx, nil, []*Node{images})[0]
	}, randomImages(2, 8))
	assert.Equal(t, (64*10+10)+(10+1), ctx.NumParameters())
}

func TestConvolutionsOutputSize(t *testing.T) {
	assert.Equal(t, 10, ConvolutionsOutputSize(100, 3, 3))
	assert.Equal(t, 2, ConvolutionsOutputSize(32, 3, 3))

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	embeddings := context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return CnnEmbeddings(ctx, images)
	}, randomImages(2, 32))
	assert.Equal(t, []int{2, 2 * 2 * 128}, embeddings.Shape().Dimensions)
}

func TestPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	images := randomImages(4, 32)
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return Cnn2ModelGraph(ctx, nil, []*Node{images})[0]
	}, images)

	probs, err := Predict(backend, ctx, "cnn2", images)
	require.NoError(t, err)
	require.Len(t, probs, 4)
	for _, p := range probs {
		assert.Greater(t, p, float32(0))
		assert.Less(t, p, float32(1))
	}
	// Dropout is disabled outside training, so predictions are deterministic.
	again, err := Predict(backend, ctx, "cnn2", images)
	require.NoError(t, err)
	assert.Equal(t, probs, again)

	_, err = Predict(backend, ctx, "resnet", images)
	require.Error(t, err)

	rgb := tensors.FromFlatDataAndDimensions(make([]float32, 2*32*32*3), 2, 32, 32, 3)
	_, err = Predict(backend, ctx, "cnn2", rgb)
	require.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Dense", DisplayName("dense"))
	assert.Equal(t, "CNN", DisplayName("cnn"))
	assert.Equal(t, "CNN2", DisplayName("cnn2"))
	assert.Equal(t, "other", DisplayName("other"))
}
