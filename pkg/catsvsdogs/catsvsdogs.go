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

// Package catsvsdogs trains and compares the Dense, CNN and CNN2 models on the PetImages dataset:
// it downloads and prepares the data, trains each model with early stopping, saves the models and
// generates the comparison figures and table.
package catsvsdogs

import (
	gocontext "context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/gomlx/catsvsdogs/pkg/fit"
	"github.com/gomlx/catsvsdogs/pkg/models"
	"github.com/gomlx/catsvsdogs/pkg/petimages"
	"github.com/gomlx/catsvsdogs/ui/report"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters and run options stored in the context.
const (
	ParamImageSize         = "image_size"
	ParamBatchSize         = "batch_size"
	ParamNumEpochs         = "num_epochs"
	ParamTrainSplit        = "train_split"
	ParamShuffleBuffer     = "shuffle_buffer"
	ParamEarlyStopPatience = "early_stop_patience"
	ParamEarlyStopMinDelta = "early_stop_min_delta"
	ParamSeed              = "seed"
	ParamModels            = "models"
	ParamUseCache          = "use_cache"
	ParamParallelism       = "parallelism"

	// ParamBestCheckpointModels lists the models for which the best model (by validation accuracy)
	// is also saved.
	ParamBestCheckpointModels = "best_checkpoint_models"
)

// Defaults of the hyperparameters.
const (
	DefaultImageSize         = 100
	DefaultBatchSize         = 32
	DefaultNumEpochs         = 30
	DefaultTrainSplit        = 0.85
	DefaultShuffleBuffer     = 1000
	DefaultEarlyStopPatience = 5
	DefaultSeed              = 42
	DefaultLearningRate      = 1e-3
)

// RunOnlyParams are parameters that don't affect the model, and are not saved with its checkpoints.
var RunOnlyParams = []string{
	ParamNumEpochs, ParamModels, ParamUseCache, ParamParallelism, ParamBestCheckpointModels,
	ParamEarlyStopPatience, ParamEarlyStopMinDelta,
}

// ModelDirName returns the directory, under the output directory, where the final model is saved.
func ModelDirName(model string) string { return "dogs_cats_" + model }

// BestModelDirName returns the directory, under the output directory, where the best model is saved.
func BestModelDirName(model string) string { return "best_model_" + model }

// CreateDefaultContext sets the context with default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Data.
		ParamImageSize:     DefaultImageSize,
		ParamTrainSplit:    DefaultTrainSplit,
		ParamShuffleBuffer: DefaultShuffleBuffer,
		ParamSeed:          DefaultSeed,
		ParamUseCache:      true, // Preprocess all images once into a binary cache in the data directory.
		ParamParallelism:   0,    // 0 uses the number of cores.

		// Training.
		ParamBatchSize:               DefaultBatchSize,
		ParamNumEpochs:               DefaultNumEpochs,
		ParamEarlyStopPatience:       DefaultEarlyStopPatience,
		ParamEarlyStopMinDelta:       0.0,
		ParamModels:                  slices.Clone(models.ModelNames),
		ParamBestCheckpointModels:    []string{"cnn2"},
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: DefaultLearningRate,

		// Models.
		models.ParamDenseHiddenNodes: slices.Clone(models.DefaultDenseHiddenNodes),
		models.ParamCNNFilters:       slices.Clone(models.DefaultCNNFilters),
		models.ParamCNNKernelSize:    models.DefaultCNNKernelSize,
		models.ParamCNNHiddenNodes:   models.DefaultCNNHiddenNodes,
		models.ParamCNN2HiddenNodes:  models.DefaultCNN2HiddenNodes,
		models.ParamCNN2DropoutRate:  models.DefaultCNN2DropoutRate,
	})
	return ctx
}

// Config holds the run options that are not hyperparameters.
type Config struct {
	// DataDir where the dataset is downloaded and the cache is stored.
	DataDir string

	// OutputDir where models, logs and figures are saved.
	OutputDir string

	// Plots enables the generation of the sample grid and comparison figures.
	Plots bool

	// EvalOnly skips training: the models previously saved in OutputDir are loaded and evaluated.
	EvalOnly bool

	// ProgressBar shows progress bars on the terminal.
	ProgressBar bool

	// ParamsSet are the hyperparameters set by the user, also excluded from the checkpoints so they
	// can be changed when continuing.
	ParamsSet []string
}

// Data holds the prepared training and validation datasets.
type Data struct {
	Train, Validation *petimages.Dataset
	cache             *petimages.Cache
}

// Close releases the cache file, if one is used.
func (d *Data) Close() error {
	if d.cache == nil {
		return nil
	}
	return d.cache.Close()
}

func parallelism(ctx *context.Context) int {
	n := context.GetParamOr(ctx, ParamParallelism, 0)
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return n
}

// seedParam returns ParamSeed. It must fit in an int32, since it is stored in the cache header.
func seedParam(ctx *context.Context) (int32, error) {
	seed := context.GetParamOr(ctx, ParamSeed, DefaultSeed)
	if seed < math.MinInt32 || seed > math.MaxInt32 {
		return 0, errors.Errorf("hyperparameter %q=%d out of range, it must fit in 32 bits", ParamSeed, seed)
	}
	return int32(seed), nil
}

// ParseModelsList splits a comma-separated list of model names, trimming spaces and dropping empty entries.
func ParseModelsList(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// PrepareData downloads the dataset if needed, lists and splits the examples, and creates the datasets.
func PrepareData(goCtx gocontext.Context, ctx *context.Context, cfg *Config) (*Data, error) {
	dataDir := fsutil.MustReplaceTildeInDir(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %q", dataDir)
	}
	if err := petimages.Download(goCtx, dataDir); err != nil {
		return nil, err
	}
	seed, err := seedParam(ctx)
	if err != nil {
		return nil, err
	}
	examples, err := petimages.ListExamples(dataDir, seed)
	if err != nil {
		return nil, err
	}
	counts := petimages.CountLabels(examples)
	klog.Infof("Found %d images: %d cats, %d dogs", len(examples), counts[petimages.Cat], counts[petimages.Dog])

	imageSize := context.GetParamOr(ctx, ParamImageSize, DefaultImageSize)
	ratio := context.GetParamOr(ctx, ParamTrainSplit, DefaultTrainSplit)
	data := &Data{}
	var trainSource, valSource petimages.Source
	if context.GetParamOr(ctx, ParamUseCache, true) {
		cachePath := filepath.Join(dataDir, fmt.Sprintf("petimages_gray_%dx%d.bin", imageSize, imageSize))
		data.cache, err = petimages.OpenOrBuildCache(examples, imageSize, seed, cachePath, parallelism(ctx), cfg.ProgressBar)
		if err != nil {
			return nil, err
		}
		trainSource, valSource, err = petimages.SplitCache(data.cache, ratio)
		if err != nil {
			_ = data.Close()
			return nil, err
		}
	} else {
		examples = petimages.FilterDecodable(examples, parallelism(ctx))
		trainExamples, valExamples, err := petimages.Split(examples, ratio)
		if err != nil {
			return nil, err
		}
		trainSource = petimages.NewFileSource(trainExamples, imageSize)
		valSource = petimages.NewFileSource(valExamples, imageSize)
	}
	klog.Infof("Split: %d training and %d validation images", trainSource.Len(), valSource.Len())

	batchSize := context.GetParamOr(ctx, ParamBatchSize, DefaultBatchSize)
	data.Train, err = petimages.NewDataset("Train", trainSource, batchSize)
	if err == nil {
		data.Train.Shuffle(context.GetParamOr(ctx, ParamShuffleBuffer, DefaultShuffleBuffer), int64(seed))
		data.Validation, err = petimages.NewDataset("Validation", valSource, batchSize)
	}
	if err != nil {
		_ = data.Close()
		return nil, err
	}
	data.Validation.WithShortName("Val")
	return data, nil
}

// parallelDataset parallelizes the preprocessing of a petimages.Dataset, preserving NumBatches.
type parallelDataset struct {
	*datasets.ParallelDataset
	numBatches int
}

func (pd *parallelDataset) NumBatches() int { return pd.numBatches }

func newParallelDataset(ds *petimages.Dataset, parallelism int) *parallelDataset {
	return &parallelDataset{
		ParallelDataset: datasets.CustomParallel(ds).Parallelism(parallelism).Buffer(parallelism).Start(),
		numBatches:      ds.NumBatches(),
	}
}

// SaveSamples saves the grid of the first training images in figuresDir, and resets the training dataset.
func SaveSamples(trainDS *petimages.Dataset, figuresDir string) (string, error) {
	defer trainDS.Reset()
	var images [][]byte
	var labels []petimages.Label
	for len(images) < report.SampleGridSize*report.SampleGridSize {
		pixels, batchLabels, err := trainDS.YieldPixels()
		if err != nil {
			if len(images) > 0 {
				break
			}
			return "", errors.WithMessage(err, "reading sample images")
		}
		images = append(images, pixels...)
		labels = append(labels, batchLabels...)
	}
	filePath := filepath.Join(figuresDir, report.SampleGridFileName)
	return filePath, report.SampleGrid(filePath, images, labels, trainDS.ImageSize())
}

// Run trains (or with Config.EvalOnly evaluates) each of the configured models, and returns their histories,
// in the order of the ParamModels hyperparameter.
func Run(goCtx gocontext.Context, backend backends.Backend, ctx *context.Context, cfg *Config) ([]*fit.History, error) {
	modelNames := context.GetParamOr(ctx, ParamModels, models.ModelNames)
	if len(modelNames) == 0 {
		return nil, errors.New("no models to train, set the hyperparameter \"models\"")
	}
	for _, model := range modelNames {
		if _, err := models.Get(model); err != nil {
			return nil, err
		}
	}
	outputDir := fsutil.MustReplaceTildeInDir(cfg.OutputDir)
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", outputDir)
	}

	data, err := PrepareData(goCtx, ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := data.Close(); err != nil {
			klog.Warningf("Failed to close cache: %+v", err)
		}
	}()
	figuresDir := filepath.Join(outputDir, "figures")
	if cfg.Plots {
		samplesPath, err := SaveSamples(data.Train, figuresDir)
		if err != nil {
			return nil, err
		}
		klog.Infof("Sample images saved to %q", samplesPath)
	}

	var histories []*fit.History
	for _, model := range modelNames {
		if err = goCtx.Err(); err != nil {
			return histories, errors.Wrapf(err, "interrupted before model %q", model)
		}
		var history *fit.History
		if cfg.EvalOnly {
			history, err = evalModel(backend, ctx, cfg, model, outputDir, data)
		} else {
			history, err = trainModel(backend, ctx, cfg, model, outputDir, data)
		}
		if err != nil {
			return histories, err
		}
		klog.Infof("%s", history.Summary())
		histories = append(histories, history)
	}

	if cfg.Plots {
		comparisonPath := filepath.Join(figuresDir, report.ComparisonFileName)
		if err = report.Comparison(comparisonPath, histories); err != nil {
			return histories, err
		}
		svgFiles, err := report.ComparisonSVG(figuresDir, histories)
		if err != nil {
			return histories, err
		}
		htmlFiles, err := report.ComparisonHTML(figuresDir, histories)
		if err != nil {
			return histories, err
		}
		klog.Infof("Comparison figures saved to %q, %q and %q", comparisonPath, svgFiles, htmlFiles)
	}
	return histories, nil
}

// trainModel trains model in a fresh clone of ctx.
func trainModel(backend backends.Backend, ctx *context.Context, cfg *Config, model, outputDir string, data *Data) (*fit.History, error) {
	modelCtx, err := ctx.Clone()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create context for model %q", model)
	}
	fitCfg := fit.Config{
		Model:             model,
		Epochs:            context.GetParamOr(ctx, ParamNumEpochs, DefaultNumEpochs),
		EarlyStopPatience: context.GetParamOr(ctx, ParamEarlyStopPatience, DefaultEarlyStopPatience),
		EarlyStopMinDelta: context.GetParamOr(ctx, ParamEarlyStopMinDelta, 0.0),
		OutputDir:         filepath.Join(outputDir, ModelDirName(model)),
		LogDir:            filepath.Join(outputDir, "logs", model),
		ExcludeParams:     append(slices.Clone(RunOnlyParams), cfg.ParamsSet...),
		ProgressBar:       cfg.ProgressBar,
	}
	if slices.Contains(context.GetParamOr(ctx, ParamBestCheckpointModels, []string{}), model) {
		fitCfg.BestCheckpointDir = filepath.Join(outputDir, BestModelDirName(model))
	}
	klog.Infof("Training %s (%d epochs max, early stopping patience %d)",
		models.DisplayName(model), fitCfg.Epochs, fitCfg.EarlyStopPatience)

	par := parallelism(ctx)
	trainDS := newParallelDataset(data.Train, par)
	defer trainDS.Done()
	valDS := newParallelDataset(data.Validation, par)
	defer valDS.Done()
	return fit.Fit(backend, modelCtx, fitCfg, trainDS, valDS)
}

// evalModel loads the model saved by a previous run and evaluates it on the validation data.
func evalModel(backend backends.Backend, ctx *context.Context, cfg *Config, model, outputDir string, data *Data) (*fit.History, error) {
	modelDir := filepath.Join(outputDir, ModelDirName(model))
	history, err := fit.LoadHistory(filepath.Join(modelDir, fit.HistoryFileName))
	if err != nil {
		return nil, err
	}
	modelCtx, err := ctx.Clone()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create context for model %q", model)
	}
	if err = fit.LoadModel(modelCtx, modelDir); err != nil {
		return nil, err
	}
	loss, accuracy, err := fit.Evaluate(backend, modelCtx, model, data.Validation)
	if err != nil {
		return nil, err
	}
	klog.Infof("%s on %s: loss=%.4f accuracy=%.2f%%", models.DisplayName(model), data.Validation.Name(), loss, 100*accuracy)
	return history, nil
}
