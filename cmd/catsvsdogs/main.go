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

// catsvsdogs trains the Dense, CNN and CNN2 models on the Kaggle cats vs dogs (PetImages) dataset
// and compares them.
//
// Hyperparameters can be changed with -set, e.g.:
//
//	$ catsvsdogs -set="num_epochs=10;image_size=64;models=cnn,cnn2"
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/catsvsdogs/pkg/catsvsdogs"
	"github.com/gomlx/catsvsdogs/ui/report"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir   = flag.String("data", "~/tmp/dogs_vs_cats", "Directory to download the dataset and store the preprocessed cache.")
	flagOutputDir = flag.String("output", "~/tmp/dogs_vs_cats/output", "Directory to save models, logs and figures.")
	flagModels    = flag.String("models", "", "Comma-separated list of models to train, overrides the \"models\" hyperparameter. Valid values: dense, cnn, cnn2.")
	flagCache     = flag.Bool("cache", true, "Preprocess the images once into a binary cache. Overrides the \"use_cache\" hyperparameter.")
	flagPlots     = flag.Bool("plots", true, "Generate the figures with sample images and the comparison of the models.")
	flagEvalOnly  = flag.Bool("eval_only", false, "Skip training: load the previously saved models and evaluate them.")
	flagProgress  = flag.Bool("progress", true, "Display progress bars.")
)

func main() {
	ctx := catsvsdogs.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "models":
			ctx.SetParam(catsvsdogs.ParamModels, catsvsdogs.ParseModelsList(*flagModels))
			paramsSet = append(paramsSet, catsvsdogs.ParamModels)
		case "cache":
			ctx.SetParam(catsvsdogs.ParamUseCache, *flagCache)
			paramsSet = append(paramsSet, catsvsdogs.ParamUseCache)
		}
	})
	if len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	goCtx, cancel := signal.NotifyContext(gocontext.Background(), os.Interrupt)
	defer cancel()
	cfg := &catsvsdogs.Config{
		DataDir:     *flagDataDir,
		OutputDir:   *flagOutputDir,
		Plots:       *flagPlots,
		EvalOnly:    *flagEvalOnly,
		ProgressBar: *flagProgress,
		ParamsSet:   paramsSet,
	}
	histories, err := catsvsdogs.Run(goCtx, backends.MustNew(), ctx, cfg)
	if len(histories) > 0 {
		fmt.Println(report.SummaryTable(os.Stdout, histories, false))
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
