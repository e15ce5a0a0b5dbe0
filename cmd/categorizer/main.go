// Copyright 2020 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/gorse-io/categorizer/classifier"
	"github.com/gorse-io/categorizer/cmd/version"
	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/common/monitor"
	"github.com/gorse-io/categorizer/config"
	"github.com/gorse-io/categorizer/storage/blob"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:   "categorizer",
	Short: "Multi-task product category classifier.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
}

var trainCommand = &cobra.Command{
	Use:   "train DATA_ROOT OUT_DIR",
	Short: "Train a model on the train split of a data root.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		pretrain, _ := cmd.Flags().GetString("pretrain")
		trainAll, _ := cmd.Flags().GetBool("trainall")
		resume, _ := cmd.Flags().GetBool("resume")
		metricsFile, _ := cmd.Flags().GetString("metrics-file")
		ctx, stop := signalContext()
		defer stop()
		_, err := classifier.Train(ctx, cfg, classifier.TrainOptions{
			DataRoot:    args[0],
			OutDir:      args[1],
			Pretrain:    pretrain,
			TrainAll:    trainAll,
			Resume:      resume,
			MetricsFile: metricsFile,
		})
		if err != nil {
			log.Logger().Fatal("failed to train", zap.String("out_dir", log.RedactURL(args[1])), zap.Error(err))
		}
	},
}

var predictCommand = &cobra.Command{
	Use:   "predict DATA_ROOT MODEL_ROOT TEST_ROOT TEST_DIV OUT_PATH",
	Short: "Predict categories of a split and write them in canonical order.",
	Args:  cobra.ExactArgs(5),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		readable, _ := cmd.Flags().GetBool("readable")
		ctx, stop := signalContext()
		defer stop()
		err := classifier.Predict(ctx, cfg, classifier.PredictOptions{
			DataRoot:  args[0],
			ModelRoot: args[1],
			TestRoot:  args[2],
			TestDiv:   args[3],
			OutPath:   args[4],
			Readable:  readable,
		})
		if err != nil {
			log.Logger().Fatal("failed to predict", zap.String("model_root", log.RedactURL(args[1])), zap.Error(err))
		}
	},
}

var buildCommand = &cobra.Command{
	Use:   "build DATA_ROOT INPUT...",
	Short: "Tokenize JSON lines product files into a data root.",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		div, _ := cmd.Flags().GetString("div")
		metaRoot, _ := cmd.Flags().GetString("meta")
		jobs, _ := cmd.Flags().GetInt("jobs")
		ctx, stop := signalContext()
		defer stop()
		if err := classifier.Build(ctx, cfg, args[1:], args[0], div, metaRoot, jobs); err != nil {
			log.Logger().Fatal("failed to build dataset", zap.String("data_root", args[0]), zap.Error(err))
		}
	},
}

var evaluateCommand = &cobra.Command{
	Use:   "evaluate DATA_ROOT TEST_ROOT TEST_DIV PREDICTION",
	Short: "Score a prediction file against the labels of a split.",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		score, err := classifier.Evaluate(args[0], args[1], args[2], args[3])
		if err != nil {
			log.Logger().Fatal("failed to evaluate", zap.Error(err))
		}
		log.Logger().Info("evaluate", score.ZapFields()...)
		if err = score.Render(os.Stdout); err != nil {
			log.Logger().Fatal("failed to render score", zap.Error(err))
		}
	},
}

var listCommand = &cobra.Command{
	Use:   "list LOCATION",
	Short: "List files of a model directory.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store, err := blob.Open(args[0], cfg.Storage)
		if err != nil {
			log.Logger().Fatal("failed to open storage", zap.Error(err))
		}
		files, err := store.List(cmd.Context())
		if err != nil {
			log.Logger().Fatal("failed to list files", zap.String("location", log.RedactURL(args[0])), zap.Error(err))
		}
		for _, file := range files {
			fmt.Println(file)
		}
	},
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Print build information.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.BuildInfo())
	},
}

func loadConfig(cmd *cobra.Command) *config.Config {
	configPath, _ := cmd.Flags().GetString("config")
	log.Logger().Info("load config", zap.String("config", configPath))
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Logger().Fatal("failed to load config", zap.Error(err))
	}
	return cfg
}

// signalContext is canceled on SIGINT. Progress bars are drawn if stderr is a terminal.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if stat, err := os.Stderr.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
		ctx = monitor.WithProgressBar(ctx, os.Stderr)
	}
	return ctx, stop
}

func init() {
	log.AddFlags(rootCommand.PersistentFlags())
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	rootCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	rootCommand.PersistentFlags().String("metrics-file", "", "path of metrics file in text exposition format")

	trainCommand.Flags().String("pretrain", "", "word2vec text file of pretrained word embeddings")
	trainCommand.Flags().Bool("trainall", false, "train on the dev split as well")
	trainCommand.Flags().Bool("resume", false, "resume from the model in OUT_DIR")
	predictCommand.Flags().Bool("readable", false, "write category names instead of codes")
	buildCommand.Flags().String("div", "", "build a single split with the vocabularies of an existing data root")
	buildCommand.Flags().String("meta", "", "data root holding vocabularies for --div (default DATA_ROOT)")
	buildCommand.Flags().IntP("jobs", "j", 4, "number of tokenizer workers")

	rootCommand.AddCommand(trainCommand, predictCommand, buildCommand, evaluateCommand, listCommand, versionCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
