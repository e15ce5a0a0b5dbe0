// Copyright 2021 gorse Project Authors
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

package classifier

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"

	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/config"
	"github.com/gorse-io/categorizer/dataset"
	"github.com/gorse-io/categorizer/model"
	"github.com/gorse-io/categorizer/model/multitask"
	"github.com/gorse-io/categorizer/prediction"
	"github.com/gorse-io/categorizer/storage/blob"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	ArchitectureFile = "model.json"
	WeightsFile      = "model.weights"
	CheckpointFile   = "weights"
)

type TrainOptions struct {
	DataRoot string
	OutDir   string
	// Pretrain is an optional word2vec text file for word embeddings.
	Pretrain string
	TrainAll bool
	Resume   bool
	// MetricsFile receives training metrics after every epoch if not empty.
	MetricsFile string
}

// Train fits a model on the train split of a data root and saves it to the output directory.
// With a non-empty dev split the best weights by validation loss are kept unless
// TrainAll is set, in which case the dev split is trained on as well.
func Train(ctx context.Context, cfg *config.Config, opts TrainOptions) (*multitask.MultiTask, error) {
	meta, err := dataset.LoadMeta(opts.DataRoot)
	if err != nil {
		return nil, errors.Trace(err)
	}
	db, err := dataset.Open(opts.DataRoot)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer db.Close()
	trainSplit, err := db.Split(dataset.Train)
	if err != nil {
		return nil, errors.Trace(err)
	}
	devSplit, err := db.Split(dataset.Dev)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}
	hasDev := devSplit != nil && devSplit.Count() > 0
	log.Logger().Info("load dataset",
		zap.String("data_root", opts.DataRoot),
		zap.Int("n_train", trainSplit.Count()),
		zap.Bool("has_dev", hasDev),
		zap.Any("n_classes", meta.NumClasses()))
	if !hasDev && !opts.TrainAll {
		return nil, errors.NotValidf("empty dev split without trainall")
	}

	store, err := blob.Open(opts.OutDir, cfg.Storage)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var m *multitask.MultiTask
	if opts.Resume {
		if m, err = LoadModel(ctx, store); err != nil {
			return nil, errors.Trace(err)
		}
		log.Logger().Info("resume model", zap.String("out_dir", opts.OutDir))
	} else {
		if m, err = multitask.NewMultiTask(model.NewParams(cfg, meta)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if opts.Pretrain != "" && opts.Resume {
		log.Logger().Warn("pretrained word vectors are ignored when resuming", zap.String("pretrain", opts.Pretrain))
	} else if opts.Pretrain != "" {
		if err = loadPretrain(m, opts.Pretrain, meta.WordVocab); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if m.NumClasses() != meta.NumClasses() {
		return nil, errors.NotValidf("model with %v classes for data with %v classes", m.NumClasses(), meta.NumClasses())
	}

	metrics := NewMetrics()
	trainSet := dataset.NewGenerator(trainSplit, cfg.Train.BatchSize)
	switch {
	case !opts.TrainAll:
		devSet := dataset.NewGenerator(devSplit, cfg.Train.BatchSize)
		if err = fitBest(ctx, m, store, trainSet, devSet, cfg.Train.NumEpochs, metrics, opts.MetricsFile); err != nil {
			return nil, errors.Trace(err)
		}
		records, err := predictSplit(ctx, m, devSplit, cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		accuracy, err := Accuracy(records, devSplit)
		if err != nil {
			return nil, errors.Trace(err)
		}
		metrics.SetAccuracy(accuracy)
		log.Logger().Info("evaluate best model",
			zap.Float64("b", accuracy[0]),
			zap.Float64("m", accuracy[1]),
			zap.Float64("s", accuracy[2]),
			zap.Float64("d", accuracy[3]))
	case !hasDev:
		err = m.Fit(ctx, trainSet, nil, &multitask.FitConfig{
			Epochs:  cfg.Train.NumEpochs,
			OnEpoch: recordEpoch(metrics, opts.MetricsFile),
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
	default:
		devSet := dataset.NewGenerator(devSplit, cfg.Train.BatchSize)
		onEpoch := recordEpoch(metrics, opts.MetricsFile)
		for epoch := 1; epoch <= cfg.Train.NumEpochs; epoch++ {
			trainLoss, err := m.FitEpochs(ctx, trainSet, 1)
			if err != nil {
				return nil, errors.Trace(err)
			}
			devLoss, err := m.FitEpochs(ctx, devSet, 1)
			if err != nil {
				return nil, errors.Trace(err)
			}
			log.Logger().Info("fit on train and dev",
				zap.Int("epoch", epoch),
				zap.Int("n_epochs", cfg.Train.NumEpochs),
				zap.Float32("loss", trainLoss),
				zap.Float32("dev_loss", devLoss))
			if err = onEpoch(epoch, trainLoss, float32(math.NaN())); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}

	if err = SaveModel(ctx, store, m); err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("save model", zap.String("out_dir", opts.OutDir))
	return m, metrics.WriteTo(opts.MetricsFile)
}

func recordEpoch(metrics *Metrics, metricsFile string) func(int, float32, float32) error {
	return func(epoch int, trainLoss, validLoss float32) error {
		metrics.Epoch.Set(float64(epoch))
		metrics.TrainLoss.Set(float64(trainLoss))
		if !math.IsNaN(float64(validLoss)) {
			metrics.ValidLoss.Set(float64(validLoss))
		}
		return metrics.WriteTo(metricsFile)
	}
}

// fitBest trains with validation, checkpoints weights whenever the validation loss
// improves and restores the best checkpoint at the end.
func fitBest(ctx context.Context, m *multitask.MultiTask, store blob.Store, trainSet, devSet *dataset.Generator, epochs int, metrics *Metrics, metricsFile string) error {
	bestLoss := float32(math.Inf(1))
	bestEpoch := 0
	onEpoch := recordEpoch(metrics, metricsFile)
	err := m.Fit(ctx, trainSet, devSet, &multitask.FitConfig{
		Epochs: epochs,
		OnEpoch: func(epoch int, trainLoss, validLoss float32) error {
			if validLoss < bestLoss {
				bestLoss, bestEpoch = validLoss, epoch
				metrics.BestLoss.Set(float64(bestLoss))
				if err := blob.WriteFile(ctx, store, CheckpointFile, m.MarshalWeights); err != nil {
					return errors.Trace(err)
				}
				log.Logger().Info("save checkpoint", zap.Int("epoch", epoch), zap.Float32("val_loss", validLoss))
			}
			return onEpoch(epoch, trainLoss, validLoss)
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if bestEpoch == 0 {
		log.Logger().Warn("no checkpoint improved the validation loss")
		return nil
	}
	log.Logger().Info("restore checkpoint", zap.Int("epoch", bestEpoch), zap.Float32("val_loss", bestLoss))
	return blob.ReadFile(ctx, store, CheckpointFile, m.UnmarshalWeights)
}

func loadPretrain(m *multitask.MultiTask, path string, vocab []string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	found, err := m.LoadPretrainedWords(f, vocab)
	if err != nil {
		return errors.Trace(err)
	}
	log.Logger().Info("load pretrained word vectors",
		zap.String("path", path),
		zap.Int("n_found", found),
		zap.Int("n_words", len(vocab)))
	return nil
}

// SaveModel writes the architecture and weights of a model.
func SaveModel(ctx context.Context, store blob.Store, m *multitask.MultiTask) error {
	if err := blob.WriteFile(ctx, store, ArchitectureFile, m.MarshalArchitecture); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(blob.WriteFile(ctx, store, WeightsFile, m.MarshalWeights))
}

// LoadModel reads a model saved by SaveModel.
func LoadModel(ctx context.Context, store blob.Store) (*multitask.MultiTask, error) {
	var arch bytes.Buffer
	err := blob.ReadFile(ctx, store, ArchitectureFile, func(r io.Reader) error {
		_, err := arch.ReadFrom(r)
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var m *multitask.MultiTask
	err = blob.ReadFile(ctx, store, WeightsFile, func(r io.Reader) error {
		var err error
		m, err = multitask.Load(&arch, r)
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Accuracy compares predicted classes with the labels of a split, skipping missing labels.
func Accuracy(records []prediction.Record, split *dataset.Split) ([dataset.NumLevels]float64, error) {
	var accuracy [dataset.NumLevels]float64
	for level := 0; level < dataset.NumLevels; level++ {
		labels, err := split.Labels(level)
		if err != nil {
			return accuracy, errors.Trace(err)
		}
		if len(labels) != len(records) {
			return accuracy, errors.NotValidf("%d records for %d labels", len(records), len(labels))
		}
		var answers, correct int
		for i, label := range labels {
			if label < 0 {
				continue
			}
			answers++
			if records[i].Classes[level] == int(label) {
				correct++
			}
		}
		if answers > 0 {
			accuracy[level] = float64(correct) / float64(answers)
		}
	}
	return accuracy, nil
}
