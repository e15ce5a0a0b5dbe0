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
	"context"
	"os"
	"path/filepath"

	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/config"
	"github.com/gorse-io/categorizer/dataset"
	"github.com/gorse-io/categorizer/model/multitask"
	"github.com/gorse-io/categorizer/prediction"
	"github.com/gorse-io/categorizer/storage/blob"
	"github.com/gorse-io/categorizer/taxonomy"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type PredictOptions struct {
	DataRoot  string
	ModelRoot string
	TestRoot  string
	TestDiv   string
	OutPath   string
	// Readable writes taxonomy names instead of category codes.
	Readable bool
}

func predictSplit(ctx context.Context, m *multitask.MultiTask, split *dataset.Split, cfg *config.Config) ([]prediction.Record, error) {
	generator := dataset.NewGenerator(split, cfg.Train.BatchSize)
	probs, err := m.PredictProba(ctx, generator.Epoch())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return prediction.Argmax(ctx, probs, cfg.Predict.NumPredictWorkers)
}

// Predict classifies a split of test data and writes one line per product of
// the canonical order of the test data type.
func Predict(ctx context.Context, cfg *config.Config, opts PredictOptions) error {
	dataType := prediction.DataType(opts.TestRoot)
	order, err := prediction.CanonicalOrder(dataType, cfg.Data)
	if err != nil {
		return errors.Trace(err)
	}
	meta, err := dataset.LoadMeta(opts.DataRoot)
	if err != nil {
		return errors.Trace(err)
	}
	var tax *taxonomy.Taxonomy
	if opts.Readable {
		if cfg.Data.Taxonomy == "" {
			return errors.NotValidf("readable output without taxonomy")
		}
		if tax, err = taxonomy.Load(cfg.Data.Taxonomy); err != nil {
			return errors.Trace(err)
		}
	}
	store, err := blob.Open(opts.ModelRoot, cfg.Storage)
	if err != nil {
		return errors.Trace(err)
	}
	m, err := LoadModel(ctx, store)
	if err != nil {
		return errors.Trace(err)
	}
	if m.NumClasses() != meta.NumClasses() {
		return errors.NotValidf("model with %v classes for data with %v classes", m.NumClasses(), meta.NumClasses())
	}

	db, split, err := dataset.ReadSplit(opts.TestRoot, opts.TestDiv)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()
	log.Logger().Info("predict",
		zap.String("test_root", opts.TestRoot),
		zap.String("test_div", opts.TestDiv),
		zap.String("data_type", dataType),
		zap.Int("n_products", split.Count()),
		zap.Int("n_order", len(order)))
	records, err := predictSplit(ctx, m, split, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	lines, err := prediction.NewDecoder(meta, tax).DecodeAll(records)
	if err != nil {
		return errors.Trace(err)
	}

	if dir := filepath.Dir(opts.OutPath); dir != "" {
		if err = os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Trace(err)
		}
	}
	f, err := os.Create(opts.OutPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err = prediction.Write(f, order, lines); err != nil {
		_ = f.Close()
		return errors.Trace(err)
	}
	log.Logger().Info("write predictions", zap.String("out_path", opts.OutPath))
	return errors.Trace(f.Close())
}

// Evaluate scores a prediction file against the labels of a split.
func Evaluate(dataRoot, testRoot, testDiv, predictionPath string) (prediction.Score, error) {
	meta, err := dataset.LoadMeta(dataRoot)
	if err != nil {
		return prediction.Score{}, errors.Trace(err)
	}
	f, err := os.Open(predictionPath)
	if err != nil {
		return prediction.Score{}, errors.Trace(err)
	}
	defer f.Close()
	predictions, err := prediction.ReadPredictions(f)
	if err != nil {
		return prediction.Score{}, errors.Trace(err)
	}
	db, split, err := dataset.ReadSplit(testRoot, testDiv)
	if err != nil {
		return prediction.Score{}, errors.Trace(err)
	}
	defer db.Close()
	pids, err := split.Pids()
	if err != nil {
		return prediction.Score{}, errors.Trace(err)
	}
	var answers [dataset.NumLevels][]int32
	for level := range answers {
		if answers[level], err = split.Labels(level); err != nil {
			return prediction.Score{}, errors.Trace(err)
		}
	}
	return prediction.Evaluate(predictions, pids, answers, prediction.NewDecoder(meta, nil))
}

// Build tokenizes raw product files into a data root. An empty div builds the
// train and dev splits along with the vocabularies, otherwise a single split is
// built with the vocabularies of metaRoot.
func Build(ctx context.Context, cfg *config.Config, inputs []string, dataRoot, div, metaRoot string, jobs int) error {
	products, err := dataset.ReadProducts(inputs...)
	if err != nil {
		return errors.Trace(err)
	}
	builder := dataset.NewBuilder(dataset.BuildConfig{
		CharVocaSize: cfg.Model.CharVocaSize,
		WordVocaSize: cfg.Model.WordVocaSize,
		CharMaxLen:   cfg.Model.CharMaxLen,
		WordMaxLen:   cfg.Model.WordMaxLen,
		DevRatio:     cfg.Data.DevRatio,
		Seed:         cfg.Data.Seed,
		Jobs:         jobs,
	})
	if div == "" {
		_, err = builder.Build(ctx, products, dataRoot)
		return errors.Trace(err)
	}
	if metaRoot == "" {
		metaRoot = dataRoot
	}
	meta, err := dataset.LoadMeta(metaRoot)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(builder.BuildDiv(ctx, products, dataRoot, div, meta))
}
