// Copyright 2025 gorse Project Authors
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

package multitask

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlx_context "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gorse-io/categorizer/config"
	"github.com/gorse-io/categorizer/dataset"
	"github.com/gorse-io/categorizer/model"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MultiTaskTestSuite struct {
	suite.Suite
	meta  *dataset.Meta
	db    *dataset.Database
	train *dataset.Split
}

func (suite *MultiTaskTestSuite) SetupSuite() {
	var products []*dataset.Product
	for i := 0; i < 24; i++ {
		b := i % 2
		products = append(products, &dataset.Product{
			Pid:     fmt.Sprintf("P%02d", i),
			Product: lo.Ternary(b == 0, "apple phone case", "running shoes"),
			ImgFeat: []float32{float32(b), float32(1 - b)},
			BCateId: b + 1,
			MCateId: b + 3,
			SCateId: b + 5,
			DCateId: lo.Ternary(i%3 == 0, -1, b+7),
		})
	}
	dataRoot := filepath.Join(suite.T().TempDir(), "train")
	builder := dataset.NewBuilder(dataset.BuildConfig{
		CharVocaSize: 32,
		WordVocaSize: 8,
		CharMaxLen:   12,
		WordMaxLen:   4,
		Seed:         1,
	})
	var err error
	suite.meta, err = builder.Build(context.Background(), products, dataRoot)
	suite.Require().NoError(err)
	suite.db, suite.train, err = dataset.ReadSplit(dataRoot, dataset.Train)
	suite.Require().NoError(err)
}

func (suite *MultiTaskTestSuite) TearDownSuite() {
	suite.NoError(suite.db.Close())
}

func (suite *MultiTaskTestSuite) newModel() *MultiTask {
	cfg := config.GetDefaultConfig()
	cfg.Model.CharEmbedSize = 8
	cfg.Model.WordEmbedSize = 4
	cfg.Model.HiddenSize = 8
	cfg.Model.AttnSize = 4
	cfg.Model.LearningRate = 0.05
	m, err := NewMultiTask(model.NewParams(cfg, suite.meta))
	suite.Require().NoError(err)
	return m
}

func (suite *MultiTaskTestSuite) TestFit() {
	m := suite.newModel()
	generator := dataset.NewGenerator(suite.train, 5)
	var losses []float32
	err := m.Fit(context.Background(), generator, generator, &FitConfig{
		Epochs: 8,
		OnEpoch: func(epoch int, trainLoss, validLoss float32) error {
			losses = append(losses, validLoss)
			return nil
		},
	})
	suite.NoError(err)
	suite.Len(losses, 8)
	suite.Less(losses[7], losses[0])

	probs, err := m.PredictProba(context.Background(), generator.Epoch())
	suite.NoError(err)
	suite.Len(probs.Pids, 24)
	suite.Equal(suite.meta.NumClasses(), probs.NumClasses)
	for level, values := range probs.Values {
		n := probs.NumClasses[level]
		suite.Len(values, 24*n)
		for i := 0; i < 24; i++ {
			suite.InDelta(1.0, lo.Sum(values[i*n:(i+1)*n]), 1e-4)
		}
	}
}

func (suite *MultiTaskTestSuite) TestFitStop() {
	m := suite.newModel()
	generator := dataset.NewGenerator(suite.train, 8)
	err := m.Fit(context.Background(), generator, nil, &FitConfig{
		Epochs: 3,
		OnEpoch: func(epoch int, trainLoss, validLoss float32) error {
			suite.True(math.IsNaN(float64(validLoss)))
			return errors.New("stop")
		},
	})
	suite.ErrorContains(err, "stop")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.FitEpochs(ctx, generator, 1)
	suite.ErrorIs(err, context.Canceled)
}

func (suite *MultiTaskTestSuite) TestMarshal() {
	m := suite.newModel()
	generator := dataset.NewGenerator(suite.train, 6)
	_, err := m.FitEpochs(context.Background(), generator, 2)
	suite.Require().NoError(err)
	expected, err := m.PredictProba(context.Background(), generator.Epoch())
	suite.Require().NoError(err)
	expectedLoss, err := m.ValidationLoss(context.Background(), generator.Epoch())
	suite.Require().NoError(err)

	var arch, weights bytes.Buffer
	suite.Require().NoError(m.MarshalArchitecture(&arch))
	suite.Contains(arch.String(), `"name": "MultiTaskAttnWord2vec"`)
	suite.Require().NoError(m.MarshalWeights(&weights))

	loaded, err := Load(&arch, &weights)
	suite.Require().NoError(err)
	suite.Equal(m.NumClasses(), loaded.NumClasses())
	actual, err := loaded.PredictProba(context.Background(), generator.Epoch())
	suite.Require().NoError(err)
	suite.Equal(expected.Pids, actual.Pids)
	for level := range expected.Values {
		suite.InDeltaSlice(expected.Values[level], actual.Values[level], 1e-5)
	}
	actualLoss, err := loaded.ValidationLoss(context.Background(), generator.Epoch())
	suite.Require().NoError(err)
	suite.InDelta(expectedLoss, actualLoss, 1e-5)

	// resumed training continues from the restored weights
	_, err = loaded.FitEpochs(context.Background(), generator, 1)
	suite.NoError(err)
}

func (suite *MultiTaskTestSuite) TestLoadPretrainedWords() {
	m := suite.newModel()
	vectors := "2 4\napple 0.1 0.2 0.3 0.4\nunknown 1 1 1 1\n"
	found, err := m.LoadPretrainedWords(strings.NewReader(vectors), suite.meta.WordVocab)
	suite.NoError(err)
	suite.Equal(1, found)

	var weights bytes.Buffer
	suite.Require().NoError(m.MarshalWeights(&weights))
	suite.Contains(weights.String(), "word_embd")

	_, err = m.LoadPretrainedWords(strings.NewReader("apple 0.1 0.2\n"), suite.meta.WordVocab)
	suite.True(errors.Is(err, errors.NotValid))
}

func TestMultiTask(t *testing.T) {
	suite.Run(t, new(MultiTaskTestSuite))
}

func TestMaskedCrossEntropy(t *testing.T) {
	backend, err := backends.New()
	require.NoError(t, err)
	exec, err := mlx_context.NewExec(backend, mlx_context.New(), func(ctx *mlx_context.Context, nodes []*graph.Node) *graph.Node {
		return maskedCrossEntropy(nodes[1], nodes[0])
	})
	require.NoError(t, err)

	logits := tensors.FromFlatDataAndDimensions([]float32{0, 0, 5, -5}, 2, 2)
	labels := tensors.FromFlatDataAndDimensions([]int32{0, -1}, 2)
	loss := exec.MustExec(logits, labels)
	assert.InDelta(t, math.Ln2, loss[0].Value().(float32), 1e-5)

	labels = tensors.FromFlatDataAndDimensions([]int32{-1, -1}, 2)
	loss = exec.MustExec(logits, labels)
	assert.InDelta(t, 0, loss[0].Value().(float32), 1e-6)
}

func TestNewMultiTask(t *testing.T) {
	_, err := NewMultiTask(model.Params{model.BCateSize: 2, model.MCateSize: 2, model.SCateSize: 2})
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = NewMultiTask(model.Params{model.Mode: "concat"})
	assert.True(t, errors.Is(err, errors.NotSupported))
}

func TestReadArchitecture(t *testing.T) {
	_, err := ReadArchitecture(strings.NewReader(`{"name": "AFM"}`))
	assert.True(t, errors.Is(err, errors.NotSupported))
	_, err = ReadArchitecture(strings.NewReader(`{`))
	assert.Error(t, err)
}
