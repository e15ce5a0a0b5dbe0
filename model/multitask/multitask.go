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
	std_context "context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlx_context "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/common/monitor"
	"github.com/gorse-io/categorizer/dataset"
	"github.com/gorse-io/categorizer/model"
	"github.com/gorse-io/categorizer/prediction"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"modernc.org/mathutil"
)

const (
	Name    = "MultiTaskAttnWord2vec"
	ModeSum = "sum"

	maskedLogit = -1e9
)

// MultiTask predicts the four category levels from char uni-grams, word
// uni-grams and image features. Each sequence is embedded and pooled by
// attention, then the text and image representations are projected and summed
// into a shared hidden layer feeding one softmax head per level.
type MultiTask struct {
	model.Params
	mu      sync.RWMutex
	ctx     *mlx_context.Context
	backend backends.Backend
	// hyper parameters
	lr            float32
	mode          string
	charVocaSize  int
	wordVocaSize  int
	charLen       int
	wordLen       int
	imgDim        int
	charEmbedSize int
	wordEmbedSize int
	hiddenSize    int
	attnSize      int
	numClasses    [dataset.NumLevels]int

	// lazily built executors
	loop            *train.Loop
	predictExecutor *mlx_context.Exec
	lossExecutor    *mlx_context.Exec
}

func NewMultiTask(params model.Params) (*MultiTask, error) {
	m := new(MultiTask)
	m.SetParams(params)
	if m.mode != ModeSum {
		return nil, errors.NotSupportedf("mode %s", m.mode)
	}
	for level, n := range m.numClasses {
		if n <= 0 {
			return nil, errors.NotValidf("%d classes of level %s", n, dataset.Levels[level])
		}
	}
	backend, err := backends.New()
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.backend = backend
	m.ctx = mlx_context.New().Checked(false)
	return m, nil
}

func (m *MultiTask) SetParams(params model.Params) {
	m.Params = params
	m.lr = params.GetFloat32(model.Lr, 0.001)
	m.mode = params.GetString(model.Mode, ModeSum)
	m.charVocaSize = params.GetInt(model.CharVocaSize, 2)
	m.wordVocaSize = params.GetInt(model.WordVocaSize, 2)
	m.charLen = params.GetInt(model.CharLen, 1)
	m.wordLen = params.GetInt(model.WordLen, 1)
	m.imgDim = mathutil.Max(params.GetInt(model.ImgDim, 1), 1)
	m.charEmbedSize = params.GetInt(model.CharEmbedSize, 128)
	m.wordEmbedSize = params.GetInt(model.WordEmbedSize, 128)
	m.hiddenSize = params.GetInt(model.HiddenSize, 256)
	m.attnSize = params.GetInt(model.AttnSize, 64)
	for level, name := range model.CateSizes {
		m.numClasses[level] = params.GetInt(name, 0)
	}
}

func (m *MultiTask) GetParams() model.Params {
	return m.Params
}

func (m *MultiTask) NumClasses() [dataset.NumLevels]int {
	return m.numClasses
}

// embed looks up a [batch, length] index sequence in an embedding table. Index
// zero is padding: its embedding is zeroed and its mask is zero.
func (m *MultiTask) embed(ctx *mlx_context.Context, indices *graph.Node, vocabSize, dim int) (emb, mask *graph.Node) {
	g := indices.Graph()
	batchSize, seqLen := indices.Shape().Dimensions[0], indices.Shape().Dimensions[1]
	table := ctx.VariableWithShape("table", shapes.Make(dtypes.F32, vocabSize, dim)).ValueGraph(g)
	emb = graph.Gather(table, graph.Reshape(indices, batchSize, seqLen, 1)) // [batch, length, dim]
	mask = graph.ConvertDType(graph.NotEqual(indices, graph.ZerosLike(indices)), dtypes.F32)
	emb = graph.Mul(emb, graph.BroadcastToDims(graph.Reshape(mask, batchSize, seqLen, 1), batchSize, seqLen, dim))
	return emb, mask
}

// attentionPool reduces [batch, length, dim] to [batch, dim] by additive attention over unmasked positions.
func (m *MultiTask) attentionPool(ctx *mlx_context.Context, x, mask *graph.Node) *graph.Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, seqLen, dim := dims[0], dims[1], dims[2]
	flat := graph.Reshape(x, batchSize*seqLen, dim)
	hidden := graph.Tanh(layers.Dense(ctx.In("hidden"), flat, true, m.attnSize))
	score := graph.Reshape(layers.Dense(ctx.In("score"), hidden, false, 1), batchSize, seqLen)
	score = graph.Add(score, graph.Mul(graph.Sub(graph.OnesLike(mask), mask), graph.Scalar(g, dtypes.F32, maskedLogit)))
	weights := graph.Softmax(score, 1)
	weights = graph.BroadcastToDims(graph.Reshape(weights, batchSize, seqLen, 1), batchSize, seqLen, dim)
	return graph.ReduceSum(graph.Mul(x, weights), 1)
}

// forwardGraph returns the logits of each level.
func (m *MultiTask) forwardGraph(ctx *mlx_context.Context, cuni, wuni, img *graph.Node) []*graph.Node {
	charEmb, charMask := m.embed(ctx.In("char_embd"), cuni, m.charVocaSize, m.charEmbedSize)
	wordEmb, wordMask := m.embed(ctx.In("word_embd"), wuni, m.wordVocaSize, m.wordEmbedSize)
	charVec := m.attentionPool(ctx.In("char_attn"), charEmb, charMask)
	wordVec := m.attentionPool(ctx.In("word_attn"), wordEmb, wordMask)

	// mode=sum
	hidden := layers.Dense(ctx.In("char_proj"), charVec, true, m.hiddenSize)
	hidden = graph.Add(hidden, layers.Dense(ctx.In("word_proj"), wordVec, true, m.hiddenSize))
	hidden = graph.Add(hidden, layers.Dense(ctx.In("img_proj"), img, true, m.hiddenSize))
	hidden = activations.Relu(hidden)

	logits := make([]*graph.Node, dataset.NumLevels)
	for level := range logits {
		logits[level] = layers.Dense(ctx.In(fmt.Sprintf("%scate", dataset.Levels[level])), hidden, true, m.numClasses[level])
	}
	return logits
}

// maskedCrossEntropy is the mean sparse cross entropy over labels that are not -1.
func maskedCrossEntropy(labels, logits *graph.Node) *graph.Node {
	g := logits.Graph()
	batchSize, numClasses := logits.Shape().Dimensions[0], logits.Shape().Dimensions[1]
	labels = graph.ConvertDType(labels, dtypes.Int32)
	zeros := graph.ZerosLike(labels)
	valid := graph.ConvertDType(graph.GreaterOrEqual(labels, zeros), dtypes.F32)
	classes := graph.Iota(g, shapes.Make(dtypes.Int32, batchSize, numClasses), 1)
	targets := graph.BroadcastToDims(graph.Reshape(graph.Max(labels, zeros), batchSize, 1), batchSize, numClasses)
	oneHot := graph.ConvertDType(graph.Equal(classes, targets), dtypes.F32)
	nll := graph.Neg(graph.ReduceSum(graph.Mul(oneHot, graph.LogSoftmax(logits, 1)), 1))
	count := graph.Max(graph.ReduceAllSum(valid), graph.Scalar(g, dtypes.F32, 1))
	return graph.Div(graph.ReduceAllSum(graph.Mul(nll, valid)), count)
}

// lossGraph sums the masked cross entropy of all levels.
func lossGraph(labels, logits []*graph.Node) *graph.Node {
	loss := maskedCrossEntropy(labels[0], logits[0])
	for level := 1; level < len(logits); level++ {
		loss = graph.Add(loss, maskedCrossEntropy(labels[level], logits[level]))
	}
	return loss
}

func (m *MultiTask) trainLoop() *train.Loop {
	if m.loop == nil {
		modelFn := func(ctx *mlx_context.Context, spec any, inputs []*graph.Node) []*graph.Node {
			return m.forwardGraph(ctx, inputs[0], inputs[1], inputs[2])
		}
		optimizer := optimizers.Adam().LearningRate(float64(m.lr)).Done()
		trainer := train.NewTrainer(m.backend, m.ctx, modelFn, lossGraph, optimizer, nil, nil)
		m.loop = train.NewLoop(trainer)
	}
	return m.loop
}

// FitEpochs trains on full passes over a generator. It returns the loss
// reported by the trainer for the last step.
func (m *MultiTask) FitEpochs(ctx std_context.Context, generator *dataset.Generator, epochs int) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := generator.Steps()
	if steps == 0 {
		return 0, errors.NotValidf("empty split %s", generator.Name())
	}
	loop := m.trainLoop()
	var loss float32
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
		generator.Reset()
		metrics, err := loop.RunSteps(generator, steps)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if len(metrics) > 0 {
			if value, ok := metrics[0].Value().(float32); ok {
				loss = value
			}
		}
	}
	return loss, nil
}

type FitConfig struct {
	Epochs int
	// OnEpoch is called after every epoch. The validation loss is NaN when
	// there is no validation split. Returning an error stops training.
	OnEpoch func(epoch int, trainLoss, validLoss float32) error
}

// Fit trains for a number of epochs and evaluates the validation loss after each epoch if valid is not nil.
func (m *MultiTask) Fit(ctx std_context.Context, trainSet, validSet *dataset.Generator, config *FitConfig) error {
	fields := []zap.Field{
		zap.Int("train_steps", trainSet.Steps()),
		zap.Any("params", m.GetParams()),
		zap.Int("n_epochs", config.Epochs),
	}
	if validSet != nil {
		fields = append(fields, zap.Int("valid_steps", validSet.Steps()))
	}
	log.Logger().Info("fit "+Name, fields...)

	_, span := monitor.Start(ctx, "MultiTask.Fit", config.Epochs)
	defer span.End()
	for epoch := 1; epoch <= config.Epochs; epoch++ {
		fitStart := time.Now()
		trainLoss, err := m.FitEpochs(ctx, trainSet, 1)
		if err != nil {
			span.Fail(err)
			return errors.Trace(err)
		}
		fitTime := time.Since(fitStart)

		validLoss := float32(math.NaN())
		evalTime := time.Duration(0)
		if validSet != nil {
			evalStart := time.Now()
			validLoss, err = m.ValidationLoss(ctx, validSet.Epoch())
			if err != nil {
				span.Fail(err)
				return errors.Trace(err)
			}
			evalTime = time.Since(evalStart)
		}
		log.Logger().Info(fmt.Sprintf("fit %s %v/%v", Name, epoch, config.Epochs),
			zap.String("fit_time", fitTime.String()),
			zap.String("eval_time", evalTime.String()),
			zap.Float32("loss", trainLoss),
			zap.Float32("val_loss", validLoss))
		if config.OnEpoch != nil {
			if err = config.OnEpoch(epoch, trainLoss, validLoss); err != nil {
				span.Fail(err)
				return errors.Trace(err)
			}
		}
		span.Add(1)
	}
	return nil
}

// ValidationLoss is the mean loss over one pass, weighted by batch size.
func (m *MultiTask) ValidationLoss(ctx std_context.Context, epoch *dataset.Epoch) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lossExecutor == nil {
		exec, err := mlx_context.NewExec(m.backend, m.ctx, func(ctx *mlx_context.Context, nodes []*graph.Node) *graph.Node {
			logits := m.forwardGraph(ctx, nodes[0], nodes[1], nodes[2])
			return lossGraph(nodes[3:], logits)
		})
		if err != nil {
			return 0, errors.Trace(err)
		}
		m.lossExecutor = exec
	}
	var (
		total float64
		count int
	)
	epoch.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return 0, errors.Trace(err)
		}
		batch, err := epoch.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, errors.Trace(err)
		}
		inputs := lo.Map(append(batch.Inputs(), batch.Targets()...), func(t *tensors.Tensor, _ int) any { return t })
		outputs := m.lossExecutor.MustExec(inputs...)
		loss, ok := outputs[0].Value().(float32)
		if !ok {
			return 0, errors.Errorf("unexpected loss of shape %v", outputs[0].Shape())
		}
		total += float64(loss) * float64(batch.Size)
		count += batch.Size
	}
	if count == 0 {
		return float32(math.NaN()), nil
	}
	return float32(total / float64(count)), nil
}

// PredictProba returns the class probabilities of every product of one pass.
func (m *MultiTask) PredictProba(ctx std_context.Context, epoch *dataset.Epoch) (*prediction.Probabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.predictExecutor == nil {
		exec, err := mlx_context.NewExec(m.backend, m.ctx, func(ctx *mlx_context.Context, nodes []*graph.Node) []*graph.Node {
			logits := m.forwardGraph(ctx, nodes[0], nodes[1], nodes[2])
			return lo.Map(logits, func(x *graph.Node, _ int) *graph.Node { return graph.Softmax(x, 1) })
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		m.predictExecutor = exec
	}
	_, span := monitor.Start(ctx, "MultiTask.PredictProba", epoch.Steps())
	defer span.End()
	probs := &prediction.Probabilities{NumClasses: m.numClasses}
	epoch.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		batch, err := epoch.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		inputs := lo.Map(batch.Inputs(), func(t *tensors.Tensor, _ int) any { return t })
		outputs := m.predictExecutor.MustExec(inputs...)
		probs.Pids = append(probs.Pids, batch.Pid...)
		for level := range probs.Values {
			outputs[level].MustConstFlatData(func(flat any) {
				probs.Values[level] = append(probs.Values[level], flat.([]float32)...)
			})
		}
		span.Add(1)
	}
	return probs, nil
}
