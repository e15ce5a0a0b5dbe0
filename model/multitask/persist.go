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
	"bufio"
	"io"
	"math/rand"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlx_context "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gorse-io/categorizer/common/encoding"
	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/dataset"
	"github.com/gorse-io/categorizer/model"
	"github.com/juju/errors"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const headerWeights = "MultiTaskWeights"

// Architecture is the structure description of a network, stored as model.json.
type Architecture struct {
	Name    string       `json:"name"`
	Mode    string       `json:"mode"`
	Inputs  []Input      `json:"inputs"`
	Outputs []Output     `json:"outputs"`
	Params  model.Params `json:"params"`
}

type Input struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

type Output struct {
	Name    string `json:"name"`
	Classes int    `json:"classes"`
}

func (m *MultiTask) Architecture() Architecture {
	arch := Architecture{
		Name: Name,
		Mode: m.mode,
		Inputs: []Input{
			{Name: "cuni", DType: "int32", Shape: []int{-1, m.charLen}},
			{Name: "wuni", DType: "int32", Shape: []int{-1, m.wordLen}},
			{Name: "img", DType: "float32", Shape: []int{-1, m.imgDim}},
		},
		Params: m.GetParams(),
	}
	for level, n := range m.numClasses {
		arch.Outputs = append(arch.Outputs, Output{Name: dataset.Levels[level] + "cate", Classes: n})
	}
	return arch
}

func (m *MultiTask) MarshalArchitecture(w io.Writer) error {
	encoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return errors.Trace(encoder.Encode(m.Architecture()))
}

func ReadArchitecture(r io.Reader) (*Architecture, error) {
	var arch Architecture
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r).Decode(&arch); err != nil {
		return nil, errors.Annotate(err, "decode architecture")
	}
	if arch.Name != Name {
		return nil, errors.NotSupportedf("architecture %s", arch.Name)
	}
	return &arch, nil
}

// Load builds a network from its architecture and restores its weights.
func Load(arch, weights io.Reader) (*MultiTask, error) {
	a, err := ReadArchitecture(arch)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m, err := NewMultiTask(a.Params.Overwrite(model.Params{model.Mode: a.Mode}))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = m.UnmarshalWeights(weights); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

type variable struct {
	Scope   string
	Name    string
	Shape   []int
	Float32 []float32
	Int32   []int32
	Int64   []int64
}

func (v *variable) tensor() (*tensors.Tensor, error) {
	switch {
	case v.Float32 != nil:
		return tensors.FromFlatDataAndDimensions(v.Float32, v.Shape...), nil
	case v.Int32 != nil:
		return tensors.FromFlatDataAndDimensions(v.Int32, v.Shape...), nil
	case v.Int64 != nil:
		return tensors.FromFlatDataAndDimensions(v.Int64, v.Shape...), nil
	}
	return nil, errors.NotValidf("variable %s/%s without data", v.Scope, v.Name)
}

// MarshalWeights writes every variable of the network, including optimizer state.
func (m *MultiTask) MarshalWeights(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		variables []variable
		err       error
	)
	m.ctx.EnumerateVariables(func(v *mlx_context.Variable) {
		if err != nil {
			return
		}
		val, valueErr := v.Value()
		if valueErr != nil {
			err = errors.Annotatef(valueErr, "read variable %s/%s", v.Scope(), v.Name())
			return
		}
		data := variable{Scope: v.Scope(), Name: v.Name(), Shape: val.Shape().Dimensions}
		val.MustConstFlatData(func(flat any) {
			switch flat := flat.(type) {
			case []float32:
				data.Float32 = slices.Clone(flat)
			case []int32:
				data.Int32 = slices.Clone(flat)
			case []int64:
				data.Int64 = slices.Clone(flat)
			default:
				err = errors.NotSupportedf("variable %s/%s of dtype %s", v.Scope(), v.Name(), val.DType())
			}
		})
		variables = append(variables, data)
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err = encoding.WriteString(w, headerWeights); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(encoding.WriteGob(w, variables))
}

// UnmarshalWeights replaces all variables of the network.
func (m *MultiTask) UnmarshalWeights(r io.Reader) error {
	header, err := encoding.ReadString(r)
	if err != nil {
		return errors.Trace(err)
	}
	if header != headerWeights {
		return errors.NotValidf("weights header %q", header)
	}
	var variables []variable
	if err = encoding.ReadGob(r, &variables); err != nil {
		return errors.Trace(err)
	}
	ctx := mlx_context.New().Checked(false)
	for i := range variables {
		t, err := variables[i].tensor()
		if err != nil {
			return errors.Trace(err)
		}
		ctx.InAbsPath(variables[i].Scope).VariableWithValue(variables[i].Name, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	m.loop = nil
	m.predictExecutor = nil
	m.lossExecutor = nil
	return nil
}

// LoadPretrainedWords seeds the word embedding table from vectors in word2vec
// text format. Words missing from the file are initialized uniformly in
// [-0.05, 0.05) and padding stays zero. It returns the number of words found.
func (m *MultiTask) LoadPretrainedWords(r io.Reader, vocab []string) (int, error) {
	if len(vocab)+2 > m.wordVocaSize {
		return 0, errors.NotValidf("vocabulary of %d words for a table of %d rows", len(vocab), m.wordVocaSize)
	}
	index := make(map[string]int, len(vocab))
	for i, word := range vocab {
		index[word] = i + 2
	}
	rng := rand.New(rand.NewSource(m.Params.GetInt64(model.RandomState, 0)))
	dim := m.wordEmbedSize
	table := make([]float32, m.wordVocaSize*dim)
	for i := dim; i < len(table); i++ {
		table[i] = rng.Float32()*0.1 - 0.05
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	found, lineNumber := 0, 0
	for scanner.Scan() {
		lineNumber++
		fields := strings.Fields(scanner.Text())
		if lineNumber == 1 && len(fields) == 2 {
			// header: number of words and dimension
			continue
		}
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return 0, errors.NotValidf("vector of %d dimensions at line %d, expected %d", len(fields)-1, lineNumber, dim)
		}
		row, ok := index[fields[0]]
		if !ok {
			continue
		}
		for j, field := range fields[1:] {
			value, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return 0, errors.Annotatef(err, "line %d", lineNumber)
			}
			table[row*dim+j] = float32(value)
		}
		found++
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.Trace(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.In("word_embd").VariableWithValue("table", tensors.FromFlatDataAndDimensions(table, m.wordVocaSize, dim))
	log.Logger().Info("load pretrained word vectors",
		zap.Int("n_words", len(vocab)),
		zap.Int("n_found", found),
		zap.Int("dim", dim))
	return found, nil
}
