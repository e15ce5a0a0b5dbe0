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

package dataset

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/juju/errors"
	"modernc.org/mathutil"
)

// Batch holds contiguous rows of a split. Sequences and image features are
// flattened in row-major order.
type Batch struct {
	Size    int
	CharLen int
	WordLen int
	ImgDim  int
	Pid     []string
	Cuni    []int32
	Wuni    []int32
	Img     []float32
	Labels  [NumLevels][]int32
}

func NewBatch(size, charLen, wordLen, imgDim int) *Batch {
	batch := &Batch{
		Size:    size,
		CharLen: charLen,
		WordLen: wordLen,
		ImgDim:  imgDim,
		Pid:     make([]string, size),
		Cuni:    make([]int32, size*charLen),
		Wuni:    make([]int32, size*wordLen),
		Img:     make([]float32, size*imgDim),
	}
	for i := range batch.Labels {
		batch.Labels[i] = make([]int32, size)
	}
	return batch
}

// Inputs returns the model inputs: cuni [size, charLen], wuni [size, wordLen] and img [size, imgDim].
func (b *Batch) Inputs() []*tensors.Tensor {
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Cuni, b.Size, b.CharLen),
		tensors.FromFlatDataAndDimensions(b.Wuni, b.Size, b.WordLen),
		tensors.FromFlatDataAndDimensions(b.Img, b.Size, b.ImgDim),
	}
}

// Targets returns one label tensor of shape [size] per hierarchy level.
func (b *Batch) Targets() []*tensors.Tensor {
	targets := make([]*tensors.Tensor, NumLevels)
	for i := range b.Labels {
		targets[i] = tensors.FromFlatDataAndDimensions(b.Labels[i], b.Size)
	}
	return targets
}

// Generator slices fixed-size contiguous batches from a split and wraps back
// to the first row after the last batch. The last batch of a pass is shorter
// when the row count is not a multiple of the batch size.
type Generator struct {
	split     *Split
	batchSize int
	left      int
}

func NewGenerator(split *Split, batchSize int) *Generator {
	return &Generator{split: split, batchSize: batchSize}
}

// Steps is the number of batches in one pass.
func (g *Generator) Steps() int {
	return (g.split.Count() + g.batchSize - 1) / g.batchSize
}

func (g *Generator) Next() (*Batch, error) {
	limit := g.split.Count()
	if limit == 0 {
		return nil, io.EOF
	}
	right := mathutil.Min(g.left+g.batchSize, limit)
	batch, err := g.split.Slice(g.left, right)
	if err != nil {
		return nil, errors.Trace(err)
	}
	g.left = right
	if right == limit {
		g.left = 0
	}
	return batch, nil
}

func (g *Generator) Reset() {
	g.left = 0
}

func (g *Generator) Name() string {
	return g.split.Name()
}

// Yield implements train.Dataset. It never reports io.EOF on a non-empty split,
// so the number of steps is bounded by the caller.
func (g *Generator) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := g.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, batch.Inputs(), batch.Targets(), nil
}

// Epoch returns a view of the generator that yields exactly one pass from the first row.
func (g *Generator) Epoch() *Epoch {
	return &Epoch{generator: g}
}

type Epoch struct {
	generator *Generator
	step      int
}

func (e *Epoch) Steps() int {
	return e.generator.Steps()
}

func (e *Epoch) Name() string {
	return e.generator.Name()
}

func (e *Epoch) Reset() {
	e.step = 0
	e.generator.Reset()
}

func (e *Epoch) Next() (*Batch, error) {
	if e.step == 0 {
		e.generator.Reset()
	}
	if e.step >= e.generator.Steps() {
		return nil, io.EOF
	}
	batch, err := e.generator.Next()
	if err != nil {
		return nil, err
	}
	e.step++
	return batch, nil
}

func (e *Epoch) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := e.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, batch.Inputs(), batch.Targets(), nil
}
