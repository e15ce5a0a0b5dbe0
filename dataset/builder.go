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
	"context"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/common/monitor"
	"github.com/gorse-io/categorizer/common/parallel"
	"github.com/juju/errors"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Product is a raw record in a JSON lines file. Category ids of -1 are absent.
type Product struct {
	Pid     string    `json:"pid"`
	Product string    `json:"product"`
	Brand   string    `json:"brand"`
	Maker   string    `json:"maker"`
	Model   string    `json:"model"`
	ImgFeat []float32 `json:"img_feat"`
	BCateId int       `json:"bcateid"`
	MCateId int       `json:"mcateid"`
	SCateId int       `json:"scateid"`
	DCateId int       `json:"dcateid"`
}

func (p *Product) Text() string {
	return strings.Join([]string{p.Product, p.Brand, p.Maker, p.Model}, " ")
}

func (p *Product) Codes() [NumLevels]int {
	return [NumLevels]int{p.BCateId, p.MCateId, p.SCateId, p.DCateId}
}

type BuildConfig struct {
	CharVocaSize int
	WordVocaSize int
	CharMaxLen   int
	WordMaxLen   int
	DevRatio     float64
	Seed         int64
	Jobs         int
}

type Builder struct {
	config BuildConfig
}

func NewBuilder(config BuildConfig) *Builder {
	if config.Jobs <= 0 {
		config.Jobs = 1
	}
	return &Builder{config: config}
}

// ReadProducts reads JSON lines files in order.
func ReadProducts(paths ...string) ([]*Product, error) {
	var products []*Product
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		decoder := json.NewDecoder(f)
		for {
			var product Product
			if err = decoder.Decode(&product); err == io.EOF {
				break
			} else if err != nil {
				_ = f.Close()
				return nil, errors.Annotatef(err, "decode %s", path)
			}
			products = append(products, &product)
		}
		if err = f.Close(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return products, nil
}

type tokens struct {
	chars []string
	words []string
}

func (b *Builder) tokenize(ctx context.Context, products []*Product) ([]tokens, error) {
	result := make([]tokens, len(products))
	err := parallel.For(ctx, len(products), b.config.Jobs, func(i int) {
		text := products[i].Text()
		result[i] = tokens{chars: Chars(text), words: Words(text)}
	})
	return result, errors.Trace(err)
}

// Build creates the train and dev splits of a data root and its meta.
func (b *Builder) Build(ctx context.Context, products []*Product, dataRoot string) (*Meta, error) {
	log.Logger().Info("build dataset",
		zap.String("data_root", dataRoot),
		zap.Int("n_products", len(products)),
		zap.Any("config", b.config))
	seqs, err := b.tokenize(ctx, products)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// build vocabularies
	charDict, wordDict := NewFreqDict(), NewFreqDict()
	for _, seq := range seqs {
		for _, c := range seq.chars {
			charDict.Id(c)
		}
		for _, w := range seq.words {
			wordDict.Id(w)
		}
	}
	meta := NewMeta()
	meta.CharVocab = charDict.Top(b.config.CharVocaSize)
	meta.WordVocab = wordDict.Top(b.config.WordVocaSize)
	meta.CharLen = b.config.CharMaxLen
	meta.WordLen = b.config.WordMaxLen
	for _, product := range products {
		if len(product.ImgFeat) > 0 {
			meta.ImgDim = len(product.ImgFeat)
			break
		}
	}
	if meta.ImgDim == 0 {
		// products without image features get a single zero feature
		meta.ImgDim = 1
	}
	for _, product := range products {
		codes, ok := labelCodes(product)
		if !ok {
			continue
		}
		for level := 0; level < NumLevels; level++ {
			if codes[level] != "" {
				meta.AddLabel(level, LabelOf(codes, level))
			}
		}
	}

	// split train and dev
	rng := rand.New(rand.NewSource(b.config.Seed))
	dev := bitset.New(uint(len(products)))
	for i := range products {
		if rng.Float64() < b.config.DevRatio {
			dev.Set(uint(i))
		}
	}
	log.Logger().Info("split dataset",
		zap.Uint("n_train", uint(len(products))-dev.Count()),
		zap.Uint("n_dev", dev.Count()),
		zap.Int("n_chars", len(meta.CharVocab)),
		zap.Int("n_words", len(meta.WordVocab)),
		zap.Any("n_classes", meta.NumClasses()))

	db, err := Create(dataRoot)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer db.Close()
	if err = b.write(ctx, db, Train, meta, products, seqs, func(i int) bool { return !dev.Test(uint(i)) }); err != nil {
		return nil, errors.Trace(err)
	}
	if err = b.write(ctx, db, Dev, meta, products, seqs, func(i int) bool { return dev.Test(uint(i)) }); err != nil {
		return nil, errors.Trace(err)
	}
	if err = meta.Save(dataRoot); err != nil {
		return nil, errors.Trace(err)
	}
	return meta, nil
}

// BuildDiv creates a single split using vocabularies of an existing meta.
// Categories missing from the meta are stored as -1.
func (b *Builder) BuildDiv(ctx context.Context, products []*Product, dataRoot, div string, meta *Meta) error {
	log.Logger().Info("build dataset split",
		zap.String("data_root", dataRoot),
		zap.String("div", div),
		zap.Int("n_products", len(products)))
	seqs, err := b.tokenize(ctx, products)
	if err != nil {
		return errors.Trace(err)
	}
	db, err := Create(dataRoot)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()
	return b.write(ctx, db, div, meta, products, seqs, func(int) bool { return true })
}

func (b *Builder) write(ctx context.Context, db *Database, div string, meta *Meta, products []*Product, seqs []tokens, include func(int) bool) error {
	charVocab, wordVocab := NewVocabulary(meta.CharVocab), NewVocabulary(meta.WordVocab)
	w, err := db.CreateSplit(div, meta.CharLen, meta.WordLen, meta.ImgDim)
	if err != nil {
		return errors.Trace(err)
	}
	_, span := monitor.Start(ctx, "write "+div, len(products))
	defer span.End()
	for i, product := range products {
		span.Add(1)
		if !include(i) {
			continue
		}
		if err = ctx.Err(); err != nil {
			_ = w.Rollback()
			return errors.Trace(err)
		}
		row := Row{
			Pid:  product.Pid,
			Cuni: charVocab.Encode(seqs[i].chars, meta.CharLen),
			Wuni: wordVocab.Encode(seqs[i].words, meta.WordLen),
			Img:  product.ImgFeat,
		}
		if len(row.Img) == 0 {
			row.Img = make([]float32, meta.ImgDim)
		}
		row.Labels = encodeLabels(meta, product)
		if err = w.Append(row); err != nil {
			span.Fail(err)
			_ = w.Rollback()
			return errors.Trace(err)
		}
	}
	log.Logger().Info("write dataset split", zap.String("div", div), zap.Int("n_rows", w.Count()))
	return errors.Trace(w.Commit())
}

// labelCodes converts category ids to codes. A level is empty when it or any
// level above it is absent.
func labelCodes(product *Product) ([NumLevels]string, bool) {
	var codes [NumLevels]string
	ids := product.Codes()
	if ids[0] < 0 {
		return codes, false
	}
	for level, id := range ids {
		if id < 0 {
			break
		}
		codes[level] = strconv.Itoa(id)
	}
	return codes, true
}

func encodeLabels(meta *Meta, product *Product) [NumLevels]int32 {
	labels := [NumLevels]int32{-1, -1, -1, -1}
	codes, ok := labelCodes(product)
	if !ok {
		return labels
	}
	for level := 0; level < NumLevels; level++ {
		if codes[level] == "" {
			break
		}
		if index, exist := meta.YVocab[level][LabelOf(codes, level)]; exist {
			labels[level] = int32(index)
		}
	}
	return labels
}
