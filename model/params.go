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

package model

import (
	"fmt"
	"reflect"

	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/config"
	"github.com/gorse-io/categorizer/dataset"
	"go.uber.org/zap"
)

// ParamName is the type of hyper-parameter names.
type ParamName string

// Predefined hyper-parameter names
const (
	Lr            ParamName = "Lr"            // learning rate
	NEpochs       ParamName = "NEpochs"       // number of epochs
	BatchSize     ParamName = "BatchSize"     // batch size
	RandomState   ParamName = "RandomState"   // random state (seed)
	Mode          ParamName = "Mode"          // how text and image representations are merged
	CharVocaSize  ParamName = "CharVocaSize"  // rows of the char embedding table
	WordVocaSize  ParamName = "WordVocaSize"  // rows of the word embedding table
	CharLen       ParamName = "CharLen"       // length of char sequences
	WordLen       ParamName = "WordLen"       // length of word sequences
	ImgDim        ParamName = "ImgDim"        // dimension of image features
	CharEmbedSize ParamName = "CharEmbedSize" // dimension of char embeddings
	WordEmbedSize ParamName = "WordEmbedSize" // dimension of word embeddings
	HiddenSize    ParamName = "HiddenSize"    // dimension of the shared representation
	AttnSize      ParamName = "AttnSize"      // dimension of attention pooling
	BCateSize     ParamName = "BCateSize"     // number of broad categories
	MCateSize     ParamName = "MCateSize"     // number of middle categories
	SCateSize     ParamName = "SCateSize"     // number of sub categories
	DCateSize     ParamName = "DCateSize"     // number of detail categories
)

// CateSizes are the names of the class counts of each hierarchy level.
var CateSizes = [dataset.NumLevels]ParamName{BCateSize, MCateSize, SCateSize, DCateSize}

// Params stores hyper-parameters for an model. It is a map between strings
// (names) and interface{}s (values). Numbers decoded from JSON are float64,
// so integer getters accept integral floats.
type Params map[ParamName]interface{}

// Copy hyper-parameters.
func (parameters Params) Copy() Params {
	newParams := make(Params)
	for k, v := range parameters {
		newParams[k] = v
	}
	return newParams
}

// GetInt gets a integer parameter by name. Returns _default if not exists or type doesn't match.
func (parameters Params) GetInt(name ParamName, _default int) int {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case int:
			return val
		case int64:
			return int(val)
		case float64:
			if val == float64(int(val)) {
				return int(val)
			}
		}
		log.Logger().Error("type mismatch",
			zap.String("param", string(name)),
			zap.String("expect", "int"),
			zap.String("actual", fmt.Sprint(reflect.TypeOf(val))))
	}
	return _default
}

// GetInt64 gets a int64 parameter by name. Returns _default if not exists or type doesn't match.
func (parameters Params) GetInt64(name ParamName, _default int64) int64 {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case int64:
			return val
		case int:
			return int64(val)
		case float64:
			if val == float64(int64(val)) {
				return int64(val)
			}
		}
		log.Logger().Error("type mismatch",
			zap.String("param", string(name)),
			zap.String("expect", "int64"),
			zap.String("actual", fmt.Sprint(reflect.TypeOf(val))))
	}
	return _default
}

func (parameters Params) GetFloat32(name ParamName, _default float32) float32 {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case float32:
			return val
		case float64:
			return float32(val)
		case int:
			return float32(val)
		default:
			log.Logger().Error("type mismatch",
				zap.String("param", string(name)),
				zap.String("expect", "float32"),
				zap.String("actual", fmt.Sprint(reflect.TypeOf(val))))
		}
	}
	return _default
}

// GetString gets a string parameter. Returns _default if not exists or type doesn't match.
func (parameters Params) GetString(name ParamName, _default string) string {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case string:
			return val
		default:
			log.Logger().Error("type mismatch",
				zap.String("param", string(name)),
				zap.String("expect", "string"),
				zap.String("actual", fmt.Sprint(reflect.TypeOf(val))))
		}
	}
	return _default
}

func (parameters Params) Overwrite(params Params) Params {
	merged := make(Params)
	for k, v := range parameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// NewParams collects hyper-parameters from configuration and the shape of the data.
func NewParams(cfg *config.Config, meta *dataset.Meta) Params {
	params := Params{
		Lr:            cfg.Model.LearningRate,
		NEpochs:       cfg.Train.NumEpochs,
		BatchSize:     cfg.Train.BatchSize,
		RandomState:   cfg.Data.Seed,
		Mode:          "sum",
		CharVocaSize:  meta.CharVocaSize(),
		WordVocaSize:  meta.WordVocaSize(),
		CharLen:       meta.CharLen,
		WordLen:       meta.WordLen,
		ImgDim:        meta.ImgDim,
		CharEmbedSize: cfg.Model.CharEmbedSize,
		WordEmbedSize: cfg.Model.WordEmbedSize,
		HiddenSize:    cfg.Model.HiddenSize,
		AttnSize:      cfg.Model.AttnSize,
	}
	for level, n := range meta.NumClasses() {
		params[CateSizes[level]] = n
	}
	return params
}
