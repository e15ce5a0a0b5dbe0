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
	"testing"

	"github.com/gorse-io/categorizer/config"
	"github.com/gorse-io/categorizer/dataset"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_Copy(t *testing.T) {
	// Create parameters
	a := Params{
		HiddenSize:  1,
		Lr:          0.1,
		RandomState: 0,
	}
	// Create copy
	b := a.Copy()
	b[HiddenSize] = 2
	b[Lr] = 0.2
	b[RandomState] = 1
	// Check that the source is untouched
	assert.Equal(t, 1, a.GetInt(HiddenSize, -1))
	assert.Equal(t, float32(0.1), a.GetFloat32(Lr, -0.1))
	assert.Equal(t, int64(0), a.GetInt64(RandomState, -1))
	// Check copy parameters
	assert.Equal(t, 2, b.GetInt(HiddenSize, -1))
	assert.Equal(t, float32(0.2), b.GetFloat32(Lr, -0.1))
	assert.Equal(t, int64(1), b.GetInt64(RandomState, -1))
}

func TestParams_GetFloat32(t *testing.T) {
	p := Params{}
	// Empty case
	assert.Equal(t, float32(0.1), p.GetFloat32(Lr, 0.1))
	// Normal case
	p[Lr] = 1.0
	assert.Equal(t, float32(1.0), p.GetFloat32(Lr, 0.1))
	// Wrong type case
	p[Lr] = 1
	assert.Equal(t, float32(1.0), p.GetFloat32(Lr, 0.1))
	p[Lr] = "hello"
	assert.Equal(t, float32(0.1), p.GetFloat32(Lr, 0.1))
}

func TestParams_GetInt(t *testing.T) {
	p := Params{}
	// Empty case
	assert.Equal(t, -1, p.GetInt(HiddenSize, -1))
	// Normal case
	p[HiddenSize] = 0
	assert.Equal(t, 0, p.GetInt(HiddenSize, -1))
	// Decoded from JSON
	p[HiddenSize] = 64.0
	assert.Equal(t, 64, p.GetInt(HiddenSize, -1))
	p[HiddenSize] = 64.5
	assert.Equal(t, -1, p.GetInt(HiddenSize, -1))
	// Wrong type case
	p[HiddenSize] = "hello"
	assert.Equal(t, -1, p.GetInt(HiddenSize, -1))
}

func TestParams_GetInt64(t *testing.T) {
	p := Params{}
	// Empty case
	assert.Equal(t, int64(-1), p.GetInt64(RandomState, -1))
	// Normal case
	p[RandomState] = int64(0)
	assert.Equal(t, int64(0), p.GetInt64(RandomState, -1))
	// Wrong type case
	p[RandomState] = 0
	assert.Equal(t, int64(0), p.GetInt64(RandomState, -1))
	p[RandomState] = "hello"
	assert.Equal(t, int64(-1), p.GetInt64(RandomState, -1))
}

func TestParams_GetString(t *testing.T) {
	p := Params{}
	assert.Equal(t, "sum", p.GetString(Mode, "sum"))
	p[Mode] = "concat"
	assert.Equal(t, "concat", p.GetString(Mode, "sum"))
	p[Mode] = 1
	assert.Equal(t, "sum", p.GetString(Mode, "sum"))
}

func TestParams_Overwrite(t *testing.T) {
	a := Params{HiddenSize: 1, Lr: 0.1}
	b := a.Overwrite(Params{Lr: 0.2, AttnSize: 8})
	assert.Equal(t, Params{HiddenSize: 1, Lr: 0.2, AttnSize: 8}, b)
	assert.Equal(t, 0.1, a[Lr])
}

func TestNewParams(t *testing.T) {
	meta := dataset.NewMeta()
	meta.CharVocab = []string{"a", "b"}
	meta.WordVocab = []string{"ab"}
	meta.CharLen, meta.WordLen, meta.ImgDim = 8, 4, 2
	meta.AddLabel(0, "1")
	meta.AddLabel(1, "1>2")
	params := NewParams(config.GetDefaultConfig(), meta)
	assert.Equal(t, 4, params.GetInt(CharVocaSize, 0))
	assert.Equal(t, 3, params.GetInt(WordVocaSize, 0))
	assert.Equal(t, 1, params.GetInt(BCateSize, 0))
	assert.Equal(t, 0, params.GetInt(DCateSize, -1))

	// survives a JSON round trip
	data, err := jsoniter.Marshal(params)
	require.NoError(t, err)
	var decoded Params
	require.NoError(t, jsoniter.Unmarshal(data, &decoded))
	assert.Equal(t, 8, decoded.GetInt(CharLen, 0))
	assert.Equal(t, int64(17), decoded.GetInt64(RandomState, 0))
	assert.Equal(t, float32(0.001), decoded.GetFloat32(Lr, 0))
	assert.Equal(t, "sum", decoded.GetString(Mode, ""))
}
