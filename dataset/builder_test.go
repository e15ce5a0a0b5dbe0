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
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const products = `{"pid": "A1", "product": "Apple iPhone 12 case", "brand": "apple", "img_feat": [0.1, 0.2], "bcateid": 1, "mcateid": 2, "scateid": 3, "dcateid": -1}
{"pid": "A2", "product": "Galaxy phone case", "maker": "samsung", "img_feat": [0.3, 0.4], "bcateid": 1, "mcateid": 2, "scateid": 4, "dcateid": 7}
{"pid": "A3", "product": "Running shoes", "img_feat": [0.5, 0.6], "bcateid": 5, "mcateid": 6, "scateid": 8, "dcateid": -1}
{"pid": "A4", "product": "Phone charger", "img_feat": [0.7, 0.8], "bcateid": 1, "mcateid": 9, "scateid": 10, "dcateid": -1}
`

func writeProducts(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "products.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuild(t *testing.T) {
	items, err := ReadProducts(writeProducts(t, products))
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "Apple iPhone 12 case apple  ", items[0].Text())

	dataRoot := t.TempDir()
	builder := NewBuilder(BuildConfig{
		CharVocaSize: 100,
		WordVocaSize: 3,
		CharMaxLen:   16,
		WordMaxLen:   4,
		DevRatio:     0,
		Seed:         1,
		Jobs:         2,
	})
	meta, err := builder.Build(context.Background(), items, dataRoot)
	require.NoError(t, err)

	// labels are joined code paths
	assert.Equal(t, [NumLevels]int{2, 3, 4, 1}, meta.NumClasses())
	assert.Equal(t, []string{"1", "5"}, meta.Labels(0))
	assert.Equal(t, []string{"1>2", "5>6", "1>9"}, meta.Labels(1))
	assert.Equal(t, []string{"1>2>4>7"}, meta.Labels(3))
	assert.Equal(t, []string{"apple", "case", "phone"}, meta.WordVocab)
	assert.Equal(t, 2, meta.ImgDim)
	assert.Equal(t, 5, meta.WordVocaSize())

	// meta round trip
	loaded, err := LoadMeta(dataRoot)
	require.NoError(t, err)
	assert.Equal(t, meta, loaded)

	db, train, err := ReadSplit(dataRoot, Train)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 4, train.Count())
	batch, err := train.Slice(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2", "A3", "A4"}, batch.Pid)
	// "apple iphone 12 case" -> apple, unk, unk, case
	assert.Equal(t, []int32{2, UnkToken, UnkToken, 3}, batch.Wuni[:4])
	assert.Equal(t, []int32{0, 0, 0, -1}, []int32{batch.Labels[0][0], batch.Labels[1][0], batch.Labels[2][0], batch.Labels[3][0]})
	assert.Equal(t, []int32{0, 0, 1, 0}, []int32{batch.Labels[0][1], batch.Labels[1][1], batch.Labels[2][1], batch.Labels[3][1]})

	dev, err := db.Split(Dev)
	require.NoError(t, err)
	assert.Zero(t, dev.Count())
}

func TestBuildDevSplit(t *testing.T) {
	items, err := ReadProducts(writeProducts(t, products))
	require.NoError(t, err)
	dataRoot := t.TempDir()
	builder := NewBuilder(BuildConfig{CharVocaSize: 10, WordVocaSize: 10, CharMaxLen: 8, WordMaxLen: 4, DevRatio: 0.5, Seed: 42})
	_, err = builder.Build(context.Background(), items, dataRoot)
	require.NoError(t, err)

	db, err := Open(dataRoot)
	require.NoError(t, err)
	defer db.Close()
	train, err := db.Split(Train)
	require.NoError(t, err)
	dev, err := db.Split(Dev)
	require.NoError(t, err)
	assert.Equal(t, 4, train.Count()+dev.Count())

	// the split is deterministic given the seed
	otherRoot := t.TempDir()
	_, err = builder.Build(context.Background(), items, otherRoot)
	require.NoError(t, err)
	otherDB, otherDev, err := ReadSplit(otherRoot, Dev)
	require.NoError(t, err)
	defer otherDB.Close()
	pids, err := dev.Pids()
	require.NoError(t, err)
	otherPids, err := otherDev.Pids()
	require.NoError(t, err)
	assert.Equal(t, pids, otherPids)
}

func TestBuildDiv(t *testing.T) {
	items, err := ReadProducts(writeProducts(t, products))
	require.NoError(t, err)
	builder := NewBuilder(BuildConfig{CharVocaSize: 10, WordVocaSize: 10, CharMaxLen: 8, WordMaxLen: 4})
	meta, err := builder.Build(context.Background(), items, t.TempDir())
	require.NoError(t, err)

	testItems, err := ReadProducts(writeProducts(t, `{"pid": "T1", "product": "phone", "img_feat": [1, 2], "bcateid": 1, "mcateid": 3, "scateid": -1, "dcateid": -1}
{"pid": "T2", "product": "unknown", "bcateid": -1, "mcateid": -1, "scateid": -1, "dcateid": -1}
`))
	require.NoError(t, err)
	testRoot := t.TempDir()
	require.NoError(t, builder.BuildDiv(context.Background(), testItems, testRoot, Test, meta))

	db, split, err := ReadSplit(testRoot, Test)
	require.NoError(t, err)
	defer db.Close()
	batch, err := split.Slice(0, 2)
	require.NoError(t, err)
	// known broad category, unknown middle category
	assert.Equal(t, int32(0), batch.Labels[0][0])
	assert.Equal(t, int32(-1), batch.Labels[1][0])
	assert.Equal(t, int32(-1), batch.Labels[0][1])
	// missing image features are zeros
	assert.Equal(t, []float32{1, 2, 0, 0}, batch.Img)
}

func TestBuildImageMismatch(t *testing.T) {
	items, err := ReadProducts(writeProducts(t, `{"pid": "A", "img_feat": [1, 2], "bcateid": 1, "mcateid": 1, "scateid": 1, "dcateid": 1}
{"pid": "B", "img_feat": [1, 2, 3], "bcateid": 1, "mcateid": 1, "scateid": 1, "dcateid": 1}
`))
	require.NoError(t, err)
	builder := NewBuilder(BuildConfig{CharVocaSize: 10, WordVocaSize: 10, CharMaxLen: 8, WordMaxLen: 4})
	_, err = builder.Build(context.Background(), items, t.TempDir())
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestLoadMetaMissing(t *testing.T) {
	_, err := LoadMeta(t.TempDir())
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestLabelOf(t *testing.T) {
	codes := [NumLevels]string{"1", "2", "3", "4"}
	assert.Equal(t, "1", LabelOf(codes, 0))
	assert.Equal(t, "1>2>3", LabelOf(codes, 2))
	assert.Equal(t, "1>2>3>4", LabelOf(codes, 3))
}
