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

package taxonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cate1 = `{
	"b": {"디지털/가전": 1, "패션의류": 2},
	"m": {"휴대폰": 1, "여성의류": 2},
	"s": {"스마트폰": 3},
	"d": {"아이폰": 4, "없음": -1}
}`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cate1.json")
	require.NoError(t, os.WriteFile(path, []byte(cate1), 0644))
	taxonomy, err := Load(path)
	require.NoError(t, err)

	name, ok := taxonomy.Name(0, "1")
	assert.True(t, ok)
	assert.Equal(t, "디지털/가전", name)
	name, ok = taxonomy.Name(1, "2")
	assert.True(t, ok)
	assert.Equal(t, "여성의류", name)
	name, ok = taxonomy.Name(3, "-1")
	assert.True(t, ok)
	assert.Equal(t, "없음", name)
	_, ok = taxonomy.Name(2, "4")
	assert.False(t, ok)
	assert.Equal(t, 2, taxonomy.Len(3))
}

func TestParseMissingLevel(t *testing.T) {
	_, err := Parse([]byte(`{"b": {}, "m": {}, "s": {}}`))
	assert.True(t, errors.Is(err, errors.NotFound))
	_, err = Parse([]byte(`{"b": `))
	assert.Error(t, err)
}
