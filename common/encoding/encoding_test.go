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

package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteString(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteString(buf, "MultiTask"))
	assert.NoError(t, WriteString(buf, ""))
	s, err := ReadString(buf)
	assert.NoError(t, err)
	assert.Equal(t, "MultiTask", s)
	s, err = ReadString(buf)
	assert.NoError(t, err)
	assert.Empty(t, s)
	_, err = ReadString(buf)
	assert.Error(t, err)
}

func TestWriteGob(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	vocab := map[string]int{"1": 0, "2": 1}
	assert.NoError(t, WriteGob(buf, vocab))
	var read map[string]int
	assert.NoError(t, ReadGob(buf, &read))
	assert.Equal(t, vocab, read)
}

func TestInt32s(t *testing.T) {
	a := []int32{0, 1, -1, 1 << 30}
	b, err := DecodeInt32s(EncodeInt32s(a))
	assert.NoError(t, err)
	assert.Equal(t, a, b)
	_, err = DecodeInt32s([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFloat32s(t *testing.T) {
	a := []float32{0, 0.5, -1.25, 3e8}
	b, err := DecodeFloat32s(EncodeFloat32s(a))
	assert.NoError(t, err)
	assert.Equal(t, a, b)
	_, err = DecodeFloat32s([]byte{1})
	assert.Error(t, err)
}
