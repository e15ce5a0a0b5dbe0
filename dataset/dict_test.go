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

package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreqDict(t *testing.T) {
	dict := NewFreqDict()
	assert.Equal(t, 0, dict.Id("a"))
	assert.Equal(t, 1, dict.Id("b"))
	assert.Equal(t, 1, dict.Id("b"))
	assert.Equal(t, 2, dict.Id("c"))
	assert.Equal(t, 2, dict.Id("c"))
	assert.Equal(t, 2, dict.Id("c"))
	assert.Equal(t, 3, dict.Count())
	assert.Equal(t, 1, dict.Freq(0))
	assert.Equal(t, 2, dict.Freq(1))
	assert.Equal(t, 3, dict.Freq(2))
	assert.Equal(t, []string{"c", "b"}, dict.Top(2))
	assert.Equal(t, []string{"c", "b", "a"}, dict.Top(10))
	s, ok := dict.String(1)
	assert.True(t, ok)
	assert.Equal(t, "b", s)
	_, ok = dict.String(3)
	assert.False(t, ok)
}

func TestVocabulary(t *testing.T) {
	vocab := NewVocabulary([]string{"apple", "phone"})
	assert.Equal(t, int32(2), vocab.Lookup("apple"))
	assert.Equal(t, int32(3), vocab.Lookup("phone"))
	assert.Equal(t, int32(UnkToken), vocab.Lookup("case"))
	assert.Equal(t, []int32{2, 1, 0, 0}, vocab.Encode([]string{"apple", "case"}, 4))
	assert.Equal(t, []int32{3}, vocab.Encode([]string{"phone", "apple"}, 1))
}

func TestTokenizer(t *testing.T) {
	assert.Equal(t, []string{"iphone", "12", "케이스"}, Words("iPhone-12 [케이스]"))
	assert.Equal(t, []string{"a", "b", "1"}, Chars("A/b 1"))
	// full-width letters are folded by NFKC
	assert.Equal(t, []string{"abc"}, Words("ＡＢＣ"))
	assert.Empty(t, Words("!!!"))
}
