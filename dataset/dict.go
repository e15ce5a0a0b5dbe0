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
	"sort"
)

const (
	PadToken = 0
	UnkToken = 1

	reservedTokens = 2
)

type FreqDict struct {
	si  map[string]int
	is  []string
	cnt []int
}

func NewFreqDict() (d *FreqDict) {
	d = &FreqDict{map[string]int{}, []string{}, []int{}}
	return
}

func (d *FreqDict) Count() int {
	return len(d.is)
}

func (d *FreqDict) Id(s string) (y int) {
	if y, ok := d.si[s]; ok {
		d.cnt[y]++
		return y
	}

	y = len(d.is)
	d.si[s] = y
	d.is = append(d.is, s)
	d.cnt = append(d.cnt, 1)
	return
}

func (d *FreqDict) String(id int) (s string, ok bool) {
	if id >= len(d.is) {
		return "", false
	}
	return d.is[id], true
}

func (d *FreqDict) Freq(id int) int {
	if id >= len(d.cnt) {
		return 0
	}
	return d.cnt[id]
}

// Top returns the n most frequent tokens. Ties keep insertion order.
func (d *FreqDict) Top(n int) []string {
	ids := make([]int, len(d.is))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return d.cnt[ids[i]] > d.cnt[ids[j]]
	})
	if n < len(ids) {
		ids = ids[:n]
	}
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tokens[i] = d.is[id]
	}
	return tokens
}

// Vocabulary maps tokens to embedding indices. Index 0 is padding and index 1
// is reserved for unknown tokens.
type Vocabulary struct {
	index map[string]int32
}

func NewVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{index: make(map[string]int32, len(tokens))}
	for i, token := range tokens {
		v.index[token] = int32(i + reservedTokens)
	}
	return v
}

func (v *Vocabulary) Lookup(token string) int32 {
	if index, ok := v.index[token]; ok {
		return index
	}
	return UnkToken
}

// Encode maps tokens to indices truncated or padded to maxLen.
func (v *Vocabulary) Encode(tokens []string, maxLen int) []int32 {
	seq := make([]int32, maxLen)
	for i, token := range tokens {
		if i >= maxLen {
			break
		}
		seq[i] = v.Lookup(token)
	}
	return seq
}
