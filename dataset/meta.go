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
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gorse-io/categorizer/common/encoding"
	"github.com/juju/errors"
)

const MetaFile = "meta"

// Meta is built together with the training data and reused unchanged for
// training and inference.
type Meta struct {
	// YVocab maps the label of each level to its class index. The label of
	// level k joins the first k+1 category codes with '>'.
	YVocab    [NumLevels]map[string]int
	CharVocab []string
	WordVocab []string
	ImgDim    int
	CharLen   int
	WordLen   int
}

func NewMeta() *Meta {
	meta := new(Meta)
	for i := range meta.YVocab {
		meta.YVocab[i] = make(map[string]int)
	}
	return meta
}

// LabelOf returns the label of a level given the category codes of all levels.
func LabelOf(codes [NumLevels]string, level int) string {
	return strings.Join(codes[:level+1], ">")
}

// AddLabel returns the class index of a label, assigning the next index to new labels.
func (m *Meta) AddLabel(level int, label string) int {
	if index, ok := m.YVocab[level][label]; ok {
		return index
	}
	index := len(m.YVocab[level])
	m.YVocab[level][label] = index
	return index
}

// NumClasses returns the number of classes per level.
func (m *Meta) NumClasses() [NumLevels]int {
	var n [NumLevels]int
	for i := range m.YVocab {
		n[i] = len(m.YVocab[i])
	}
	return n
}

// Labels returns the index-to-label table of a level.
func (m *Meta) Labels(level int) []string {
	type entry struct {
		label string
		index int
	}
	entries := make([]entry, 0, len(m.YVocab[level]))
	for label, index := range m.YVocab[level] {
		entries = append(entries, entry{label: label, index: index})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].index < entries[j].index
	})
	labels := make([]string, len(entries))
	for i, e := range entries {
		labels[i] = e.label
	}
	return labels
}

// CharVocaSize is the size of the char embedding table including padding and unknown.
func (m *Meta) CharVocaSize() int {
	return len(m.CharVocab) + reservedTokens
}

// WordVocaSize is the size of the word embedding table including padding and unknown.
func (m *Meta) WordVocaSize() int {
	return len(m.WordVocab) + reservedTokens
}

func (m *Meta) Save(dataRoot string) error {
	if err := os.MkdirAll(dataRoot, os.ModePerm); err != nil {
		return errors.Trace(err)
	}
	f, err := os.Create(filepath.Join(dataRoot, MetaFile))
	if err != nil {
		return errors.Trace(err)
	}
	if err = encoding.WriteGob(f, m); err != nil {
		_ = f.Close()
		return errors.Trace(err)
	}
	return errors.Trace(f.Close())
}

func LoadMeta(dataRoot string) (*Meta, error) {
	path := filepath.Join(dataRoot, MetaFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("meta %s", path)
		}
		return nil, errors.Trace(err)
	}
	defer f.Close()
	meta := NewMeta()
	if err = encoding.ReadGob(f, meta); err != nil {
		return nil, errors.Annotatef(err, "read meta %s", path)
	}
	return meta, nil
}
