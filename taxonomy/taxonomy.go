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

	"github.com/gorse-io/categorizer/dataset"
	"github.com/juju/errors"
	jsoniter "github.com/json-iterator/go"
)

// Taxonomy maps category codes to human-readable names per hierarchy level.
type Taxonomy struct {
	names [dataset.NumLevels]map[string]string
}

// Load reads a JSON file of the form {"b": {"name": code}, "m": {...}, "s": {...}, "d": {...}}.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Taxonomy, error) {
	var raw map[string]map[string]jsoniter.Number
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "parse taxonomy")
	}
	t := new(Taxonomy)
	for level, key := range dataset.Levels {
		names, ok := raw[key]
		if !ok {
			return nil, errors.NotFoundf("level %q in taxonomy", key)
		}
		t.names[level] = make(map[string]string, len(names))
		for name, code := range names {
			t.names[level][code.String()] = name
		}
	}
	return t, nil
}

// Name returns the name of a category code.
func (t *Taxonomy) Name(level int, code string) (string, bool) {
	name, ok := t.names[level][code]
	return name, ok
}

func (t *Taxonomy) Len(level int) int {
	return len(t.names[level])
}
