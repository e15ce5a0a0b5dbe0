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

package prediction

import (
	"context"
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gorse-io/categorizer/common/parallel"
	"github.com/gorse-io/categorizer/dataset"
	"github.com/gorse-io/categorizer/taxonomy"
	"github.com/juju/errors"
)

// Probabilities are class probabilities of a batch of products. Level k is a
// row-major matrix of shape [len(Pids), NumClasses[k]].
type Probabilities struct {
	Pids       []string
	Values     [dataset.NumLevels][]float32
	NumClasses [dataset.NumLevels]int
}

func (p *Probabilities) Append(other *Probabilities) {
	p.Pids = append(p.Pids, other.Pids...)
	for level := range p.Values {
		p.Values[level] = append(p.Values[level], other.Values[level]...)
	}
	p.NumClasses = other.NumClasses
}

// Record holds the class index of each level predicted for a product.
type Record struct {
	Pid     string
	Classes [dataset.NumLevels]int
}

func argmax(values []float32) int {
	best, index := math32.Inf(-1), 0
	for i, value := range values {
		if value > best {
			best, index = value, i
		}
	}
	return index
}

// Argmax selects the most probable class of each level for every product.
func Argmax(ctx context.Context, probs *Probabilities, jobs int) ([]Record, error) {
	n := len(probs.Pids)
	for level, values := range probs.Values {
		if len(values) != n*probs.NumClasses[level] {
			return nil, errors.NotValidf("%d probabilities of level %d for %d products and %d classes",
				len(values), level, n, probs.NumClasses[level])
		}
	}
	records := make([]Record, n)
	err := parallel.For(ctx, n, jobs, func(i int) {
		records[i].Pid = probs.Pids[i]
		for level, values := range probs.Values {
			c := probs.NumClasses[level]
			records[i].Classes[level] = argmax(values[i*c : (i+1)*c])
		}
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return records, nil
}

// Decoder maps class indices to category codes, or to taxonomy names when readable.
type Decoder struct {
	labels   [dataset.NumLevels][]string
	taxonomy *taxonomy.Taxonomy
}

// NewDecoder creates a decoder. Names are not expanded if taxonomy is nil.
func NewDecoder(meta *dataset.Meta, taxonomy *taxonomy.Taxonomy) *Decoder {
	d := &Decoder{taxonomy: taxonomy}
	for level := range d.labels {
		d.labels[level] = meta.Labels(level)
	}
	return d
}

// Decode returns the code of a class at its own level, that is segment k of the
// '>'-joined label of level k. Codes missing from the taxonomy are kept as is.
func (d *Decoder) Decode(level, class int) (string, error) {
	if len(d.labels[level]) == 0 {
		return "-1", nil
	}
	if class < 0 || class >= len(d.labels[level]) {
		return "", errors.NotFoundf("class %d of level %d", class, level)
	}
	segments := strings.Split(d.labels[level][class], ">")
	if len(segments) <= level {
		return "", errors.NotValidf("label %q of level %d", d.labels[level][class], level)
	}
	code := segments[level]
	if d.taxonomy != nil {
		if name, ok := d.taxonomy.Name(level, code); ok {
			return name, nil
		}
	}
	return code, nil
}

// Format renders a record as pid, broad, middle, sub and detail separated by tabs.
func (d *Decoder) Format(record Record) (string, error) {
	var fields [dataset.NumLevels]string
	for level, class := range record.Classes {
		field, err := d.Decode(level, class)
		if err != nil {
			return "", errors.Annotatef(err, "decode %s", record.Pid)
		}
		fields[level] = field
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s", record.Pid, fields[0], fields[1], fields[2], fields[3]), nil
}

// DecodeAll formats records keyed by pid. A later record of the same pid wins.
func (d *Decoder) DecodeAll(records []Record) (map[string]string, error) {
	lines := make(map[string]string, len(records))
	for _, record := range records {
		line, err := d.Format(record)
		if err != nil {
			return nil, errors.Trace(err)
		}
		lines[record.Pid] = line
	}
	return lines, nil
}
