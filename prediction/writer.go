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
	"bufio"
	"fmt"
	"io"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/config"
	"github.com/gorse-io/categorizer/dataset"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// NoAnswer is written for products without prediction.
func NoAnswer(pid string) string {
	return fmt.Sprintf("%s\t-1\t-1\t-1\t-1", pid)
}

// DataType is the last element of a test root, such as train, dev or test.
func DataType(testRoot string) string {
	return filepath.Base(filepath.Clean(testRoot))
}

// CanonicalOrder returns the pids that a prediction file must list, in order.
// They are the pid columns of the dev split of training data, the dev split of
// dev data or the test split of test data, concatenated across data roots.
// Repeated pids are kept once.
func CanonicalOrder(dataType string, cfg config.DataConfig) ([]string, error) {
	var (
		dataRoots []string
		div       string
	)
	switch dataType {
	case dataset.Train:
		dataRoots, div = cfg.TrainDataList, dataset.Dev
	case dataset.Dev:
		dataRoots, div = cfg.DevDataList, dataset.Dev
	case dataset.Test:
		dataRoots, div = cfg.TestDataList, dataset.Test
	default:
		log.Logger().Error("data type only include train, dev, test", zap.String("data_type", dataType))
		return nil, errors.NotValidf("data type %q", dataType)
	}
	var order []string
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, dataRoot := range dataRoots {
		db, split, err := dataset.ReadSplit(dataRoot, div)
		if err != nil {
			return nil, errors.Annotatef(err, "read %s split of %s", div, dataRoot)
		}
		pids, err := split.Pids()
		_ = db.Close()
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, pid := range pids {
			if seen.Add(pid) {
				order = append(order, pid)
			}
		}
	}
	return order, nil
}

// Write emits one line per pid of order. Pids without a line get NoAnswer.
func Write(w io.Writer, order []string, lines map[string]string) error {
	bw := bufio.NewWriter(w)
	var missing int
	for _, pid := range order {
		line, ok := lines[pid]
		if !ok {
			line = NoAnswer(pid)
			missing++
		}
		if _, err := bw.WriteString(line); err != nil {
			return errors.Trace(err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errors.Trace(err)
		}
	}
	if missing > 0 {
		log.Logger().Warn("products without prediction", zap.Int("n_missing", missing), zap.Int("n_total", len(order)))
	}
	return errors.Trace(bw.Flush())
}
