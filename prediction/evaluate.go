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
	"strings"

	"github.com/gorse-io/categorizer/dataset"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	levelNames   = [dataset.NumLevels]string{"broad", "middle", "sub", "detail"}
	levelWeights = [dataset.NumLevels]float64{1.0, 1.2, 1.3, 1.4}
)

// ReadPredictions parses a prediction file into category fields keyed by pid.
func ReadPredictions(r io.Reader) (map[string][dataset.NumLevels]string, error) {
	predictions := make(map[string][dataset.NumLevels]string)
	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != dataset.NumLevels+1 {
			return nil, errors.NotValidf("line %d with %d fields", lineNumber, len(fields))
		}
		predictions[fields[0]] = [dataset.NumLevels]string(fields[1:])
	}
	return predictions, errors.Trace(scanner.Err())
}

type Score struct {
	Answers  [dataset.NumLevels]int
	Correct  [dataset.NumLevels]int
	Accuracy [dataset.NumLevels]float64
	Score    float64
}

func (s Score) ZapFields() []zap.Field {
	fields := make([]zap.Field, 0, dataset.NumLevels+1)
	for level, name := range levelNames {
		fields = append(fields, zap.Float64(name, s.Accuracy[level]))
	}
	return append(fields, zap.Float64("score", s.Score))
}

// Render prints per-level accuracy and the weighted score as a table.
func (s Score) Render(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.Header("Level", "Weight", "Answers", "Correct", "Accuracy")
	for level, name := range levelNames {
		if err := table.Append([]string{
			name,
			fmt.Sprintf("%.1f", levelWeights[level]),
			fmt.Sprint(s.Answers[level]),
			fmt.Sprint(s.Correct[level]),
			fmt.Sprintf("%.6f", s.Accuracy[level]),
		}); err != nil {
			return errors.Trace(err)
		}
	}
	if err := table.Append([]string{"score", "", fmt.Sprint(lo.Sum(s.Answers[:])), fmt.Sprint(lo.Sum(s.Correct[:])), fmt.Sprintf("%.6f", s.Score)}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(table.Render())
}

// Evaluate compares predictions against the labels of a split. Answers of -1
// are skipped and products without prediction count as wrong. The decoder
// must not expand taxonomy names since predictions hold codes.
func Evaluate(predictions map[string][dataset.NumLevels]string, pids []string, answers [dataset.NumLevels][]int32, decoder *Decoder) (Score, error) {
	var score Score
	for level := range answers {
		if len(answers[level]) != len(pids) {
			return score, errors.NotValidf("%d answers of level %d for %d products", len(answers[level]), level, len(pids))
		}
	}
	for i, pid := range pids {
		predicted, ok := predictions[pid]
		for level := range answers {
			if answers[level][i] < 0 {
				continue
			}
			expected, err := decoder.Decode(level, int(answers[level][i]))
			if err != nil {
				return score, errors.Trace(err)
			}
			score.Answers[level]++
			if ok && predicted[level] == expected {
				score.Correct[level]++
			}
		}
	}
	for level := range score.Accuracy {
		if score.Answers[level] > 0 {
			score.Accuracy[level] = float64(score.Correct[level]) / float64(score.Answers[level])
		}
		score.Score += levelWeights[level] * score.Accuracy[level]
	}
	score.Score /= dataset.NumLevels
	return score, nil
}
