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

package classifier

import (
	"github.com/gorse-io/categorizer/dataset"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const LabelLevel = "level"

// Metrics are exported through a text file since training runs as a batch job.
type Metrics struct {
	registry  *prometheus.Registry
	Epoch     prometheus.Gauge
	TrainLoss prometheus.Gauge
	ValidLoss prometheus.Gauge
	BestLoss  prometheus.Gauge
	Accuracy  *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Epoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "categorizer",
			Subsystem: "train",
			Name:      "epoch",
		}),
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "categorizer",
			Subsystem: "train",
			Name:      "loss",
		}),
		ValidLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "categorizer",
			Subsystem: "train",
			Name:      "val_loss",
		}),
		BestLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "categorizer",
			Subsystem: "train",
			Name:      "best_val_loss",
		}),
		Accuracy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "categorizer",
			Subsystem: "train",
			Name:      "accuracy",
		}, []string{LabelLevel}),
	}
}

// SetAccuracy records per-level accuracy.
func (m *Metrics) SetAccuracy(accuracy [dataset.NumLevels]float64) {
	for level, value := range accuracy {
		m.Accuracy.WithLabelValues(dataset.Levels[level]).Set(value)
	}
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTo writes metrics in the text exposition format. Nothing is written if path is empty.
func (m *Metrics) WriteTo(path string) error {
	if path == "" {
		return nil
	}
	return errors.Trace(prometheus.WriteToTextfile(path, m.registry))
}
