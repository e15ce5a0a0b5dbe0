// Copyright 2023 gorse Project Authors
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

package monitor

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

type spanKeyType string

type barKeyType string

var (
	spanKeyName = spanKeyType(uuid.New().String())
	barKeyName  = barKeyType(uuid.New().String())
)

type Status string

const (
	StatusPending  Status = "Pending"
	StatusComplete Status = "Complete"
	StatusRunning  Status = "Running"
	StatusFailed   Status = "Failed"
)

type Span struct {
	mu       sync.Mutex
	name     string
	status   Status
	total    int
	count    int
	err      error
	start    time.Time
	finish   time.Time
	bar      *progressbar.ProgressBar
	children sync.Map
}

// WithProgressBar makes spans started from the returned context render a progress bar to w.
func WithProgressBar(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, barKeyName, w)
}

// Start creates a span. If ctx already carries a span, the new span becomes its child.
func Start(ctx context.Context, name string, total int) (context.Context, *Span) {
	span := &Span{
		name:   name,
		status: StatusRunning,
		total:  total,
		start:  time.Now(),
	}
	if ctx == nil {
		return nil, span
	}
	if w, ok := ctx.Value(barKeyName).(io.Writer); ok && total > 0 {
		span.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(name),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish())
	}
	if parent, ok := ctx.Value(spanKeyName).(*Span); ok {
		parent.children.Store(name, span)
	}
	return context.WithValue(ctx, spanKeyName, span), span
}

func (s *Span) Add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count += n
	if s.bar != nil {
		_ = s.bar.Add(n)
	}
}

func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = StatusComplete
		s.count = s.total
	}
	s.finish = time.Now()
	if s.bar != nil {
		_ = s.bar.Finish()
	}
}

func (s *Span) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusFailed
	s.err = err
}

func (s *Span) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Progress returns a snapshot of the span and all of its descendants.
func (s *Span) Progress() []Progress {
	s.mu.Lock()
	p := Progress{
		Name:       s.name,
		Status:     s.status,
		Count:      s.count,
		Total:      s.total,
		StartTime:  s.start,
		FinishTime: s.finish,
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	s.mu.Unlock()
	progress := []Progress{p}
	var children []*Span
	s.children.Range(func(_, value any) bool {
		children = append(children, value.(*Span))
		return true
	})
	sort.Slice(children, func(i, j int) bool {
		return children[i].start.Before(children[j].start)
	})
	for _, child := range children {
		progress = append(progress, child.Progress()...)
	}
	return progress
}

type Progress struct {
	Name       string
	Status     Status
	Error      string
	Count      int
	Total      int
	StartTime  time.Time
	FinishTime time.Time
}
