// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"fmt"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// maxDuration is the largest duration tracked by a Durations
// histogram. Larger samples are clamped.
const maxDuration = 24 * time.Hour

// Durations is a distribution of durations, tracked with millisecond
// resolution. Durations is not safe for concurrent use; it is meant
// to be owned by a single goroutine and copied into snapshots.
type Durations struct {
	h *hdrhistogram.Histogram
}

// NewDurations returns an empty distribution.
func NewDurations() *Durations {
	return &Durations{h: hdrhistogram.New(1, int64(maxDuration/time.Millisecond), 2)}
}

// Record adds a sample to the distribution.
func (d *Durations) Record(dur time.Duration) {
	ms := int64(dur / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	if max := int64(maxDuration / time.Millisecond); ms > max {
		ms = max
	}
	// RecordValue only fails for out-of-range values, which are
	// clamped above.
	_ = d.h.RecordValue(ms)
}

// Summary returns count, mean and percentile values of the
// distribution.
func (d *Durations) Summary() Summary {
	if d == nil || d.h.TotalCount() == 0 {
		return Summary{}
	}
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return Summary{
		Count: d.h.TotalCount(),
		Mean:  time.Duration(d.h.Mean() * float64(time.Millisecond)),
		P50:   ms(d.h.ValueAtQuantile(50)),
		P90:   ms(d.h.ValueAtQuantile(90)),
		P99:   ms(d.h.ValueAtQuantile(99)),
		Max:   ms(d.h.Max()),
	}
}

// A Summary is an immutable digest of a Durations distribution.
type Summary struct {
	Count               int64
	Mean, P50, P90, P99 time.Duration
	Max                 time.Duration
}

func (s Summary) String() string {
	if s.Count == 0 {
		return "n=0"
	}
	return fmt.Sprintf("n=%d mean=%s p50=%s p90=%s p99=%s max=%s", s.Count, s.Mean, s.P50, s.P90, s.P99, s.Max)
}
