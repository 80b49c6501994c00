// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"fmt"

	"github.com/go-kit/log"
	"go.uber.org/atomic"
)

type Sampler struct {
	freq  int64
	count atomic.Int64
}

// NewSampler returns a sampler letting one in freq events through. A zero freq returns nil, which samples everything.
func NewSampler(freq int64) *Sampler {
	if freq == 0 {
		return nil
	}
	return &Sampler{freq: freq}
}

func (s *Sampler) Sample() bool {
	if s == nil {
		return true
	}
	count := s.count.Inc()
	return (count-1)%s.freq == 0
}

// SampledLogger only forwards the log lines its sampler lets through.
type SampledLogger struct {
	next    log.Logger
	sampler *Sampler
}

func NewSampledLogger(next log.Logger, sampler *Sampler) *SampledLogger {
	return &SampledLogger{next: next, sampler: sampler}
}

func (l *SampledLogger) Log(keyvals ...interface{}) error {
	if !l.sampler.Sample() {
		return nil
	}
	if l.sampler != nil {
		keyvals = append(keyvals, "sampled", fmt.Sprintf("1/%d", l.sampler.freq))
	}
	return l.next.Log(keyvals...)
}
