/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package heapprof implements the out-of-process heap profiler: the
// in-process client runtime with its sampling hooks and fork handling,
// and the daemon-side pipeline of bounded queues, unwinder workers, a
// bookkeeping thread, and the process matcher.
package heapprof

import (
	"math"
	"math/rand"
)

// Sampler draws Poisson samples over allocated bytes: every byte has an
// equal probability of being the one that triggers a sample, so the
// expected distance between samples is the configured interval.
type Sampler struct {
	interval     uint64
	tillNext     int64
	rng          *rand.Rand
}

func NewSampler(interval uint64, seed int64) *Sampler {
	s := &Sampler{
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
	if s.interval == 0 {
		s.interval = 1
	}
	s.tillNext = s.nextInterval()
	return s
}

func (s *Sampler) nextInterval() int64 {
	u := s.rng.Float64()
	for u == 0 {
		u = s.rng.Float64()
	}
	v := int64(-math.Log(u) * float64(s.interval))
	if v < 1 {
		v = 1
	}
	return v
}

// SampleSize returns the byte count to attribute to this allocation: 0
// when the allocation is skipped, the true size for allocations at or
// above the interval, and a multiple of the interval otherwise.
func (s *Sampler) SampleSize(sz uint64) uint64 {
	if sz >= s.interval {
		return sz
	}
	s.tillNext -= int64(sz)
	if s.tillNext > 0 {
		return 0
	}
	var n uint64
	for s.tillNext <= 0 {
		n++
		s.tillNext += s.nextInterval()
	}
	return n * s.interval
}
