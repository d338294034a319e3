// elSplice: a high-performance tool for splitting spliced RNA-seq alignments in SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elsplice/blob/master/LICENSE.txt>.

package intervals

import (
	"math/rand"
	"testing"
)

func intervalsEqual(intervals1, intervals2 []Interval) bool {
	if len(intervals1) != len(intervals2) {
		return false
	}
	for i, interval1 := range intervals1 {
		if interval1 != intervals2[i] {
			return false
		}
	}
	return true
}

func makeLargeIntervalsSlice() (result []Interval) {
	result = make([]Interval, 0x30000)
	result[0].Start = 0
	result[0].End = 3
	for i := 1; i < len(result); i++ {
		if rand.Intn(100) < 20 {
			result[i].Start = result[i-1].End - 1
		} else {
			result[i].Start = result[i-1].End + 1
		}
		result[i].End = result[i].Start + 3
	}
	return result
}

var flattenCases = []struct {
	in, out []Interval
}{
	{nil, nil},
	{[]Interval{{2, 3}, {3, 4}}, []Interval{{2, 4}}},
	{[]Interval{{2, 3}, {4, 5}}, []Interval{{2, 3}, {4, 5}}},
	{[]Interval{{2, 4}, {3, 5}, {4, 6}}, []Interval{{2, 6}}},
	{[]Interval{{2, 4}, {3, 5}, {4, 6}, {7, 9}}, []Interval{{2, 6}, {7, 9}}},
	{[]Interval{{2, 3}, {3, 4}, {5, 6}, {6, 7}}, []Interval{{2, 4}, {5, 7}}},
	{[]Interval{{2, 3}, {2, 5}, {2, 4}, {2, 3}, {2, 6}, {2, 7}}, []Interval{{2, 7}}},
}

func checkFlattened(t *testing.T, name string, intervals []Interval) {
	t.Helper()
	if len(intervals) > 0 && intervals[0].Start > intervals[0].End {
		t.Errorf("%v produced an invalid first interval", name)
	}
	for i := 1; i < len(intervals); i++ {
		interval := intervals[i]
		if interval.Start > interval.End || interval.Start <= intervals[i-1].End {
			t.Errorf("%v produced overlapping intervals at index %v", name, i)
		}
	}
}

func TestFlatten(t *testing.T) {
	for i, c := range flattenCases {
		in := append([]Interval(nil), c.in...)
		if !intervalsEqual(Flatten(in), c.out) {
			t.Error("Flatten", i, "failed")
		}
	}
	checkFlattened(t, "Flatten", Flatten(makeLargeIntervalsSlice()))
}

func TestParallelFlatten(t *testing.T) {
	for i, c := range flattenCases {
		in := append([]Interval(nil), c.in...)
		if !intervalsEqual(ParallelFlatten(in), c.out) {
			t.Error("ParallelFlatten", i, "failed")
		}
	}
	checkFlattened(t, "ParallelFlatten", ParallelFlatten(makeLargeIntervalsSlice()))
}

func TestOverlap(t *testing.T) {
	if Overlap(nil, 2, 3) {
		t.Error("empty Overlap failed")
	}
	if Overlap([]Interval{{1, 3}, {7, 8}}, 4, 6) {
		t.Error("Overlap on a gap failed")
	}
	flattened := []Interval{{2, 4}, {6, 8}}
	for i, c := range []struct{ start, end int32 }{
		{1, 3}, {2, 3}, {2, 5}, {2, 6}, {3, 7}, {5, 7}, {6, 8}, {6, 9}, {5, 9}, {1, 10},
	} {
		if !Overlap(flattened, c.start, c.end) {
			t.Error("Overlap", i, "failed")
		}
	}
}

func TestIntersect(t *testing.T) {
	if !intervalsEqual(Intersect(nil, 2, 3), nil) {
		t.Error("empty Intersect failed")
	}
	if !intervalsEqual(Intersect([]Interval{{1, 3}, {7, 8}}, 4, 6), nil) {
		t.Error("Intersect on a gap failed")
	}
	flattened := []Interval{{2, 4}, {6, 8}}
	for i, c := range []struct {
		start, end int32
		out        []Interval
	}{
		{1, 3, []Interval{{2, 4}}},
		{2, 5, []Interval{{2, 4}}},
		{2, 6, []Interval{{2, 4}, {6, 8}}},
		{3, 7, []Interval{{2, 4}, {6, 8}}},
		{5, 7, []Interval{{6, 8}}},
		{6, 9, []Interval{{6, 8}}},
		{1, 10, []Interval{{2, 4}, {6, 8}}},
	} {
		if !intervalsEqual(Intersect(flattened, c.start, c.end), c.out) {
			t.Error("Intersect", i, "failed")
		}
	}
}
