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

package splice

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/exascience/elsplice/sam"
)

// testReference serves reference bases from in-memory strings.
type testReference map[string]string

func (r testReference) Subsequence(contig string, start, end int32) []byte {
	seq, found := r[contig]
	if !found {
		return nil
	}
	if start < 1 {
		start = 1
	}
	if end > int32(len(seq)) {
		end = int32(len(seq))
	}
	if start > end {
		return nil
	}
	return []byte(seq[start-1 : end])
}

// collectWriter records the alignments the manager emits.
type collectWriter struct {
	alns []*sam.Alignment
}

func (w *collectWriter) Write(aln *sam.Alignment) {
	w.alns = append(w.alns, aln)
}

var testContigs = map[string]int32{"chr1": 0, "chr2": 1, "*": -1}

func testAlignment(name string, flag uint16, contig string, pos int32, cigar, seq string) *sam.Alignment {
	aln := sam.NewAlignment()
	aln.QNAME = name
	aln.FLAG = flag
	aln.RNAME = contig
	aln.POS = pos
	aln.MAPQ = 60
	aln.CIGAR = cigar
	aln.RNEXT = "*"
	aln.SEQ = seq
	aln.QUAL = "*"
	aln.SetRefID(testContigs[contig])
	return aln
}

func newTestManager(writer Writer, reference Reference) *Manager {
	return NewManager(writer, reference, 150000, 1, 40, false, false)
}

func TestOverhangClassification(t *testing.T) {
	junction := Loc{"chr1", 90, 105}
	if !isLeftOverhang(Loc{"chr1", 95, 110}, junction) {
		t.Error("left overhang not recognized")
	}
	if isLeftOverhang(Loc{"chr1", 90, 110}, junction) {
		t.Error("read starting at the junction start misclassified as left overhang")
	}
	if isLeftOverhang(Loc{"chr1", 95, 105}, junction) {
		t.Error("read contained in the junction misclassified as left overhang")
	}
	junction = Loc{"chr1", 95, 120}
	if !isRightOverhang(Loc{"chr1", 80, 100}, junction) {
		t.Error("right overhang not recognized")
	}
	if isRightOverhang(Loc{"chr1", 80, 120}, junction) {
		t.Error("read ending at the junction end misclassified as right overhang")
	}
	if isRightOverhang(Loc{"chr1", 80, 130}, junction) {
		t.Error("read spanning the junction misclassified as right overhang")
	}
	if isRightOverhang(Loc{"chr1", 80, 94}, junction) {
		t.Error("read before the junction misclassified as right overhang")
	}
}

func TestOverhangMismatches(t *testing.T) {
	m := newTestManager(nil, nil)
	reference := []byte("AAAAAAAAAA")
	if m.overhangMismatches("AAAAAAAAAA", 0, 40, reference, 0, 10) {
		t.Error("matching overhang asked for a clip")
	}
	if m.overhangMismatches("CAAAAAAAAA", 0, 40, reference, 0, 10) {
		t.Error("single mismatch within the tolerance asked for a clip")
	}
	if !m.overhangMismatches("CCAAAAAAAA", 0, 40, reference, 0, 10) {
		t.Error("two mismatches above the tolerance did not ask for a clip")
	}
	if m.overhangMismatches("CCAAAAAAAA", 0, 40, reference, 0, 0) {
		t.Error("empty span asked for a clip")
	}
	if m.overhangMismatches("CCAAAAAAAA", 0, 10, reference, 0, 10) {
		t.Error("span covering most of the read asked for a clip")
	}
	relaxed := NewManager(nil, nil, 150000, 4, 40, false, false)
	if !relaxed.overhangMismatches("CCAA", 0, 40, reference, 0, 4) {
		t.Error("half of the span mismatching did not ask for a clip")
	}
	if relaxed.overhangMismatches("CAAA", 0, 40, reference, 0, 4) {
		t.Error("less than half of the span mismatching asked for a clip")
	}
}

func TestRightOverhangClip(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 300)}
	m := newTestManager(nil, reference)

	seq := strings.Repeat("A", 30) + "CC" + strings.Repeat("A", 9)
	aln := testAlignment("r1", 0, "chr1", 90, "41M", seq)
	m.RegisterJunction("chr1", 120, 140)
	if err := m.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	if aln.CIGAR != "30M11S" || aln.POS != 90 {
		t.Errorf("right overhang not clipped, got %v at %v", aln.CIGAR, aln.POS)
	}
	if end := aln.End(); end != 119 {
		t.Error("clipped alignment does not stop before the junction, ends at", end)
	}
}

func TestRightOverhangKeptWithinTolerance(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 300)}
	m := newTestManager(nil, reference)

	seq := strings.Repeat("A", 30) + "C" + strings.Repeat("A", 10)
	aln := testAlignment("r1", 0, "chr1", 90, "41M", seq)
	m.RegisterJunction("chr1", 120, 140)
	if err := m.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	if aln.CIGAR != "41M" {
		t.Error("overhang within the mismatch tolerance was clipped to", aln.CIGAR)
	}
}

func TestLeftOverhangClip(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 300)}
	m := newTestManager(nil, reference)

	seq := "CC" + strings.Repeat("A", 29)
	aln := testAlignment("r1", 0, "chr1", 90, "31M", seq)
	m.RegisterJunction("chr1", 80, 95)
	if err := m.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	if aln.CIGAR != "6S25M" || aln.POS != 96 {
		t.Errorf("left overhang not clipped, got %v at %v", aln.CIGAR, aln.POS)
	}
}

func TestRegisterJunctionAfterSubmit(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 300)}
	m := newTestManager(nil, reference)

	seq := strings.Repeat("A", 30) + "CC" + strings.Repeat("A", 9)
	aln := testAlignment("r1", 0, "chr1", 90, "41M", seq)
	if err := m.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	if aln.CIGAR != "41M" {
		t.Fatal("alignment clipped before any junction was registered")
	}
	m.RegisterJunction("chr1", 120, 140)
	if aln.CIGAR != "30M11S" {
		t.Errorf("buffered alignment not clipped against a new junction, got %v", aln.CIGAR)
	}
}

func TestClipIdempotence(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 300)}
	m := newTestManager(nil, reference)

	seq := strings.Repeat("A", 30) + "CC" + strings.Repeat("A", 9)
	aln := testAlignment("r1", 0, "chr1", 90, "41M", seq)
	m.RegisterJunction("chr1", 120, 140)
	if err := m.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	cigar, pos := aln.CIGAR, aln.POS
	// registering the same junction again must not clip further
	m.RegisterJunction("chr1", 120, 140)
	if aln.CIGAR != cigar || aln.POS != pos {
		t.Errorf("clipping is not idempotent, got %v at %v", aln.CIGAR, aln.POS)
	}
}

func TestSecondaryAlignmentsNotClipped(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 300)}
	m := newTestManager(nil, reference)

	seq := strings.Repeat("A", 30) + "CC" + strings.Repeat("A", 9)
	aln := testAlignment("r1", sam.Secondary, "chr1", 90, "41M", seq)
	m.RegisterJunction("chr1", 120, 140)
	if err := m.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	if aln.CIGAR != "41M" {
		t.Error("secondary alignment was clipped to", aln.CIGAR)
	}

	processing := NewManager(nil, reference, 150000, 1, 40, false, true)
	aln = testAlignment("r1", sam.Secondary, "chr1", 90, "41M", seq)
	processing.RegisterJunction("chr1", 120, 140)
	if err := processing.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	if aln.CIGAR != "30M11S" {
		t.Error("secondary alignment not clipped despite --process-secondary-alignments, got", aln.CIGAR)
	}
}

func TestSubmitEmptyGroup(t *testing.T) {
	m := newTestManager(nil, nil)
	if err := m.Submit(nil); err == nil {
		t.Error("submitting an empty group did not fail")
	}
}

func TestJunctionDeduplicationAndEviction(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 100000), "chr2": strings.Repeat("A", 1000)}
	m := newTestManager(nil, reference)

	m.RegisterJunction("chr1", 100, 120)
	m.RegisterJunction("chr1", 100, 120)
	if len(m.junctions) != 1 {
		t.Fatal("duplicate junction registered, got", len(m.junctions))
	}

	for i := int32(0); i < maxJunctionsToKeep; i++ {
		m.RegisterJunction("chr1", 200+10*i, 205+10*i)
	}
	if len(m.junctions) != maxJunctionsToKeep/2+1 {
		t.Error("junction eviction kept", len(m.junctions), "junctions")
	}
	for i := 1; i < len(m.junctions); i++ {
		if m.junctions[i].loc.Start <= m.junctions[i-1].loc.Start {
			t.Fatal("junctions out of order after eviction")
		}
	}
	if m.junctions[0].loc.Start <= 200 {
		t.Error("eviction did not discard the lowest junctions, first start is", m.junctions[0].loc.Start)
	}

	m.RegisterJunction("chr2", 100, 120)
	if len(m.junctions) != 1 || m.junctionContig != "chr2" {
		t.Error("junctions not cleared on contig change")
	}
}

func TestFlushEmitsInCoordinateOrder(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 100000)}
	writer := new(collectWriter)
	m := newTestManager(writer, reference)
	m.ActivateEmitting()

	positions := rand.Perm(100)
	for i, pos := range positions {
		aln := testAlignment("r"+string(rune('a'+i%26)), 0, "chr1", int32(1000+pos*10), "10M", strings.Repeat("A", 10))
		if err := m.Submit([]*sam.Alignment{aln}); err != nil {
			t.Fatal(err)
		}
	}
	m.Close()
	if len(writer.alns) != 100 {
		t.Fatal("expected 100 alignments, got", len(writer.alns))
	}
	for i := 1; i < len(writer.alns); i++ {
		if writer.alns[i].POS < writer.alns[i-1].POS {
			t.Fatal("alignments emitted out of coordinate order")
		}
	}
}

func TestFlushOnNewContig(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 1000), "chr2": strings.Repeat("A", 1000)}
	writer := new(collectWriter)
	m := newTestManager(writer, reference)
	m.ActivateEmitting()

	if err := m.Submit([]*sam.Alignment{testAlignment("r1", 0, "chr1", 100, "10M", strings.Repeat("A", 10))}); err != nil {
		t.Fatal(err)
	}
	if len(writer.alns) != 0 {
		t.Fatal("alignment emitted before a flush was needed")
	}
	if err := m.Submit([]*sam.Alignment{testAlignment("r2", 0, "chr2", 100, "10M", strings.Repeat("A", 10))}); err != nil {
		t.Fatal(err)
	}
	if len(writer.alns) != 1 || writer.alns[0].QNAME != "r1" {
		t.Error("queue not flushed when moving to a new contig")
	}
	m.Close()
	if len(writer.alns) != 2 {
		t.Error("expected 2 alignments after Close, got", len(writer.alns))
	}
}

func TestFlushOnTooManyReads(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 100000)}
	writer := new(collectWriter)
	m := NewManager(writer, reference, 10, 1, 40, false, false)
	m.ActivateEmitting()

	for i := 0; i < 11; i++ {
		aln := testAlignment("r1", 0, "chr1", int32(100+10*i), "10M", strings.Repeat("A", 10))
		if err := m.Submit([]*sam.Alignment{aln}); err != nil {
			t.Fatal(err)
		}
	}
	// the 11th submission must flush the queue down to half capacity
	if n := m.NReadsInQueue(); n != 6 {
		t.Error("expected 6 buffered reads after a capacity flush, got", n)
	}
	if len(writer.alns) != 5 {
		t.Error("expected 5 emitted alignments after a capacity flush, got", len(writer.alns))
	}
}

func TestPredictedMateInformation(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 300)}
	writer := new(collectWriter)
	m := newTestManager(writer, reference)

	// first pass: the left overhang clip moves the alignment start
	seq := "CC" + strings.Repeat("A", 29)
	aln := testAlignment("r1", sam.Multiple|sam.First, "chr1", 90, "31M", seq)
	m.RegisterJunction("chr1", 80, 95)
	if err := m.Submit([]*sam.Alignment{aln}); err != nil {
		t.Fatal(err)
	}
	m.ActivateEmitting()

	// second pass: the mate points at the old start position
	mate := testAlignment("r1", sam.Multiple|sam.Last, "chr1", 400, "31M", strings.Repeat("A", 31))
	mate.PNEXT = 90
	mate.TAGS.Set(sam.MC, "31M")
	if !m.SetPredictedMateInformation(mate) {
		t.Fatal("mate change not found")
	}
	if mate.PNEXT != 96 {
		t.Error("mate position not repaired, got", mate.PNEXT)
	}
	if value, _ := mate.TAGS.Get(sam.MC); value != "6S25M" {
		t.Error("MC tag not repaired, got", value)
	}

	// unrelated reads stay untouched
	other := testAlignment("r2", sam.Multiple|sam.Last, "chr1", 400, "31M", strings.Repeat("A", 31))
	other.PNEXT = 90
	if m.SetPredictedMateInformation(other) {
		t.Error("unrelated mate repaired")
	}
}
