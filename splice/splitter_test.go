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
	"strings"
	"testing"

	"github.com/exascience/elsplice/sam"
)

func bases(n int) string {
	alphabet := "ACGT"
	seq := make([]byte, n)
	for i := range seq {
		seq[i] = alphabet[i%4]
	}
	return string(seq)
}

func submittedGroups(m *Manager) [][]*splitRead {
	return m.waitingGroups
}

func checkSegment(t *testing.T, seg *sam.Alignment, pos int32, cigar, seq string) {
	t.Helper()
	if seg.POS != pos || seg.CIGAR != cigar || seg.SEQ != seq {
		t.Errorf("expected %v %v at %v, got %v %v at %v", cigar, seq, pos, seg.CIGAR, seg.SEQ, seg.POS)
	}
}

func TestSplitWithoutN(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 1000)}
	m := newTestManager(nil, reference)
	s := NewSplitter(m, false)

	aln := testAlignment("r1", 0, "chr1", 100, "50M", bases(50))
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}
	groups := submittedGroups(m)
	if len(groups) != 1 || len(groups[0]) != 1 {
		t.Fatal("expected a single singleton group")
	}
	if groups[0][0].aln != aln {
		t.Error("alignment without N operations was not passed through unchanged")
	}
	if len(m.junctions) != 0 {
		t.Error("junction registered for an alignment without N operations")
	}
}

func TestSplitUnmapped(t *testing.T) {
	m := newTestManager(nil, nil)
	s := NewSplitter(m, false)

	aln := testAlignment("r1", sam.Unmapped, "*", 0, "*", bases(50))
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}
	groups := submittedGroups(m)
	if len(groups) != 1 || groups[0][0].aln != aln {
		t.Error("unmapped alignment was not passed through unchanged")
	}
}

func TestSplitTwoExons(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 1000)}
	m := newTestManager(nil, reference)
	s := NewSplitter(m, false)

	seq := bases(25)
	aln := testAlignment("r1", sam.Multiple|sam.First, "chr1", 100, "10M20N15M", seq)
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}

	if len(m.junctions) != 1 {
		t.Fatal("expected 1 junction, got", len(m.junctions))
	}
	if loc := m.junctions[0].loc; loc != (Loc{"chr1", 110, 129}) {
		t.Error("wrong junction interval:", loc)
	}

	groups := submittedGroups(m)
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Fatal("expected one group of 2 alignments")
	}
	first := groups[0][0].aln
	second := groups[0][1].aln
	checkSegment(t, first, 100, "10M", seq[:10])
	checkSegment(t, second, 130, "15M", seq[10:])
	if first.FLAG != sam.Multiple|sam.First {
		t.Error("first segment flags changed to", first.FLAG)
	}
	if second.FLAG != sam.Multiple|sam.First|sam.Supplementary {
		t.Error("second segment not marked supplementary, flags are", second.FLAG)
	}
	if first.QNAME != "r1" || second.QNAME != "r1" {
		t.Error("segment names changed")
	}
	if first.RefID() != second.RefID() {
		t.Error("segments disagree on the reference sequence index")
	}
}

func TestSplitKeepsSoftClips(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 1000)}
	m := newTestManager(nil, reference)
	s := NewSplitter(m, false)

	seq := bases(26)
	aln := testAlignment("r1", 0, "chr1", 100, "5S10M100N8M3S", seq)
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}
	if loc := m.junctions[0].loc; loc != (Loc{"chr1", 110, 209}) {
		t.Error("wrong junction interval:", loc)
	}
	groups := submittedGroups(m)
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Fatal("expected one group of 2 alignments")
	}
	checkSegment(t, groups[0][0].aln, 100, "5S10M", seq[:15])
	checkSegment(t, groups[0][1].aln, 210, "8M3S", seq[15:])
}

func TestSplitTrimsBoundaryDeletions(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 1000)}
	m := newTestManager(nil, reference)
	s := NewSplitter(m, false)

	seq := bases(18)
	aln := testAlignment("r1", 0, "chr1", 100, "10M2D30N8M", seq)
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}
	if loc := m.junctions[0].loc; loc != (Loc{"chr1", 112, 141}) {
		t.Error("wrong junction interval:", loc)
	}
	groups := submittedGroups(m)
	checkSegment(t, groups[0][0].aln, 100, "10M", seq[:10])
	checkSegment(t, groups[0][1].aln, 142, "8M", seq[10:])
}

func TestSplitThreeExons(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 1000)}
	m := newTestManager(nil, reference)
	s := NewSplitter(m, false)

	seq := bases(30)
	aln := testAlignment("r1", 0, "chr1", 100, "10M20N10M30N10M", seq)
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}
	if len(m.junctions) != 2 {
		t.Fatal("expected 2 junctions, got", len(m.junctions))
	}
	groups := submittedGroups(m)
	if len(groups) != 1 || len(groups[0]) != 3 {
		t.Fatal("expected one group of 3 alignments")
	}
	checkSegment(t, groups[0][0].aln, 100, "10M", seq[:10])
	checkSegment(t, groups[0][1].aln, 130, "10M", seq[10:20])
	checkSegment(t, groups[0][2].aln, 170, "10M", seq[20:])
}

func TestCollapseNDN(t *testing.T) {
	reference := testReference{"chr1": strings.Repeat("A", 1000)}

	m := newTestManager(nil, reference)
	s := NewSplitter(m, true)
	seq := bases(20)
	aln := testAlignment("r1", 0, "chr1", 100, "10M5N2D5N10M", seq)
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}
	if len(m.junctions) != 1 {
		t.Fatal("N-D-N not collapsed, got", len(m.junctions), "junctions")
	}
	if loc := m.junctions[0].loc; loc != (Loc{"chr1", 110, 121}) {
		t.Error("wrong junction interval after collapsing:", loc)
	}
	groups := submittedGroups(m)
	if len(groups[0]) != 2 {
		t.Fatal("expected one group of 2 alignments")
	}
	checkSegment(t, groups[0][1].aln, 122, "10M", seq[10:])

	// without --fix-ndn the deletion separates two junctions
	m = newTestManager(nil, reference)
	s = NewSplitter(m, false)
	aln = testAlignment("r1", 0, "chr1", 100, "10M5N2D5N10M", seq)
	if err := s.Split(aln); err != nil {
		t.Fatal(err)
	}
	if len(m.junctions) != 2 {
		t.Fatal("expected 2 junctions, got", len(m.junctions))
	}
	groups = submittedGroups(m)
	if len(groups[0]) != 2 {
		t.Fatal("expected the deletion-only section to be dropped")
	}
	checkSegment(t, groups[0][1].aln, 122, "10M", seq[10:])
}

func TestRepairSupplementaryTags(t *testing.T) {
	primary := testAlignment("r1", 0, "chr1", 100, "10M15S", bases(25))
	supplementary := testAlignment("r1", sam.Supplementary, "chr1", 130, "10S15M", bases(25))
	primary.TAGS.Set(sam.NM, int32(1))
	supplementary.TAGS.Set(sam.NM, int32(0))

	RepairSupplementaryTags([]*sam.Alignment{primary, supplementary})

	if value, _ := primary.TAGS.Get(sam.SA); value != "chr1,130,+,10S15M,60,0;" {
		t.Error("wrong SA tag on the primary alignment:", value)
	}
	if value, _ := supplementary.TAGS.Get(sam.SA); value != "chr1,100,+,10M15S,60,1;" {
		t.Error("wrong SA tag on the supplementary alignment:", value)
	}

	reversed := testAlignment("r2", sam.Reversed, "chr1", 100, "25M", bases(25))
	other := testAlignment("r2", sam.Supplementary, "chr1", 200, "25M", bases(25))
	RepairSupplementaryTags([]*sam.Alignment{reversed, other})
	if value, _ := other.TAGS.Get(sam.SA); value != "chr1,100,-,25M,60,0;" {
		t.Error("strand not reflected in the SA tag:", value)
	}

	single := testAlignment("r3", 0, "chr1", 100, "25M", bases(25))
	RepairSupplementaryTags([]*sam.Alignment{single})
	if _, found := single.TAGS.Get(sam.SA); found {
		t.Error("SA tag set on a singleton group")
	}
}
