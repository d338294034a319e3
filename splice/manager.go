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

// Package splice splits spliced RNA-seq alignments at their N CIGAR
// operations, and soft-clips alignment ends that overhang the
// resulting splice junctions with too many mismatches against the
// reference.
package splice

import (
	"container/heap"
	"errors"
	"log"
	"sort"
	"strconv"

	"github.com/exascience/elsplice/sam"
	"github.com/exascience/pargo/parallel"
)

// A Writer accepts the alignments that the manager emits. The
// alignments are mostly, but not always, in coordinate order, so a
// Writer must not assume sortedness.
type Writer interface {
	Write(aln *sam.Alignment)
}

// A Reference provides access to reference bases in 1-based inclusive
// coordinates. *fasta.MappedFasta implements this interface.
type Reference interface {
	Subsequence(contig string, start, end int32) []byte
}

// A Loc is a genomic interval with 1-based inclusive Start and End
// positions.
type Loc struct {
	Contig     string
	Start, End int32
}

// Overlaps determines whether two intervals share at least one
// position.
func (loc Loc) Overlaps(other Loc) bool {
	return loc.Contig == other.Contig && loc.Start <= other.End && other.Start <= loc.End
}

// A junction is a splice junction observed while splitting, together
// with the reference bases it covers.
type junction struct {
	loc       Loc
	reference []byte
}

// splitRead pairs an alignment with its soft-clip-included interval,
// and remembers the original coordinates so that clipping can be
// detected afterwards.
type splitRead struct {
	aln      *sam.Alignment
	loc      Loc
	hasLoc   bool
	oldCigar string
	oldStart int32
}

func newSplitRead(aln *sam.Alignment) *splitRead {
	read := &splitRead{
		aln:      aln,
		oldCigar: aln.CIGAR,
		oldStart: aln.POS,
	}
	read.updateLoc()
	return read
}

func (read *splitRead) updateLoc() {
	if !read.aln.IsUnmapped() {
		read.loc = Loc{read.aln.RNAME, read.aln.SoftStart(), read.aln.SoftEnd()}
		read.hasLoc = true
	}
}

func (read *splitRead) clipped() bool {
	return read.oldCigar != read.aln.CIGAR || read.oldStart != read.aln.POS
}

// groupQueue is a priority queue of read groups, ordered by the
// coordinate of the first read in each group.
type groupQueue [][]*splitRead

func (q groupQueue) Len() int { return len(q) }

func (q groupQueue) Less(i, j int) bool {
	return sam.CoordinateLess(q[i][0].aln, q[j][0].aln)
}

func (q groupQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *groupQueue) Push(group interface{}) {
	*q = append(*q, group.([]*splitRead))
}

func (q *groupQueue) Pop() interface{} {
	old := *q
	n := len(old)
	group := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return group
}

type mateChange struct {
	pos   int32
	cigar string
}

// how many junctions to keep before evicting the lower half
const maxJunctionsToKeep = 1000

// A Manager buffers the read groups produced by splitting, registers
// the splice junctions the splitter observes, and soft-clips buffered
// reads whose ends overhang a junction with too many mismatches
// against the reference.
//
// The manager is designed for two identical passes over the input. In
// the first pass it records every place where it changes alignment
// coordinates, so that mate fields pointing at those places can be
// repaired with SetPredictedMateInformation in the second pass.
// ActivateEmitting switches the manager from recording to writing.
type Manager struct {
	writer                Writer
	reference             Reference
	maxReadsInMemory      int
	maxMismatches         int
	maxBases              int
	doNotFixOverhangs     bool
	processSecondaryReads bool
	emitting              bool
	waitingGroups         groupQueue
	waitingReads          int
	junctionContig        string
	junctions             []*junction
	mateChanges           map[string]mateChange
}

// NewManager allocates and initializes a manager.
func NewManager(
	writer Writer,
	reference Reference,
	maxReadsInMemory int,
	maxMismatches int,
	maxBases int,
	doNotFixOverhangs bool,
	processSecondaryReads bool) *Manager {
	return &Manager{
		writer:                writer,
		reference:             reference,
		maxReadsInMemory:      maxReadsInMemory,
		maxMismatches:         maxMismatches,
		maxBases:              maxBases,
		doNotFixOverhangs:     doNotFixOverhangs,
		processSecondaryReads: processSecondaryReads,
		waitingGroups:         make(groupQueue, 0, 5000),
		mateChanges:           make(map[string]mateChange),
	}
}

// NReadsInQueue returns the number of reads currently buffered.
func (m *Manager) NReadsInQueue() int { return m.waitingReads }

// RegisterJunction adds a newly observed splice junction, given by
// its 1-based inclusive start and end positions. All buffered reads
// are checked against the new junction. Moving to a new contig
// discards the junctions of the previous contig; when more than
// maxJunctionsToKeep junctions accumulate, the lower half is
// discarded.
func (m *Manager) RegisterJunction(contig string, start, end int32) {
	if m.doNotFixOverhangs {
		return
	}

	if contig != m.junctionContig {
		m.junctions = m.junctions[:0]
		m.junctionContig = contig
	}

	index := sort.Search(len(m.junctions), func(i int) bool {
		loc := m.junctions[i].loc
		return loc.Start > start || (loc.Start == start && loc.End >= end)
	})
	if index < len(m.junctions) {
		if loc := m.junctions[index].loc; loc.Start == start && loc.End == end {
			return
		}
	}

	reference := m.reference.Subsequence(contig, start, end)
	if reference == nil {
		log.Fatalf("contig %v not found in the reference", contig)
	}
	j := &junction{Loc{contig, start, end}, reference}

	// check all buffered reads against the new junction
	groups := m.waitingGroups
	parallel.Range(0, len(groups), 0, func(low, high int) {
		for i := low; i < high; i++ {
			for _, read := range groups[i] {
				m.fixOverhang(read, j)
			}
		}
	})

	m.junctions = append(m.junctions, nil)
	copy(m.junctions[index+1:], m.junctions[index:])
	m.junctions[index] = j

	if len(m.junctions) > maxJunctionsToKeep {
		m.junctions = append(m.junctions[:0], m.junctions[len(m.junctions)/2:]...)
	}
}

// Submit adds a group of alignments to the manager. The alignments in
// a group are assumed to be supplementary alignments of each other,
// produced by splitting a single input alignment; they are buffered,
// clipped, and emitted together. Submitting an empty group is an
// error.
func (m *Manager) Submit(group []*sam.Alignment) error {
	if len(group) == 0 {
		return errors.New("empty read group submitted to the splice manager")
	}

	tooManyReads := m.waitingReads >= m.maxReadsInMemory
	newContig := false
	if m.waitingReads > 0 {
		topRead := m.waitingGroups[0][0].aln
		firstNewRead := group[0]
		newContig = !topRead.IsUnmapped() &&
			!firstNewRead.IsUnmapped() &&
			topRead.RNAME != firstNewRead.RNAME
	}
	if tooManyReads || newContig {
		target := 0
		if !newContig {
			target = m.maxReadsInMemory / 2
		}
		m.flush(target)
	}

	newGroup := make([]*splitRead, len(group))
	for i, aln := range group {
		newGroup[i] = newSplitRead(aln)
	}

	for _, j := range m.junctions {
		for _, read := range newGroup {
			m.fixOverhang(read, j)
		}
	}

	heap.Push(&m.waitingGroups, newGroup)
	m.waitingReads += len(newGroup)
	return nil
}

// fixOverhang soft-clips the read if one of its ends overhangs the
// junction with too many mismatches against the reference.
func (m *Manager) fixOverhang(read *splitRead, j *junction) {
	if !read.hasLoc || !j.loc.Overlaps(read.loc) {
		return
	}
	if !m.processSecondaryReads && read.aln.IsSecondary() {
		return
	}
	aln := read.aln
	readRefLength := aln.End() - aln.POS + 1

	if isLeftOverhang(read.loc, j.loc) {
		overhang := j.loc.End - aln.POS + 1
		if m.overhangMismatches(aln.SEQ, aln.POS-read.loc.Start, readRefLength,
			j.reference, int32(len(j.reference))-overhang, overhang) {
			aln.SoftClipLeadingBases(j.loc.End - read.loc.Start)
			read.updateLoc()
		}
	} else if isRightOverhang(read.loc, j.loc) {
		readLength := int32(len(aln.SEQ))
		overhang := read.loc.End - j.loc.Start + 1
		if m.overhangMismatches(aln.SEQ, readLength-overhang, readRefLength,
			j.reference, 0, aln.End()-j.loc.Start+1) {
			aln.SoftClipTrailingBases(readLength - overhang)
			read.updateLoc()
		}
	}
}

// isLeftOverhang determines whether the start of the read hangs into
// the junction from the right, with aligned bases beyond it.
func isLeftOverhang(readLoc, junctionLoc Loc) bool {
	return readLoc.Start <= junctionLoc.End &&
		readLoc.Start > junctionLoc.Start &&
		readLoc.End > junctionLoc.End
}

// isRightOverhang determines whether the end of the read hangs into
// the junction from the left, with aligned bases before it.
func isRightOverhang(readLoc, junctionLoc Loc) bool {
	return readLoc.End >= junctionLoc.Start &&
		readLoc.End < junctionLoc.End &&
		readLoc.Start < junctionLoc.Start
}

// overhangMismatches counts mismatches between the overhanging read
// bases and the reference bases of the junction. It asks for a clip
// when more than maxMismatches mismatches are seen, or when at least
// half of the tested bases mismatch. Spans that are empty, longer
// than maxBases, or covering most of the aligned read are never
// clipped.
func (m *Manager) overhangMismatches(seq string, readStartIndex, readRefLength int32, reference []byte, referenceStartIndex, span int32) bool {
	if span < 1 || span > int32(m.maxBases) || span > readRefLength/2 {
		return false
	}

	mismatches := int32(0)
	for i := int32(0); i < span; i++ {
		if seq[readStartIndex+i] != reference[referenceStartIndex+i] {
			if mismatches++; mismatches > int32(m.maxMismatches) {
				return true
			}
		}
	}

	return mismatches >= (span+1)/2
}

// flush emits read groups from the top of the queue until at most
// target reads remain buffered. In the first pass the clipped groups
// are recorded for mate repair instead of being written.
func (m *Manager) flush(target int) {
	for m.waitingReads > target {
		group := heap.Pop(&m.waitingGroups).([]*splitRead)
		m.waitingReads -= len(group)

		if m.emitting {
			alns := make([]*sam.Alignment, len(group))
			for i, read := range group {
				alns[i] = read.aln
			}
			RepairSupplementaryTags(alns)
			for _, aln := range alns {
				m.writer.Write(aln)
			}
		} else if !group[0].aln.IsSecondary() && group[0].clipped() {
			// mate fields always point at the primary alignment
			m.recordMateChange(group[0])
		}
	}
}

func mateKey(name string, side byte, pos int32) string {
	buf := make([]byte, 0, len(name)+12)
	buf = append(buf, name...)
	buf = append(buf, side)
	return string(strconv.AppendInt(buf, int64(pos), 10))
}

func (m *Manager) recordMateChange(read *splitRead) {
	aln := read.aln
	if aln.IsUnmapped() {
		return
	}
	side := byte('1')
	if aln.IsFirst() {
		side = '0'
	}
	m.mateChanges[mateKey(aln.QNAME, side, read.oldStart)] = mateChange{aln.POS, aln.CIGAR}
}

// SetPredictedMateInformation repairs the mate position and MC tag of
// the given alignment if its mate was recorded as clipped during the
// first pass. Returns true if the alignment was changed.
func (m *Manager) SetPredictedMateInformation(aln *sam.Alignment) bool {
	if !m.emitting || !aln.IsMultiple() {
		return false
	}
	side := byte('0')
	if aln.IsFirst() {
		side = '1'
	}
	if change, found := m.mateChanges[mateKey(aln.QNAME, side, aln.PNEXT)]; found {
		aln.PNEXT = change.pos
		if _, hasMC := aln.TAGS.Get(sam.MC); hasMC {
			aln.TAGS.Set(sam.MC, change.cigar)
		}
		return true
	}
	return false
}

// ActivateEmitting flushes and resets the manager after the first
// pass, and switches it to writing alignments to the underlying
// writer.
func (m *Manager) ActivateEmitting() {
	m.Close()
	m.junctions = nil
	m.junctionContig = ""
	m.emitting = true
}

// Close flushes all buffered reads.
func (m *Manager) Close() {
	m.flush(0)
}
