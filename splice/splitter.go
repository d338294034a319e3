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
	"github.com/exascience/elsplice/sam"
)

// A Splitter splits alignments with N operations in their CIGAR
// strings into separate alignments, one per section between skipped
// regions, and feeds the resulting read groups and their splice
// junctions into a Manager.
type Splitter struct {
	manager *Manager
	fixNDN  bool
}

// NewSplitter allocates and initializes a splitter. If fixNDN is
// true, N-D-N runs in CIGAR strings are collapsed into a single N
// operation before splitting.
func NewSplitter(manager *Manager, fixNDN bool) *Splitter {
	return &Splitter{manager: manager, fixNDN: fixNDN}
}

// collapseNDN merges consecutive N-D-N operations into a single N
// operation spanning all of them.
func collapseNDN(cigar []sam.CigarOperation) []sam.CigarOperation {
	result := make([]sam.CigarOperation, 0, len(cigar))
	for i := 0; i < len(cigar); i++ {
		op := cigar[i]
		if op.Operation == 'N' {
			length := op.Length
			for i+2 < len(cigar) && cigar[i+1].Operation == 'D' && cigar[i+2].Operation == 'N' {
				length += cigar[i+1].Length + cigar[i+2].Length
				i += 2
			}
			result = append(result, sam.CigarOperation{Length: length, Operation: 'N'})
			continue
		}
		result = append(result, op)
	}
	return result
}

// segment builds the alignment for the CIGAR operations of one
// section of a split read, covering the read bases from readStart up
// to but excluding readEnd. Deletions and padding at the section
// boundaries are removed. Returns nil if no aligned bases remain in
// the section.
func segment(aln *sam.Alignment, ops []sam.CigarOperation, pos, readStart, readEnd int32, first bool) *sam.Alignment {
	// an alignment cannot start or end with a deletion
	for len(ops) > 0 {
		if op := ops[0]; op.Operation == 'D' || op.Operation == 'P' {
			if op.Operation == 'D' {
				pos += op.Length
			}
			ops = ops[1:]
			continue
		}
		break
	}
	for len(ops) > 0 {
		if op := ops[len(ops)-1].Operation; op == 'D' || op == 'P' {
			ops = ops[:len(ops)-1]
			continue
		}
		break
	}
	aligned := false
	for _, op := range ops {
		if sam.CigarConsumesReadBases(op.Operation) && sam.CigarConsumesRefBases(op.Operation) {
			aligned = true
			break
		}
	}
	if !aligned {
		return nil
	}
	seg := &sam.Alignment{
		QNAME: aln.QNAME,
		FLAG:  aln.FLAG,
		RNAME: aln.RNAME,
		POS:   pos,
		MAPQ:  aln.MAPQ,
		CIGAR: sam.FormatCigar(ops),
		RNEXT: aln.RNEXT,
		PNEXT: aln.PNEXT,
		TLEN:  aln.TLEN,
		SEQ:   aln.SEQ,
		QUAL:  aln.QUAL,
		TAGS:  aln.TAGS.Dup(),
		Temps: aln.Temps.Dup(),
	}
	if !first {
		seg.FLAG |= sam.Supplementary
	}
	if aln.SEQ != "*" {
		seg.SEQ = aln.SEQ[readStart:readEnd]
	}
	if aln.QUAL != "*" {
		seg.QUAL = aln.QUAL[readStart:readEnd]
	}
	return seg
}

// Split processes a single input alignment. Alignments without N
// operations pass through to the manager unchanged; alignments with N
// operations are split into a group of alignments, one per section
// between the skipped regions, with the skipped regions registered as
// splice junctions. The first emitted alignment of a group keeps the
// original flags, the others are marked supplementary.
func (s *Splitter) Split(aln *sam.Alignment) error {
	s.manager.SetPredictedMateInformation(aln)

	if aln.IsUnmapped() {
		return s.manager.Submit([]*sam.Alignment{aln})
	}
	cigar, err := sam.ScanCigarString(aln.CIGAR)
	if err != nil {
		return err
	}
	hasN := false
	for _, op := range cigar {
		if op.Operation == 'N' {
			hasN = true
			break
		}
	}
	if !hasN {
		return s.manager.Submit([]*sam.Alignment{aln})
	}
	if s.fixNDN {
		cigar = collapseNDN(cigar)
	}

	var group []*sam.Alignment
	refPos := aln.POS
	readPos := int32(0)
	sectionRef := aln.POS
	sectionRead := int32(0)
	var section []sam.CigarOperation
	for _, op := range cigar {
		if op.Operation == 'N' {
			if seg := segment(aln, section, sectionRef, sectionRead, readPos, len(group) == 0); seg != nil {
				group = append(group, seg)
			}
			s.manager.RegisterJunction(aln.RNAME, refPos, refPos+op.Length-1)
			refPos += op.Length
			section = nil
			sectionRef = refPos
			sectionRead = readPos
			continue
		}
		section = append(section, op)
		if sam.CigarConsumesReadBases(op.Operation) {
			readPos += op.Length
		}
		if sam.CigarConsumesRefBases(op.Operation) {
			refPos += op.Length
		}
	}
	if seg := segment(aln, section, sectionRef, sectionRead, readPos, len(group) == 0); seg != nil {
		group = append(group, seg)
	}

	if len(group) == 0 {
		// no section retained any aligned bases
		return s.manager.Submit([]*sam.Alignment{aln})
	}
	return s.manager.Submit(group)
}
