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

package sam

import (
	"log"
	"strconv"

	"github.com/exascience/elsplice/internal"
)

var cigarConsumesReferenceBases = map[byte]int32{'M': 1, 'D': 1, 'N': 1, '=': 1, 'X': 1}

// CigarConsumesReadBases tells whether the operator consumes bases of
// the read sequence.
func CigarConsumesReadBases(operator byte) bool {
	switch operator {
	case 'M', 'I', 'S', '=', 'X':
		return true
	default:
		return false
	}
}

// CigarConsumesRefBases tells whether the operator consumes bases of
// the reference sequence.
func CigarConsumesRefBases(operator byte) bool {
	switch operator {
	case 'M', 'D', 'N', '=', 'X':
		return true
	default:
		return false
	}
}

func scanCigar(aln *Alignment) []CigarOperation {
	cigar, err := ScanCigarString(aln.CIGAR)
	if err != nil {
		log.Fatal(err, ", while scanning a CIGAR string for ", aln.QNAME)
	}
	return cigar
}

// ReadLengthFromCigar sums the lengths of all CIGAR operations that
// consume read bases.
func ReadLengthFromCigar(cigar []CigarOperation) int32 {
	var length int32
	for _, op := range cigar {
		if CigarConsumesReadBases(op.Operation) {
			length += op.Length
		}
	}
	return length
}

// End returns the 1-based inclusive position of the last reference
// base covered by the alignment.
func (aln *Alignment) End() int32 {
	var length int32
	for _, op := range scanCigar(aln) {
		length += cigarConsumesReferenceBases[op.Operation] * op.Length
	}
	return aln.POS + length - 1
}

// SoftStart returns the alignment start position adjusted for
// leading soft clips.
func (aln *Alignment) SoftStart() int32 {
	pos := aln.POS
	for _, op := range scanCigar(aln) {
		switch op.Operation {
		case 'S':
			pos -= op.Length
		case 'H':
		default:
			return pos
		}
	}
	return pos
}

// SoftEnd returns the alignment end position adjusted for trailing
// soft clips.
func (aln *Alignment) SoftEnd() int32 {
	cigar := scanCigar(aln)
	end := aln.POS - 1
	for _, op := range cigar {
		end += cigarConsumesReferenceBases[op.Operation] * op.Length
	}
	for i := len(cigar) - 1; i >= 0; i-- {
		switch cigar[i].Operation {
		case 'S':
			end += cigar[i].Length
		case 'H':
			continue
		}
		break
	}
	return end
}

func appendCigarOperation(buf []byte, op CigarOperation) []byte {
	return append(strconv.AppendInt(buf, int64(op.Length), 10), op.Operation)
}

// FormatCigar renders a slice of CIGAR operations as a CIGAR string.
func FormatCigar(cigar []CigarOperation) string {
	if len(cigar) == 0 {
		return "*"
	}
	buf := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(buf) }()
	for _, op := range cigar {
		buf = appendCigarOperation(buf, op)
	}
	return string(buf)
}

func formatCigarOperations(lead []CigarOperation, clip CigarOperation, rest []CigarOperation) string {
	buf := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(buf) }()
	for _, op := range lead {
		buf = appendCigarOperation(buf, op)
	}
	buf = appendCigarOperation(buf, clip)
	for _, op := range rest {
		buf = appendCigarOperation(buf, op)
	}
	return string(buf)
}

// SoftClipLeadingBases soft-clips the read bases 0 up to and
// including clipTo, given in read coordinates (offsets into SEQ,
// counting previously soft-clipped bases, but not hard-clipped ones).
// The alignment position moves past the reference bases spanned by
// the clipped prefix; deletions and skips cut by the clip boundary
// are removed from the CIGAR. The read sequence itself is preserved.
func (aln *Alignment) SoftClipLeadingBases(clipTo int32) {
	cigar := scanCigar(aln)
	clipped := clipTo + 1
	var lead, rest []CigarOperation
	var refShift int32
	remaining := clipped
	i := 0
	for ; i < len(cigar) && cigar[i].Operation == 'H'; i++ {
		lead = append(lead, cigar[i])
	}
	for ; i < len(cigar); i++ {
		op := cigar[i]
		if remaining > 0 {
			var readLength int32
			if CigarConsumesReadBases(op.Operation) {
				readLength = op.Length
			}
			if readLength <= remaining {
				remaining -= readLength
				if CigarConsumesRefBases(op.Operation) {
					refShift += op.Length
				}
				continue
			}
			if CigarConsumesRefBases(op.Operation) {
				refShift += remaining
			}
			rest = append(rest, CigarOperation{op.Length - remaining, op.Operation})
			rest = append(rest, cigar[i+1:]...)
			break
		}
		// a soft clip must not be followed by a deletion or skip
		if op.Operation == 'D' || op.Operation == 'N' {
			refShift += op.Length
			continue
		}
		rest = append(rest, cigar[i:]...)
		break
	}
	if len(rest) > 0 && rest[0].Operation == 'S' {
		clipped += rest[0].Length
		rest = rest[1:]
	}
	aln.CIGAR = formatCigarOperations(lead, CigarOperation{clipped, 'S'}, rest)
	aln.POS += refShift
}

// SoftClipTrailingBases soft-clips the read bases from clipFrom
// (in read coordinates) through the end of the read. The alignment
// position is unaffected; deletions and skips cut by the clip
// boundary are removed from the CIGAR. The read sequence itself is
// preserved.
func (aln *Alignment) SoftClipTrailingBases(clipFrom int32) {
	cigar := scanCigar(aln)
	clipped := ReadLengthFromCigar(cigar) - clipFrom
	var kept, tail []CigarOperation
	n := len(cigar)
	for ; n > 0 && cigar[n-1].Operation == 'H'; n-- {
		tail = append(tail, cigar[n-1])
	}
	remaining := clipFrom
	for i := 0; i < n && remaining > 0; i++ {
		op := cigar[i]
		var readLength int32
		if CigarConsumesReadBases(op.Operation) {
			readLength = op.Length
		}
		if readLength <= remaining {
			kept = append(kept, op)
			remaining -= readLength
			continue
		}
		kept = append(kept, CigarOperation{remaining, op.Operation})
		remaining = 0
	}
	// a soft clip must not follow a deletion or skip
	for len(kept) > 0 {
		if last := kept[len(kept)-1].Operation; last == 'D' || last == 'N' {
			kept = kept[:len(kept)-1]
			continue
		}
		break
	}
	if len(kept) > 0 && kept[len(kept)-1].Operation == 'S' {
		clipped += kept[len(kept)-1].Length
		kept = kept[:len(kept)-1]
	}
	aln.CIGAR = formatCigarOperations(kept, CigarOperation{clipped, 'S'}, tail)
}
