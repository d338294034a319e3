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
	"strconv"

	"github.com/exascience/elsplice/sam"
	"github.com/willf/bitset"
)

func saEntry(aln *sam.Alignment) string {
	strand := byte('+')
	if aln.IsReversed() {
		strand = '-'
	}
	nm := int64(0)
	if value, found := aln.TAGS.Get(sam.NM); found {
		switch v := value.(type) {
		case int64:
			nm = v
		case int32:
			nm = int64(v)
		}
	}
	entry := make([]byte, 0, len(aln.RNAME)+len(aln.CIGAR)+24)
	entry = append(entry, aln.RNAME...)
	entry = append(entry, ',')
	entry = strconv.AppendInt(entry, int64(aln.POS), 10)
	entry = append(entry, ',', strand, ',')
	entry = append(entry, aln.CIGAR...)
	entry = append(entry, ',')
	entry = strconv.AppendInt(entry, int64(aln.MAPQ), 10)
	entry = append(entry, ',')
	entry = strconv.AppendInt(entry, nm, 10)
	entry = append(entry, ';')
	return string(entry)
}

// RepairSupplementaryTags sets the SA tag on each alignment of a
// group of chimeric alignments stemming from the same read. Every
// alignment lists all the other alignments of the group, primary
// alignments first. Groups with fewer than two alignments are left
// untouched.
func RepairSupplementaryTags(group []*sam.Alignment) {
	if len(group) < 2 {
		return
	}
	primaries := bitset.New(uint(len(group)))
	for i, aln := range group {
		if !aln.IsSupplementary() && !aln.IsSecondary() {
			primaries.Set(uint(i))
		}
	}
	entries := make([]string, len(group))
	for i, aln := range group {
		entries[i] = saEntry(aln)
	}
	for i, aln := range group {
		sa := make([]byte, 0, 64)
		for j, ok := primaries.NextSet(0); ok; j, ok = primaries.NextSet(j + 1) {
			if int(j) != i {
				sa = append(sa, entries[j]...)
			}
		}
		for j := range group {
			if j != i && !primaries.Test(uint(j)) {
				sa = append(sa, entries[j]...)
			}
		}
		aln.TAGS.Set(sam.SA, string(sa))
	}
}
