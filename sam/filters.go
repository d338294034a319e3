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
	"github.com/exascience/elsplice/utils"
	"github.com/google/uuid"
)

// An AlignmentFilter receives an alignment and returns false if the
// alignment should be removed from the output, true otherwise. An
// AlignmentFilter may modify the alignment it receives.
type AlignmentFilter func(*Alignment) bool

// A Filter receives a SAM header and returns an AlignmentFilter, or
// nil if no further processing of alignments is needed.
type Filter func(*Header) AlignmentFilter

// ComposeFilters takes a header and a slice of Filter instances,
// and returns a slice of AlignmentFilter instances by applying the
// filters to the header in order, dropping the nil results.
func ComposeFilters(hdr *Header, hdrFilters []Filter) (alnFilters []AlignmentFilter) {
	for _, f := range hdrFilters {
		if alnFilter := f(hdr); alnFilter != nil {
			alnFilters = append(alnFilters, alnFilter)
		}
	}
	return alnFilters
}

// AlignmentFilterFunc applies all filters in order to the given
// alignment, and returns false as soon as one of them asks for the
// alignment to be removed.
func AlignmentFilterFunc(alnFilters []AlignmentFilter) func(*Alignment) bool {
	return func(aln *Alignment) bool {
		for _, f := range alnFilters {
			if !f(aln) {
				return false
			}
		}
		return true
	}
}

// AddRefID is a filter that adds the REFID temporary value to
// alignments, holding the index of the alignment's RNAME in the
// sequence dictionary of the header. Unmapped alignments get -1.
func AddRefID(hdr *Header) AlignmentFilter {
	dictTable := make(map[string]int32, len(hdr.SQ))
	dictTable["*"] = -1
	for index, entry := range hdr.SQ {
		dictTable[entry["SN"]] = int32(index)
	}
	return func(aln *Alignment) bool {
		value, found := dictTable[aln.RNAME]
		if !found {
			value = -1
		}
		aln.SetRefID(value)
		return true
	}
}

// RemoveOptionalReads is a filter that removes secondary and
// duplicate alignments, as well as alignments that failed quality
// control.
func RemoveOptionalReads(_ *Header) AlignmentFilter {
	return func(aln *Alignment) bool {
		return aln.FLAG&(Secondary|QCFailed|Duplicate) == 0
	}
}

// AddPGLine returns a filter for adding a @PG line to the header,
// with a unique ID, and a PP entry chaining it to the most recently
// added @PG line.
func AddPGLine(newPG utils.StringMap) Filter {
	return func(hdr *Header) AlignmentFilter {
		id := newPG["ID"] + " " + uuid.New().String()
		for utils.Find(hdr.PG, func(record utils.StringMap) bool {
			return record["ID"] == id
		}) >= 0 {
			id = newPG["ID"] + " " + uuid.New().String()
		}
		newPG["ID"] = id
		for _, pg := range hdr.PG {
			pgID := pg["ID"]
			if utils.Find(hdr.PG, func(record utils.StringMap) bool {
				return record["PP"] == pgID
			}) < 0 {
				newPG["PP"] = pgID
				break
			}
		}
		hdr.PG = append(hdr.PG, newPG)
		return nil
	}
}
